// Package broadcast implements the fanout primitive shared by the pack
// cache and the LFS cache: one producer writes to a tempfile while any
// number of concurrent readers tail it from offset 0, waking on every
// producer write and on completion or failure. Reused unchanged by both
// the pack cache and the LFS cache.
package broadcast

import (
	"context"
	"io"
	"os"
	"sync"
)

// File is a single in-flight production: a tempfile plus a condition
// variable broadcasting progress to every reader that joined it.
type File struct {
	path string
	file *os.File // write handle, owned by the producer goroutine only

	mu      sync.Mutex
	cond    *sync.Cond
	written int64
	done    bool
	err     error
}

// New creates a File backed by a fresh tempfile at path (truncated if it
// already exists).
func New(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	b := &File{path: path, file: f}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Write implements io.Writer for the producer side.
func (b *File) Write(p []byte) (int, error) {
	n, err := b.file.Write(p)
	if n > 0 {
		b.mu.Lock()
		b.written += int64(n)
		b.cond.Broadcast()
		b.mu.Unlock()
	}
	return n, err
}

// Complete marks production finished, successfully or not, and wakes every
// waiting reader.
func (b *File) Complete(err error) {
	b.mu.Lock()
	b.done = true
	b.err = err
	b.cond.Broadcast()
	b.mu.Unlock()
	_ = b.file.Close()
}

// Written reports the number of bytes written so far.
func (b *File) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

func (b *File) snapshot() (written int64, done bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written, b.done, b.err
}

// Tail copies bytes written to b, from offset 0, to w, until production
// completes. If the producer fails after delivering some bytes, Tail
// returns that error having already written the partial bytes to w — the
// client sees a broken stream rather than a quietly-truncated success.
func (b *File) Tail(ctx context.Context, w io.Writer) error {
	r, err := os.Open(b.path)
	if err != nil {
		return err
	}
	defer r.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-stop:
		}
	}()

	var offset int64
	buf := make([]byte, 64*1024)
	for {
		written, done, perr := b.snapshot()
		if offset < written {
			want := written - offset
			if want > int64(len(buf)) {
				want = int64(len(buf))
			}
			n, rerr := r.ReadAt(buf[:want], offset)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return werr
				}
				offset += int64(n)
			}
			if rerr != nil && rerr != io.EOF {
				return rerr
			}
			continue
		}
		if done {
			return perr
		}

		b.mu.Lock()
		for b.written <= offset && !b.done {
			if ctx.Err() != nil {
				b.mu.Unlock()
				return ctx.Err()
			}
			b.cond.Wait()
		}
		b.mu.Unlock()
	}
}
