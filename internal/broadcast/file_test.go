package broadcast_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taichi-dev/git-cdn/internal/broadcast"
)

func TestTailDeliversBytesWrittenAfterJoin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.tmp")
	f, err := broadcast.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- f.Tail(context.Background(), &buf)
	}()

	if _, err := f.Write([]byte("hello ")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := f.Write([]byte("world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Complete(nil)

	if err := <-done; err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if buf.String() != "hello world" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestTailPropagatesCompletionError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.tmp")
	f, err := broadcast.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("boom")
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- f.Tail(context.Background(), &buf)
	}()

	if _, err := f.Write([]byte("partial")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Complete(boom)

	err = <-done
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got %v", err)
	}
	if buf.String() != "partial" {
		t.Fatalf("expected partial bytes delivered, got %q", buf.String())
	}
}

func TestMultipleReadersAllSeeFullStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.tmp")
	f, err := broadcast.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const readers = 5
	bufs := make([]bytes.Buffer, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.Tail(context.Background(), &bufs[i])
		}(i)
	}

	time.Sleep(5 * time.Millisecond)
	_, _ = f.Write([]byte("payload"))
	f.Complete(nil)
	wg.Wait()

	for i := range bufs {
		if bufs[i].String() != "payload" {
			t.Fatalf("reader %d got %q", i, bufs[i].String())
		}
	}
}

func TestTailRespectsContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.tmp")
	f, err := broadcast.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Complete(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	err = f.Tail(ctx, &buf)
	if err == nil {
		t.Fatalf("expected context deadline error")
	}
}
