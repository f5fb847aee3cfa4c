package packcache_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taichi-dev/git-cdn/internal/packcache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeProducesOnce(t *testing.T) {
	c, err := packcache.New(t.TempDir(), 0, 0, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls int32
	produce := func(ctx context.Context, w io.Writer) error {
		atomic.AddInt32(&calls, 1)
		_, err := w.Write([]byte("pack-bytes"))
		return err
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var buf bytes.Buffer
			if err := c.Serve(context.Background(), "abc123fingerprint", produce, &buf); err != nil {
				t.Errorf("serve: %v", err)
				return
			}
			results[i] = buf.Bytes()
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 produce call, got %d", got)
	}
	for i, r := range results {
		if string(r) != "pack-bytes" {
			t.Fatalf("reader %d got %q", i, r)
		}
	}
}

func TestServeHitsCacheOnSecondCall(t *testing.T) {
	c, err := packcache.New(t.TempDir(), 0, 0, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls int32
	produce := func(ctx context.Context, w io.Writer) error {
		atomic.AddInt32(&calls, 1)
		_, err := w.Write([]byte("pack-bytes"))
		return err
	}

	var buf bytes.Buffer
	if err := c.Serve(context.Background(), "deadbeeffingerprint", produce, &buf); err != nil {
		t.Fatalf("first serve: %v", err)
	}

	buf.Reset()
	if err := c.Serve(context.Background(), "deadbeeffingerprint", produce, &buf); err != nil {
		t.Fatalf("second serve: %v", err)
	}
	if buf.String() != "pack-bytes" {
		t.Fatalf("expected cache hit content, got %q", buf.String())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected produce called once across both serves, got %d", got)
	}
}

func TestServePropagatesProductionFailure(t *testing.T) {
	c, err := packcache.New(t.TempDir(), 0, 0, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("boom")
	produce := func(ctx context.Context, w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	}

	var buf bytes.Buffer
	err = c.Serve(context.Background(), "failingfingerprint0", produce, &buf)
	if err == nil {
		t.Fatalf("expected error from failed production")
	}
	if buf.String() != "partial" {
		t.Fatalf("expected partial bytes delivered before failure, got %q", buf.String())
	}

	// A retry after a failure must be allowed to produce again.
	var calls int32
	retry := func(ctx context.Context, w io.Writer) error {
		atomic.AddInt32(&calls, 1)
		_, err := w.Write([]byte("ok"))
		return err
	}
	buf.Reset()
	if err := c.Serve(context.Background(), "failingfingerprint0", retry, &buf); err != nil {
		t.Fatalf("retry serve: %v", err)
	}
	if buf.String() != "ok" || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected retry to produce fresh content, got %q calls=%d", buf.String(), calls)
	}
}

func TestServeFanoutJoinsInProgressProduction(t *testing.T) {
	c, err := packcache.New(t.TempDir(), 0, 0, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	produce := func(ctx context.Context, w io.Writer) error {
		_, _ = w.Write([]byte("first-chunk-"))
		close(started)
		<-release
		_, err := w.Write([]byte("second-chunk"))
		return err
	}

	var firstBuf, secondBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Serve(context.Background(), "fanoutfingerprint00", produce, &firstBuf); err != nil {
			t.Errorf("first serve: %v", err)
		}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("producer never started")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Serve(context.Background(), "fanoutfingerprint00", nil, &secondBuf); err != nil {
			t.Errorf("second serve: %v", err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	want := "first-chunk-second-chunk"
	if firstBuf.String() != want {
		t.Fatalf("producer buf = %q, want %q", firstBuf.String(), want)
	}
	if secondBuf.String() != want {
		t.Fatalf("joiner buf = %q, want %q", secondBuf.String(), want)
	}
}
