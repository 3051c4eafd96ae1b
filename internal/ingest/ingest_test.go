package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-video/agent/pkg/api"
)

type fakeUploader struct {
	mu      sync.Mutex
	seen    []uint64
	err     error
	started atomic.Int32
	block   chan struct{} // non-nil: uploads wait here
}

func (u *fakeUploader) IngestFrame(ctx context.Context, meta api.IngestMeta, frame []byte) error {
	u.started.Add(1)
	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.seen = append(u.seen, meta.SeqNo)
	return nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.seen)
}

func meta(seq uint64) api.IngestMeta {
	return api.IngestMeta{SessionID: "sess-1", SeqNo: seq}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestIngesterUploadsJobs(t *testing.T) {
	u := &fakeUploader{}
	ing := New(u, 2, time.Second)
	defer ing.Stop(context.Background())

	for i := uint64(0); i < 5; i++ {
		if !ing.Enqueue(meta(i), []byte{1}) {
			t.Fatalf("Enqueue(%d) = false", i)
		}
	}
	waitFor(t, "uploads", func() bool { return u.count() == 5 })
	if got := ing.Stats().Uploaded; got != 5 {
		t.Fatalf("Uploaded = %d, want 5", got)
	}
}

func TestIngesterDropsOldestOnOverflow(t *testing.T) {
	u := &fakeUploader{block: make(chan struct{})}
	ing := New(u, 1, time.Minute)

	// One job occupies the single worker; the queue holds two more. Every
	// enqueue past that point evicts the oldest queued job.
	ing.Enqueue(meta(0), []byte{1})
	waitFor(t, "worker to take job 0", func() bool { return u.started.Load() == 1 })
	for i := uint64(1); i < 6; i++ {
		ing.Enqueue(meta(i), []byte{1})
	}
	if got := ing.Stats().Dropped; got != 3 {
		t.Fatalf("Dropped = %d, want 3", got)
	}

	close(u.block)
	waitFor(t, "drain", func() bool { return u.count() == 3 })
	ing.Stop(context.Background())

	u.mu.Lock()
	defer u.mu.Unlock()
	// The worker held job 0; of the queued jobs only the newest survive.
	want := []uint64{0, 4, 5}
	for i, w := range want {
		if u.seen[i] != w {
			t.Fatalf("uploads = %v, want %v", u.seen, want)
		}
	}
}

func TestIngesterCountsFailures(t *testing.T) {
	u := &fakeUploader{err: errors.New("store down")}
	ing := New(u, 1, time.Second)
	defer ing.Stop(context.Background())

	ing.Enqueue(meta(0), []byte{1})
	waitFor(t, "failure recorded", func() bool { return ing.Stats().Failed == 1 })
}

func TestIngesterCountsOversize(t *testing.T) {
	u := &fakeUploader{err: api.ErrTooLarge}
	ing := New(u, 1, time.Second)
	defer ing.Stop(context.Background())

	ing.Enqueue(meta(0), []byte{1})
	waitFor(t, "oversize recorded", func() bool { return ing.Stats().Oversize == 1 })
	if got := ing.Stats().Failed; got != 0 {
		t.Fatalf("Failed = %d, want 0 (oversize is terminal, not transient)", got)
	}
}

func TestIngesterRejectsAfterStop(t *testing.T) {
	u := &fakeUploader{}
	ing := New(u, 1, time.Second)
	ing.Stop(context.Background())

	if ing.Enqueue(meta(0), []byte{1}) {
		t.Fatal("Enqueue after Stop = true, want false")
	}
}
