package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-video/agent/internal/capture"
	"github.com/kestrel-video/agent/internal/events"
	"github.com/kestrel-video/agent/internal/framecache"
	"github.com/kestrel-video/agent/pkg/api"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	jobs   []api.IngestMeta
	reject bool
}

func (d *fakeDispatcher) Enqueue(meta api.IngestMeta, frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject {
		return false
	}
	d.jobs = append(d.jobs, meta)
	return true
}

type fakeUpserter struct {
	mu   sync.Mutex
	reqs []api.DetectionsRequest
}

func (u *fakeUpserter) UpsertDetections(_ context.Context, req api.DetectionsRequest) (*api.DetectionsResponse, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reqs = append(u.reqs, req)
	return &api.DetectionsResponse{Inserted: len(req.Detections), Total: len(req.Detections)}, nil
}

func cachedFrame(t *testing.T, c *framecache.Cache, id uint64) {
	t.Helper()
	c.Put(&capture.Frame{
		ID:        id,
		Data:      []byte{1, 2, 3},
		Width:     4,
		Height:    4,
		Format:    "gray",
		CaptureTs: capture.MonoNow(),
		WallTs:    time.Now().UnixMilli(),
	})
}

func det(trackID string) events.Detection {
	return events.Detection{TrackID: trackID, Class: "person", Confidence: 0.9, WallTs: time.Now().UnixMilli()}
}

func TestIngestWithoutSessionIsSkipped(t *testing.T) {
	c := framecache.New(time.Minute)
	d := &fakeDispatcher{}
	m := NewManager(c, d, nil)

	cachedFrame(t, c, 1)
	if m.IngestFrame(1, []events.Detection{det("t1")}) {
		t.Fatal("IngestFrame without session = true, want false")
	}
	if got := m.Stats().SkippedNoSess; got != 1 {
		t.Fatalf("SkippedNoSess = %d, want 1", got)
	}
}

func TestSeqNoStartsAtZeroAndIncreases(t *testing.T) {
	c := framecache.New(time.Minute)
	d := &fakeDispatcher{}
	m := NewManager(c, d, nil)

	m.Open("sess-1")
	for id := uint64(1); id <= 3; id++ {
		cachedFrame(t, c, id)
		if !m.IngestFrame(id, []events.Detection{det("t1")}) {
			t.Fatalf("IngestFrame(%d) = false", id)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, job := range d.jobs {
		if job.SeqNo != uint64(i) {
			t.Fatalf("job %d SeqNo = %d, want %d", i, job.SeqNo, i)
		}
		if job.SessionID != "sess-1" {
			t.Fatalf("job %d SessionID = %q", i, job.SessionID)
		}
	}
}

func TestSeqNoResetsOnReopen(t *testing.T) {
	c := framecache.New(time.Minute)
	d := &fakeDispatcher{}
	m := NewManager(c, d, nil)

	m.Open("sess-1")
	cachedFrame(t, c, 1)
	m.IngestFrame(1, []events.Detection{det("t1")})
	if got := m.Close(); got != "sess-1" {
		t.Fatalf("Close() = %q, want sess-1", got)
	}

	m.Open("sess-2")
	cachedFrame(t, c, 2)
	if !m.IngestFrame(2, []events.Detection{det("t2")}) {
		t.Fatal("IngestFrame after reopen = false")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	last := d.jobs[len(d.jobs)-1]
	if last.SeqNo != 0 || last.SessionID != "sess-2" {
		t.Fatalf("job after reopen = %+v, want SeqNo 0 in sess-2", last)
	}
}

func TestCacheMissFallsBackToDetectionUpsert(t *testing.T) {
	c := framecache.New(time.Minute)
	d := &fakeDispatcher{}
	u := &fakeUpserter{}
	m := NewManager(c, d, u)

	m.Open("sess-1")
	if m.IngestFrame(99, []events.Detection{det("t1")}) {
		t.Fatal("IngestFrame with missing frame = true, want false")
	}
	if got := m.Stats().CacheMisses; got != 1 {
		t.Fatalf("CacheMisses = %d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		u.mu.Lock()
		n := len(u.reqs)
		u.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for fallback upsert")
		}
		time.Sleep(2 * time.Millisecond)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.reqs[0].SessionID != "sess-1" || u.reqs[0].Detections[0].TrackID != "t1" {
		t.Fatalf("fallback request = %+v", u.reqs[0])
	}

	// The next accepted frame must still start the sequence at 0.
	cachedFrame(t, c, 100)
	m.IngestFrame(100, []events.Detection{det("t1")})
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobs[0].SeqNo != 0 {
		t.Fatalf("SeqNo after miss = %d, want 0", d.jobs[0].SeqNo)
	}
}

func TestRejectedDispatchDoesNotConsumeSeqNo(t *testing.T) {
	c := framecache.New(time.Minute)
	d := &fakeDispatcher{reject: true}
	m := NewManager(c, d, nil)

	m.Open("sess-1")
	cachedFrame(t, c, 1)
	if m.IngestFrame(1, []events.Detection{det("t1")}) {
		t.Fatal("IngestFrame with rejecting dispatcher = true")
	}

	d.mu.Lock()
	d.reject = false
	d.mu.Unlock()
	cachedFrame(t, c, 2)
	if !m.IngestFrame(2, []events.Detection{det("t1")}) {
		t.Fatal("IngestFrame = false")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobs[0].SeqNo != 0 {
		t.Fatalf("SeqNo = %d, want 0 (rejected job must not burn a number)", d.jobs[0].SeqNo)
	}
}
