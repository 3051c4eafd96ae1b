// Package session tracks the active recording session on the agent side and
// turns stable detections into frame uploads. The orchestrator owns the
// session lifecycle; this package owns the per-session frame sequence.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-video/agent/internal/events"
	"github.com/kestrel-video/agent/internal/framecache"
	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/pkg/api"
)

var log = logging.L("session")

// Dispatcher accepts one upload job. Implemented by the ingester; returns
// false when the job was rejected (queue overflow, shutdown).
type Dispatcher interface {
	Enqueue(meta api.IngestMeta, frame []byte) bool
}

// Upserter is the slice of the store client used for the cache-miss
// fallback: when the pixels are gone, the detections still reach the store.
type Upserter interface {
	UpsertDetections(ctx context.Context, req api.DetectionsRequest) (*api.DetectionsResponse, error)
}

// Manager issues strictly increasing sequence numbers for the open session
// and joins detections back to their cached frames.
type Manager struct {
	cache    *framecache.Cache
	dispatch Dispatcher
	upserter Upserter

	mu        sync.Mutex
	sessionID string
	lastID    string
	seq       uint64

	ingested      atomic.Uint64
	skippedNoSess atomic.Uint64
	cacheMisses   atomic.Uint64
	rejected      atomic.Uint64
}

func NewManager(cache *framecache.Cache, dispatch Dispatcher, upserter Upserter) *Manager {
	return &Manager{cache: cache, dispatch: dispatch, upserter: upserter}
}

// Open starts counting frames for a new session. The sequence restarts at 0.
func (m *Manager) Open(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
	m.seq = 0
}

// Close forgets the active session and returns its id, empty if none.
func (m *Manager) Close() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.sessionID
	if id != "" {
		m.lastID = id
	}
	m.sessionID = ""
	return id
}

// Current returns the active session id, empty when none is open.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Last returns the most recently closed session id.
func (m *Manager) Last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}

// IngestFrame uploads the cached frame with its stable detections. Returns
// false without side effects when no session is open, and false after a
// detections-only fallback upsert when the frame already expired from the
// cache. The sequence number is only consumed when the job is accepted, so
// the numbers the store sees start at 0 and increase without reordering.
func (m *Manager) IngestFrame(frameID uint64, dets []events.Detection) bool {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()
	if sessionID == "" {
		m.skippedNoSess.Add(1)
		return false
	}

	fr, ok := m.cache.Get(frameID)
	if !ok {
		m.cacheMisses.Add(1)
		log.Debug("frame expired before ingest", logging.KeyFrame, frameID, logging.KeySession, sessionID)
		m.upsertFallback(sessionID, dets)
		return false
	}

	meta := api.IngestMeta{
		SessionID:  sessionID,
		CaptureTs:  fr.CaptureTs,
		Width:      fr.Width,
		Height:     fr.Height,
		Detections: toAPIDetections(dets),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != sessionID {
		// Session turned over between the cache lookup and here.
		m.skippedNoSess.Add(1)
		return false
	}
	meta.SeqNo = m.seq
	if !m.dispatch.Enqueue(meta, fr.Data) {
		m.rejected.Add(1)
		return false
	}
	m.seq++
	m.ingested.Add(1)
	return true
}

// upsertFallback pushes the detections without pixels so the track records
// still reach the store. Best effort, off the caller's goroutine.
func (m *Manager) upsertFallback(sessionID string, dets []events.Detection) {
	if m.upserter == nil || len(dets) == 0 {
		return
	}
	req := api.DetectionsRequest{
		SessionID:  sessionID,
		Detections: toAPIDetections(dets),
		Ts:         time.Now().UnixMilli(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.upserter.UpsertDetections(ctx, req); err != nil {
			log.Debug("fallback detection upsert failed", logging.KeySession, sessionID, logging.KeyError, err)
		}
	}()
}

// Stats is a point-in-time snapshot of the manager counters.
type Stats struct {
	Ingested      uint64
	SkippedNoSess uint64
	CacheMisses   uint64
	Rejected      uint64
}

func (m *Manager) Stats() Stats {
	return Stats{
		Ingested:      m.ingested.Load(),
		SkippedNoSess: m.skippedNoSess.Load(),
		CacheMisses:   m.cacheMisses.Load(),
		Rejected:      m.rejected.Load(),
	}
}

func toAPIDetections(dets []events.Detection) []api.Detection {
	out := make([]api.Detection, len(dets))
	for i, d := range dets {
		out[i] = api.Detection{
			TrackID:    d.TrackID,
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       api.BBox{X: d.Box.X, Y: d.Box.Y, W: d.Box.W, H: d.Box.H},
			Ts:         d.WallTs,
		}
	}
	return out
}
