// Package status aggregates bus events into the agent's status snapshot and
// serves it over HTTP for the supervisor to poll.
package status

import (
	"sync"
	"time"

	"github.com/kestrel-video/agent/internal/bus"
	"github.com/kestrel-video/agent/internal/events"
	"github.com/kestrel-video/agent/internal/logging"
)

var log = logging.L("status")

// Snapshot is the wire shape of GET /status.
type Snapshot struct {
	Online      bool  `json:"online"`
	Timestamp   int64 `json:"timestamp"`
	StartedAt   int64 `json:"startedAt"`
	UptimeMs    int64 `json:"uptimeMs"`
	HeartbeatTs int64 `json:"heartbeatTs"`

	Detections DetectionStats `json:"detections"`
	Session    SessionStats   `json:"session"`
	Streams    StreamStats    `json:"streams"`
}

type DetectionStats struct {
	Total           uint64 `json:"total"`
	LastDetectionTs int64  `json:"lastDetectionTs"`
}

type SessionStats struct {
	Active           bool   `json:"active"`
	CurrentSessionID string `json:"currentSessionId"`
	LastSessionID    string `json:"lastSessionId"`
	LastChangeTs     int64  `json:"lastChangeTs"`
}

type StreamStats struct {
	Live   LiveStream   `json:"live"`
	Record RecordStream `json:"record"`
}

type LiveStream struct {
	Running   bool  `json:"running"`
	StartedAt int64 `json:"startedAt"`
}

type RecordStream struct {
	Running       bool  `json:"running"`
	StartedAt     int64 `json:"startedAt"`
	LastStoppedAt int64 `json:"lastStoppedAt"`
}

// Tracker folds bus traffic into the snapshot. Every detection and keepalive
// counts as a heartbeat from the inference loop.
type Tracker struct {
	bus *bus.Bus
	sub *bus.Subscription

	startedAt time.Time

	mu          sync.Mutex
	heartbeatTs int64
	detections  DetectionStats
	session     SessionStats
	streams     StreamStats

	stopOnce sync.Once
	doneCh   chan struct{}
}

func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		bus:       b,
		startedAt: time.Now(),
		doneCh:    make(chan struct{}),
	}
}

// Start subscribes and begins folding events.
func (t *Tracker) Start() error {
	sub, err := t.bus.Subscribe(128,
		events.TopicDetection,
		events.TopicKeepalive,
		events.TopicSessionOpen,
		events.TopicSessionClose,
		events.TopicPublisherStarted,
		events.TopicPublisherStopped,
	)
	if err != nil {
		return err
	}
	t.sub = sub
	go t.run()
	return nil
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.sub != nil {
			t.sub.Unsubscribe()
		}
	})
	<-t.doneCh
}

func (t *Tracker) run() {
	defer close(t.doneCh)
	for ev := range t.sub.C() {
		t.fold(ev)
	}
}

func (t *Tracker) fold(ev bus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch data := ev.Data.(type) {
	case events.Detection:
		t.heartbeatTs = data.WallTs
		t.detections.Total++
		t.detections.LastDetectionTs = data.WallTs
	case events.Keepalive:
		t.heartbeatTs = data.WallTs
	case events.SessionOpen:
		t.session.Active = true
		t.session.CurrentSessionID = data.SessionID
		t.session.LastChangeTs = data.StartTs
	case events.SessionClose:
		t.session.Active = false
		t.session.LastSessionID = data.SessionID
		t.session.CurrentSessionID = ""
		t.session.LastChangeTs = data.EndTs
	case events.PublisherStatus:
		switch data.Name {
		case "live":
			t.streams.Live.Running = data.Running
			if data.Running {
				t.streams.Live.StartedAt = data.WallTs
			}
		case "record":
			t.streams.Record.Running = data.Running
			if data.Running {
				t.streams.Record.StartedAt = data.WallTs
			} else {
				t.streams.Record.LastStoppedAt = data.WallTs
			}
		}
	}
}

// Heartbeat records worker activity reported by the transport; covers
// protocol traffic that never reaches the bus, heartbeat acks included.
func (t *Tracker) Heartbeat(wallMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wallMs > t.heartbeatTs {
		t.heartbeatTs = wallMs
	}
}

// Snapshot returns the current status.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	return Snapshot{
		Online:      true,
		Timestamp:   now.UnixMilli(),
		StartedAt:   t.startedAt.UnixMilli(),
		UptimeMs:    now.Sub(t.startedAt).Milliseconds(),
		HeartbeatTs: t.heartbeatTs,
		Detections:  t.detections,
		Session:     t.session,
		Streams:     t.streams,
	}
}
