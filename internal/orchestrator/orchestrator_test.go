package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-video/agent/internal/bus"
	"github.com/kestrel-video/agent/internal/events"
	"github.com/kestrel-video/agent/pkg/api"
)

type fakeStore struct {
	mu         sync.Mutex
	opens      []api.OpenRequest
	closes     []api.CloseRequest
	openErr    error
	closeErrs  []error // consumed one per close attempt; nil = success
	closeCalls int
}

func (s *fakeStore) OpenSession(_ context.Context, req api.OpenRequest) (*api.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opens = append(s.opens, req)
	return &api.SessionRecord{SessionID: req.SessionID, Status: api.StatusOpen}, nil
}

func (s *fakeStore) CloseSession(_ context.Context, req api.CloseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if len(s.closeErrs) > 0 {
		err := s.closeErrs[0]
		s.closeErrs = s.closeErrs[1:]
		if err != nil {
			return err
		}
	}
	s.closes = append(s.closes, req)
	return nil
}

func (s *fakeStore) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opens)
}

func (s *fakeStore) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closes)
}

type fakeTagger struct {
	mu   sync.Mutex
	tags []string
}

func (f *fakeTagger) SetSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, id)
}

func (f *fakeTagger) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tags) == 0 {
		return ""
	}
	return f.tags[len(f.tags)-1]
}

type fakeRegistry struct {
	mu      sync.Mutex
	current string
}

func (r *fakeRegistry) Open(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = id
}

func (r *fakeRegistry) Close() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.current
	r.current = ""
	return id
}

type fakeEnder struct {
	mu   sync.Mutex
	ends []string
}

func (e *fakeEnder) SendEnd(sessionID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ends = append(e.ends, sessionID)
	return nil
}

type fakeRecorder struct {
	mu          sync.Mutex
	running     bool
	starts      int
	stops       int
	startedAt   time.Time
	lastStopped time.Time
}

func (r *fakeRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	r.starts++
	r.startedAt = time.Now()
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.stops++
	r.lastStopped = time.Now()
	return nil
}

func (r *fakeRecorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRecorder) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

func (r *fakeRecorder) LastStoppedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStopped
}

func (r *fakeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

type rig struct {
	bus      *bus.Bus
	store    *fakeStore
	tagger   *fakeTagger
	registry *fakeRegistry
	ender    *fakeEnder
	recorder *fakeRecorder
	orch     *Orchestrator
}

func newRig(t *testing.T, d Durations) *rig {
	t.Helper()
	r := &rig{
		bus:      bus.New(),
		store:    &fakeStore{},
		tagger:   &fakeTagger{},
		registry: &fakeRegistry{},
		ender:    &fakeEnder{},
		recorder: &fakeRecorder{},
	}
	t.Cleanup(r.bus.Close)
	r.orch = New(Config{
		DeviceID:         "edge-01",
		Path:             "cam",
		Timers:           d,
		StoreTimeout:     time.Second,
		CloseRetryBudget: 2 * time.Second,
	}, r.bus, r.store, r.tagger, r.registry, r.ender, r.recorder)
	if err := r.orch.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.orch.Stop(ctx)
	})
	return r
}

func (r *rig) detect(class string) {
	r.bus.Publish(events.TopicDetection, events.Detection{
		TrackID: "trk-1", Class: class, Confidence: 0.9, WallTs: time.Now().UnixMilli(),
	})
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for o.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", o.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func shortTimers() Durations {
	return Durations{Dwell: 60 * time.Millisecond, Silence: 120 * time.Millisecond, Postroll: 60 * time.Millisecond}
}

func TestColdStartStaysIdle(t *testing.T) {
	r := newRig(t, shortTimers())
	time.Sleep(200 * time.Millisecond)
	if got := r.orch.State(); got != Idle {
		t.Fatalf("state = %v, want IDLE", got)
	}
	if r.store.openCount() != 0 {
		t.Fatal("store touched without detections")
	}
}

func TestSingleBurstOpensAndClosesOneSession(t *testing.T) {
	r := newRig(t, shortTimers())
	sub, err := r.bus.Subscribe(16, events.TopicSessionOpen, events.TopicSessionClose)
	if err != nil {
		t.Fatal(err)
	}

	// Sustained presence through the dwell window.
	r.detect("person")
	time.Sleep(20 * time.Millisecond)
	r.detect("person")
	time.Sleep(20 * time.Millisecond)
	r.detect("person")

	waitState(t, r.orch, Active)
	if r.store.openCount() != 1 {
		t.Fatalf("opens = %d, want 1", r.store.openCount())
	}
	if starts, _ := r.recorder.counts(); starts != 1 {
		t.Fatalf("recorder starts = %d, want 1", starts)
	}
	if r.tagger.last() == "" {
		t.Fatal("feeder not tagged with session id")
	}

	// Silence, then post-roll runs out.
	waitState(t, r.orch, Closing)
	if !r.recorder.Running() {
		t.Fatal("publisher must keep running through CLOSING")
	}
	waitState(t, r.orch, Idle)
	waitFor(t, "store close", func() bool { return r.store.closeCount() == 1 })

	if r.tagger.last() != "" {
		t.Fatal("session tag not cleared on close")
	}
	if _, stops := r.recorder.counts(); stops != 1 {
		t.Fatalf("recorder stops = %d, want 1", stops)
	}

	var open events.SessionOpen
	var closed events.SessionClose
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C():
			switch v := ev.Data.(type) {
			case events.SessionOpen:
				open = v
			case events.SessionClose:
				closed = v
			}
		case <-time.After(2 * time.Second):
			t.Fatal("missing session lifecycle event")
		}
	}
	if open.SessionID == "" || open.SessionID != closed.SessionID {
		t.Fatalf("open/close ids: %q vs %q", open.SessionID, closed.SessionID)
	}
	if closed.EndTs < open.StartTs {
		t.Fatalf("EndTs %d < StartTs %d", closed.EndTs, open.StartTs)
	}

	r.ender.mu.Lock()
	defer r.ender.mu.Unlock()
	if len(r.ender.ends) != 1 || r.ender.ends[0] != open.SessionID {
		t.Fatalf("worker End = %v, want [%s]", r.ender.ends, open.SessionID)
	}
}

func TestDwellRequiresSustainedPresence(t *testing.T) {
	r := newRig(t, shortTimers())

	// A single detection must never reach ACTIVE.
	r.detect("person")
	waitState(t, r.orch, Dwell)
	waitState(t, r.orch, Idle)
	if r.store.openCount() != 0 {
		t.Fatal("session opened without sustained presence")
	}
}

func TestDetectionDuringClosingReactivates(t *testing.T) {
	r := newRig(t, shortTimers())

	r.detect("person")
	time.Sleep(20 * time.Millisecond)
	r.detect("person")
	waitState(t, r.orch, Active)
	waitState(t, r.orch, Closing)

	r.detect("person")
	waitState(t, r.orch, Active)

	// Let it wind down for real this time.
	waitState(t, r.orch, Closing)
	waitState(t, r.orch, Idle)
	waitFor(t, "store close", func() bool { return r.store.closeCount() == 1 })

	if r.store.openCount() != 1 {
		t.Fatalf("opens = %d, want exactly 1 across re-activation", r.store.openCount())
	}
}

func TestRelevantDetectionKeepsSessionAlive(t *testing.T) {
	d := shortTimers()
	r := newRig(t, d)

	r.detect("person")
	time.Sleep(20 * time.Millisecond)
	r.detect("person")
	waitState(t, r.orch, Active)

	// Keep resetting SILENCE for a few multiples of the window.
	for i := 0; i < 6; i++ {
		time.Sleep(d.Silence / 2)
		r.detect("person")
		if got := r.orch.State(); got != Active {
			t.Fatalf("state = %v during sustained detections, want ACTIVE", got)
		}
	}
}

func TestKeepaliveDoesNotResetSilence(t *testing.T) {
	d := shortTimers()
	r := newRig(t, d)

	r.detect("person")
	time.Sleep(20 * time.Millisecond)
	r.detect("person")
	waitState(t, r.orch, Active)

	// Keepalives alone must let SILENCE run out.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.bus.Publish(events.TopicKeepalive, events.Keepalive{WallTs: time.Now().UnixMilli()})
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	waitState(t, r.orch, Closing)
}

func TestOpenFailureAbortsActivation(t *testing.T) {
	r := newRig(t, shortTimers())
	r.store.mu.Lock()
	r.store.openErr = errors.New("store down")
	r.store.mu.Unlock()

	sub, err := r.bus.Subscribe(16, events.TopicSessionOpenError)
	if err != nil {
		t.Fatal(err)
	}

	r.detect("person")
	time.Sleep(20 * time.Millisecond)
	r.detect("person")

	select {
	case ev := <-sub.C():
		if _, ok := ev.Data.(events.SessionOpenError); !ok {
			t.Fatalf("payload = %T", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session.open.error published")
	}
	waitState(t, r.orch, Idle)
	if starts, _ := r.recorder.counts(); starts != 0 {
		t.Fatal("publisher started despite aborted activation")
	}
	if r.tagger.last() != "" {
		t.Fatal("session tag set despite aborted activation")
	}
}

func TestCloseRetriesUntilStoreRecovers(t *testing.T) {
	r := newRig(t, shortTimers())
	r.store.mu.Lock()
	r.store.closeErrs = []error{errors.New("blip"), errors.New("blip")}
	r.store.mu.Unlock()

	r.detect("person")
	time.Sleep(20 * time.Millisecond)
	r.detect("person")
	waitState(t, r.orch, Active)
	waitState(t, r.orch, Idle)

	waitFor(t, "close to land after retries", func() bool { return r.store.closeCount() == 1 })
	r.store.mu.Lock()
	calls := r.store.closeCalls
	r.store.mu.Unlock()
	if calls != 3 {
		t.Fatalf("close attempts = %d, want 3", calls)
	}
}

func TestCloseGivesUpOnTerminalError(t *testing.T) {
	r := newRig(t, shortTimers())
	r.store.mu.Lock()
	r.store.closeErrs = []error{api.ErrNotFound}
	r.store.mu.Unlock()

	sub, err := r.bus.Subscribe(16, events.TopicSessionCloseError)
	if err != nil {
		t.Fatal(err)
	}

	r.detect("person")
	time.Sleep(20 * time.Millisecond)
	r.detect("person")
	waitState(t, r.orch, Active)
	waitState(t, r.orch, Idle)

	select {
	case ev := <-sub.C():
		ce := ev.Data.(events.SessionCloseError)
		if ce.SessionID == "" || ce.Err == "" {
			t.Fatalf("close error payload = %+v", ce)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session.close.error published")
	}
}

func TestStaleTimerEventIsIgnored(t *testing.T) {
	r := newRig(t, Durations{Dwell: time.Hour, Silence: time.Hour, Postroll: time.Hour})

	r.detect("person")
	time.Sleep(10 * time.Millisecond)
	r.detect("person")
	waitState(t, r.orch, Dwell)

	// A forged expiry with a generation that never was: must not activate.
	r.bus.Publish(events.TopicDwellElapsed, events.TimerElapsed{
		Timer: timerDwell, Generation: 999, WallTs: time.Now().UnixMilli(),
	})
	time.Sleep(50 * time.Millisecond)
	if got := r.orch.State(); got != Dwell {
		t.Fatalf("state = %v after stale timer event, want DWELL", got)
	}
	if r.store.openCount() != 0 {
		t.Fatal("stale timer event opened a session")
	}
}

func TestShutdownClosesOpenSession(t *testing.T) {
	r := newRig(t, Durations{Dwell: 40 * time.Millisecond, Silence: time.Hour, Postroll: time.Hour})

	r.detect("person")
	time.Sleep(15 * time.Millisecond)
	r.detect("person")
	waitState(t, r.orch, Active)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.orch.Stop(ctx)

	if r.store.closeCount() != 1 {
		t.Fatalf("closes = %d, want 1 at shutdown", r.store.closeCount())
	}
	if r.recorder.Running() {
		t.Fatal("publisher still running after shutdown")
	}
}
