// Package orchestrator runs the recording state machine. Detections pull the
// agent from IDLE through a DWELL confirmation window into an ACTIVE
// recording session; silence and a post-roll window wind it back down. All
// state lives on one goroutine fed by the bus, so transitions are serial and
// every decision sees a consistent world.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-video/agent/internal/bus"
	"github.com/kestrel-video/agent/internal/capture"
	"github.com/kestrel-video/agent/internal/events"
	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/pkg/api"
)

var log = logging.L("orchestrator")

// SessionStore is the slice of the store client the FSM drives.
type SessionStore interface {
	OpenSession(ctx context.Context, req api.OpenRequest) (*api.SessionRecord, error)
	CloseSession(ctx context.Context, req api.CloseRequest) error
}

// FrameTagger tags outgoing frames with the open session. Implemented by
// the feeder.
type FrameTagger interface {
	SetSessionID(id string)
}

// Registry tracks the active session for ingestion. Implemented by the
// session manager.
type Registry interface {
	Open(id string)
	Close() string
}

// EndSender tells the worker a session ended. Implemented by the transport.
type EndSender interface {
	SendEnd(sessionID, reason string) error
}

// Config tunes the FSM.
type Config struct {
	DeviceID string
	Path     string
	Timers   Durations

	// StoreTimeout bounds a single store call; CloseRetryBudget bounds the
	// whole close-retry sequence before the session is abandoned to a local
	// close.
	StoreTimeout     time.Duration
	CloseRetryBudget time.Duration
}

func (c *Config) withDefaults() {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.CloseRetryBudget <= 0 {
		c.CloseRetryBudget = 30 * time.Second
	}
}

// Orchestrator is the recording FSM.
type Orchestrator struct {
	cfg      Config
	bus      *bus.Bus
	store    SessionStore
	tagger   FrameTagger
	registry Registry
	ender    EndSender
	recorder capture.Publisher
	timers   *TimerManager

	sub    *bus.Subscription
	stopCh chan struct{}
	once   sync.Once
	doneCh chan struct{}

	// Loop-owned; stateAtomic mirrors state for observers.
	state        State
	stateAtomic  atomic.Int32
	sessionID    string
	sessionStart int64
	sawInDwell   bool
	classes      map[string]struct{}

	closes sync.WaitGroup

	sessionsOpened atomic.Uint64
	sessionsClosed atomic.Uint64
}

func New(cfg Config, b *bus.Bus, store SessionStore, tagger FrameTagger, registry Registry, ender EndSender, recorder capture.Publisher) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		cfg:      cfg,
		bus:      b,
		store:    store,
		tagger:   tagger,
		registry: registry,
		ender:    ender,
		recorder: recorder,
		timers:   NewTimerManager(b),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		classes:  make(map[string]struct{}),
	}
}

// Start subscribes and launches the FSM loop. Must run before the feeder
// starts publishing, or early detections would be lost.
func (o *Orchestrator) Start() error {
	sub, err := o.bus.Subscribe(256,
		events.TopicDetection,
		events.TopicDwellElapsed,
		events.TopicSilenceElapsed,
		events.TopicPostrollElapsed,
	)
	if err != nil {
		return err
	}
	o.sub = sub
	go o.run()
	return nil
}

// Stop winds the FSM down. An open session is closed with a single store
// attempt; pending background close retries get until ctx expires.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.once.Do(func() { close(o.stopCh) })
	<-o.doneCh
	o.sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		o.closes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("close retries still pending at shutdown")
	}
}

// State returns the current FSM state.
func (o *Orchestrator) State() State { return State(o.stateAtomic.Load()) }

// SessionsOpened and SessionsClosed report lifetime counters.
func (o *Orchestrator) SessionsOpened() uint64 { return o.sessionsOpened.Load() }
func (o *Orchestrator) SessionsClosed() uint64 { return o.sessionsClosed.Load() }

func (o *Orchestrator) run() {
	defer close(o.doneCh)
	for {
		select {
		case <-o.stopCh:
			o.shutdownSession()
			o.timers.ClearAll()
			return
		case ev, ok := <-o.sub.C():
			if !ok {
				return
			}
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev bus.Event) {
	switch ev.Topic {
	case events.TopicDetection:
		d, ok := ev.Data.(events.Detection)
		if !ok {
			return
		}
		o.onDetection(d)
	case events.TopicDwellElapsed, events.TopicSilenceElapsed, events.TopicPostrollElapsed:
		te, ok := ev.Data.(events.TimerElapsed)
		if !ok || !o.timers.Live(te) {
			// A stale generation is the firing of a timer that was since
			// restarted or cancelled; duplicates land here too.
			return
		}
		o.onTimer(te)
	}
}

func (o *Orchestrator) onDetection(d events.Detection) {
	switch o.state {
	case Idle:
		o.sawInDwell = false
		o.setState(Dwell, events.TopicDetection)
	case Dwell:
		// The dwell timer is fixed; the detection only proves presence held.
		o.sawInDwell = true
	case Active:
		o.classes[d.Class] = struct{}{}
		o.setState(Active, events.TopicDetection) // restarts SILENCE
	case Closing:
		o.classes[d.Class] = struct{}{}
		o.setState(Active, events.TopicDetection)
	}
}

func (o *Orchestrator) onTimer(te events.TimerElapsed) {
	switch {
	case te.Timer == timerDwell && o.state == Dwell:
		if o.sawInDwell {
			o.activate()
		} else {
			log.Debug("dwell expired without sustained presence")
			o.setState(Idle, events.TopicDwellElapsed)
		}
	case te.Timer == timerSilence && o.state == Active:
		o.setState(Closing, events.TopicSilenceElapsed)
	case te.Timer == timerPostroll && o.state == Closing:
		o.deactivate()
	}
}

// activate opens a session at the store and flips everything to recording.
// A store failure aborts the activation: no publisher, no session tag, back
// to IDLE.
func (o *Orchestrator) activate() {
	id := uuid.NewString()
	startTs := time.Now().UnixMilli()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	_, err := o.store.OpenSession(ctx, api.OpenRequest{
		SessionID: id,
		DevID:     o.cfg.DeviceID,
		StartTs:   startTs,
		Path:      o.cfg.Path,
		Reason:    "detection",
	})
	if err != nil {
		log.Error("session open failed, activation aborted",
			logging.KeySession, id, logging.KeyError, err)
		o.bus.Publish(events.TopicSessionOpenError, events.SessionOpenError{
			Path: o.cfg.Path,
			Err:  err.Error(),
		})
		o.setState(Idle, events.TopicSessionOpenError)
		return
	}

	o.sessionID = id
	o.sessionStart = startTs
	o.classes = make(map[string]struct{})
	o.registry.Open(id)
	o.tagger.SetSessionID(id)
	o.sessionsOpened.Add(1)

	if err := o.recorder.Start(); err != nil {
		// The session stays open: pixels are lost but detections still flow.
		log.Error("record publisher failed to start", logging.KeyError, err)
	} else {
		o.bus.Publish(events.TopicPublisherStarted, events.PublisherStatus{
			Name: "record", Running: true, WallTs: time.Now().UnixMilli(),
		})
	}

	log.Info("session open", logging.KeySession, id, "path", o.cfg.Path)
	o.bus.Publish(events.TopicSessionOpen, events.SessionOpen{
		SessionID: id,
		Path:      o.cfg.Path,
		StartTs:   startTs,
	})
	o.setState(Active, events.TopicDwellElapsed)
}

// deactivate stops recording and closes the session. The local side closes
// immediately; the store close retries in the background so a slow store
// cannot stall the FSM.
func (o *Orchestrator) deactivate() {
	endTs := time.Now().UnixMilli()
	o.stopRecorder()

	id := o.sessionID
	o.sessionID = ""
	o.registry.Close()
	o.tagger.SetSessionID("")
	if err := o.ender.SendEnd(id, "session closed"); err != nil {
		log.Debug("end notice not delivered", logging.KeySession, id, logging.KeyError, err)
	}
	o.sessionsClosed.Add(1)

	log.Info("session close", logging.KeySession, id,
		logging.KeyDurationMs, endTs-o.sessionStart)
	o.bus.Publish(events.TopicSessionClose, events.SessionClose{
		SessionID: id,
		Reason:    "postroll",
		EndTs:     endTs,
	})

	o.closes.Add(1)
	go o.closeInStore(id, endTs)

	o.setState(Idle, events.TopicPostrollElapsed)
}

// shutdownSession closes an open session on agent shutdown with one store
// attempt, skipping the retry machinery.
func (o *Orchestrator) shutdownSession() {
	if o.state != Active && o.state != Closing {
		return
	}
	endTs := time.Now().UnixMilli()
	o.stopRecorder()

	id := o.sessionID
	o.sessionID = ""
	o.registry.Close()
	o.tagger.SetSessionID("")
	o.ender.SendEnd(id, "agent shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	if err := o.store.CloseSession(ctx, o.closeRequest(id, endTs)); err != nil {
		log.Warn("session close at shutdown failed", logging.KeySession, id, logging.KeyError, err)
	}
	o.bus.Publish(events.TopicSessionClose, events.SessionClose{
		SessionID: id, Reason: "shutdown", EndTs: endTs,
	})
	o.setState(Idle, "shutdown")
}

func (o *Orchestrator) stopRecorder() {
	if !o.recorder.Running() {
		return
	}
	if err := o.recorder.Stop(); err != nil {
		log.Warn("record publisher stop failed", logging.KeyError, err)
	}
	o.bus.Publish(events.TopicPublisherStopped, events.PublisherStatus{
		Name: "record", Running: false, WallTs: time.Now().UnixMilli(),
	})
}

func (o *Orchestrator) closeRequest(id string, endTs int64) api.CloseRequest {
	return api.CloseRequest{
		SessionID:   id,
		EndTs:       endTs,
		PostrollSec: o.cfg.Timers.Postroll.Seconds(),
	}
}

// closeInStore retries the store close with exponential backoff until it
// lands, turns terminal, or the retry budget runs out.
func (o *Orchestrator) closeInStore(id string, endTs int64) {
	defer o.closes.Done()

	deadline := time.Now().Add(o.cfg.CloseRetryBudget)
	delay := 500 * time.Millisecond

	for {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
		err := o.store.CloseSession(ctx, o.closeRequest(id, endTs))
		cancel()
		if err == nil {
			return
		}

		var se *api.StatusError
		terminal := errors.Is(err, api.ErrNotFound) ||
			(errors.As(err, &se) && se.Code >= 400 && se.Code < 500)
		if terminal || time.Now().After(deadline) {
			log.Error("session close abandoned, closed locally only",
				logging.KeySession, id, logging.KeyError, err)
			o.bus.Publish(events.TopicSessionCloseError, events.SessionCloseError{
				SessionID: id,
				Err:       err.Error(),
			})
			return
		}

		log.Warn("session close failed, will retry",
			logging.KeySession, id, "delay", delay, logging.KeyError, err)
		select {
		case <-time.After(delay):
		case <-o.stopCh:
			// Shutdown: allow one final attempt, then give up.
			deadline = time.Time{}
		}
		if delay *= 2; delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
}

// setState commits a transition, runs the timer rules and announces the
// change. Calling it with the current state re-runs the in-state timer rules
// (the SILENCE restart) without an announcement.
func (o *Orchestrator) setState(next State, trigger string) {
	prev := o.state
	o.state = next
	o.stateAtomic.Store(int32(next))
	o.timers.ManageTimers(next, prev, trigger, o.cfg.Timers)
	if prev == next {
		return
	}
	log.Info("fsm transition",
		logging.KeyState, next.String(), "from", prev.String(), "trigger", trigger)
	o.bus.Publish(events.TopicFSMState, events.FSMState{
		State:     next.String(),
		SessionID: o.sessionID,
		WallTs:    time.Now().UnixMilli(),
	})
}
