package orchestrator

import (
	"sync"
	"time"

	"github.com/kestrel-video/agent/internal/bus"
	"github.com/kestrel-video/agent/internal/events"
)

// Timer names as they appear in TimerElapsed payloads.
const (
	timerDwell    = "dwell"
	timerSilence  = "silence"
	timerPostroll = "postroll"
)

// Durations holds the three FSM windows.
type Durations struct {
	Dwell    time.Duration
	Silence  time.Duration
	Postroll time.Duration
}

// TimerManager owns the three one-shot FSM timers. Expiry is delivered
// through the bus, so timer events queue behind detections and the FSM loop
// stays single-threaded. Every Arm and Cancel bumps the timer's generation;
// an expiry event whose generation is stale is a firing of a superseded
// timer and must be ignored.
type TimerManager struct {
	bus *bus.Bus

	mu     sync.Mutex
	timers map[string]*time.Timer
	gens   map[string]uint64
}

func NewTimerManager(b *bus.Bus) *TimerManager {
	return &TimerManager{
		bus:    b,
		timers: make(map[string]*time.Timer),
		gens:   make(map[string]uint64),
	}
}

var timerTopics = map[string]string{
	timerDwell:    events.TopicDwellElapsed,
	timerSilence:  events.TopicSilenceElapsed,
	timerPostroll: events.TopicPostrollElapsed,
}

// Arm starts (or restarts) the named timer.
func (tm *TimerManager) Arm(name string, d time.Duration) {
	topic := timerTopics[name]

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t := tm.timers[name]; t != nil {
		t.Stop()
	}
	tm.gens[name]++
	gen := tm.gens[name]
	tm.timers[name] = time.AfterFunc(d, func() {
		tm.bus.Publish(topic, events.TimerElapsed{
			Timer:      name,
			Generation: gen,
			WallTs:     time.Now().UnixMilli(),
		})
	})
}

// Cancel stops the named timer. A firing already in flight is invalidated
// through the generation bump.
func (tm *TimerManager) Cancel(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t := tm.timers[name]; t != nil {
		t.Stop()
		delete(tm.timers, name)
	}
	tm.gens[name]++
}

// Live reports whether the given expiry event belongs to the timer's
// current arming.
func (tm *TimerManager) Live(ev events.TimerElapsed) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return ev.Generation == tm.gens[ev.Timer]
}

// ClearAll cancels everything; used on shutdown and on return to IDLE.
func (tm *TimerManager) ClearAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for name, t := range tm.timers {
		t.Stop()
		delete(tm.timers, name)
		tm.gens[name]++
	}
}

// ManageTimers applies the timer rules after a state transition. The DWELL
// timer is fixed: once armed it is never restarted by further detections,
// otherwise a busy scene could hold the FSM in DWELL forever. SILENCE is
// restarted by relevant detections only. POST-ROLL is fixed and cleared on
// any exit from CLOSING.
func (tm *TimerManager) ManageTimers(current, previous State, trigger string, d Durations) {
	if current == previous {
		if current == Active && trigger == events.TopicDetection {
			tm.Arm(timerSilence, d.Silence)
		}
		return
	}

	switch {
	case previous == Idle && current == Dwell:
		tm.Arm(timerDwell, d.Dwell)
	case previous == Dwell && current == Active:
		tm.Cancel(timerDwell)
		tm.Arm(timerSilence, d.Silence)
	case previous == Dwell && current == Idle:
		tm.Cancel(timerDwell)
	case previous == Active && current == Closing:
		tm.Cancel(timerSilence)
		tm.Arm(timerPostroll, d.Postroll)
	case previous == Closing && current == Active:
		tm.Cancel(timerPostroll)
		tm.Arm(timerSilence, d.Silence)
	case previous == Closing && current == Idle:
		tm.Cancel(timerPostroll)
	case current == Idle:
		tm.ClearAll()
	}
}
