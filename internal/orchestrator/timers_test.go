package orchestrator

import (
	"testing"
	"time"

	"github.com/kestrel-video/agent/internal/bus"
	"github.com/kestrel-video/agent/internal/events"
)

func TestTimerManagerArmPublishesOnExpiry(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub, err := b.Subscribe(4, events.TopicDwellElapsed)
	if err != nil {
		t.Fatal(err)
	}

	tm := NewTimerManager(b)
	tm.Arm(timerDwell, 10*time.Millisecond)

	select {
	case ev := <-sub.C():
		te := ev.Data.(events.TimerElapsed)
		if te.Timer != timerDwell {
			t.Fatalf("Timer = %q, want %q", te.Timer, timerDwell)
		}
		if !tm.Live(te) {
			t.Fatal("expiry of the current arming reported stale")
		}
	case <-time.After(time.Second):
		t.Fatal("no expiry event")
	}
}

func TestTimerManagerRestartInvalidatesOldGeneration(t *testing.T) {
	b := bus.New()
	defer b.Close()
	tm := NewTimerManager(b)

	tm.Arm(timerSilence, time.Hour)
	old := events.TimerElapsed{Timer: timerSilence, Generation: tm.gens[timerSilence]}
	tm.Arm(timerSilence, time.Hour)

	if tm.Live(old) {
		t.Fatal("expiry from before the restart must be stale")
	}
	cur := events.TimerElapsed{Timer: timerSilence, Generation: tm.gens[timerSilence]}
	if !tm.Live(cur) {
		t.Fatal("current arming reported stale")
	}
}

func TestTimerManagerCancelSuppressesInFlightFiring(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub, err := b.Subscribe(4, events.TopicPostrollElapsed)
	if err != nil {
		t.Fatal(err)
	}

	tm := NewTimerManager(b)
	tm.Arm(timerPostroll, 5*time.Millisecond)
	tm.Cancel(timerPostroll)

	// Even if the firing slipped past Stop, its generation is dead.
	select {
	case ev := <-sub.C():
		if tm.Live(ev.Data.(events.TimerElapsed)) {
			t.Fatal("cancelled timer's firing still live")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManageTimersDwellIsNotRestartedByDetections(t *testing.T) {
	b := bus.New()
	defer b.Close()
	tm := NewTimerManager(b)
	d := Durations{Dwell: time.Hour, Silence: time.Hour, Postroll: time.Hour}

	tm.ManageTimers(Dwell, Idle, events.TopicDetection, d)
	gen := tm.gens[timerDwell]

	// In-state detections during DWELL must leave the timer alone.
	tm.ManageTimers(Dwell, Dwell, events.TopicDetection, d)
	tm.ManageTimers(Dwell, Dwell, events.TopicDetection, d)
	if tm.gens[timerDwell] != gen {
		t.Fatal("dwell timer restarted by a detection")
	}
}

func TestManageTimersSilenceRestartedByDetectionsOnly(t *testing.T) {
	b := bus.New()
	defer b.Close()
	tm := NewTimerManager(b)
	d := Durations{Dwell: time.Hour, Silence: time.Hour, Postroll: time.Hour}

	tm.ManageTimers(Active, Dwell, events.TopicDwellElapsed, d)
	gen := tm.gens[timerSilence]

	tm.ManageTimers(Active, Active, events.TopicDetection, d)
	if tm.gens[timerSilence] == gen {
		t.Fatal("detection in ACTIVE did not restart silence")
	}
	gen = tm.gens[timerSilence]

	tm.ManageTimers(Active, Active, events.TopicKeepalive, d)
	if tm.gens[timerSilence] != gen {
		t.Fatal("non-detection trigger restarted silence")
	}
}

func TestManageTimersClosingTransitions(t *testing.T) {
	b := bus.New()
	defer b.Close()
	tm := NewTimerManager(b)
	d := Durations{Dwell: time.Hour, Silence: time.Hour, Postroll: time.Hour}

	tm.ManageTimers(Active, Dwell, events.TopicDwellElapsed, d)
	tm.ManageTimers(Closing, Active, events.TopicSilenceElapsed, d)
	if _, ok := tm.timers[timerSilence]; ok {
		t.Fatal("silence timer survived ACTIVE -> CLOSING")
	}
	if _, ok := tm.timers[timerPostroll]; !ok {
		t.Fatal("postroll not armed entering CLOSING")
	}

	tm.ManageTimers(Active, Closing, events.TopicDetection, d)
	if _, ok := tm.timers[timerPostroll]; ok {
		t.Fatal("postroll timer survived CLOSING -> ACTIVE")
	}
	if _, ok := tm.timers[timerSilence]; !ok {
		t.Fatal("silence not re-armed on re-activation")
	}
}
