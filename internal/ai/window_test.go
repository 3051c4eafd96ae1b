package ai

import (
	"testing"

	"github.com/kestrel-video/agent/internal/ai/wire"
	"github.com/kestrel-video/agent/internal/capture"
)

func wf(id uint64) *capture.Frame {
	return &capture.Frame{ID: id, Data: []byte{0}, Width: 1, Height: 1, Format: "gray"}
}

func TestWindowSendsUntilLimitThenQueues(t *testing.T) {
	w := newWindow(2)

	for id := uint64(1); id <= 2; id++ {
		out, _ := w.offer(wf(id), wire.LatestWins)
		if out != offerSend {
			t.Fatalf("offer(%d) = %v, want offerSend", id, out)
		}
	}
	if w.inflight() != 2 {
		t.Fatalf("inflight() = %d, want 2", w.inflight())
	}

	out, _ := w.offer(wf(3), wire.LatestWins)
	if out != offerQueued {
		t.Fatalf("offer(3) = %v, want offerQueued", out)
	}
	out, _ = w.offer(wf(4), wire.LatestWins)
	if out != offerQueued {
		t.Fatalf("offer(4) = %v, want offerQueued", out)
	}
	if !w.full() {
		t.Fatal("full() = false with sent and queue at limit")
	}
}

func TestWindowEvictsOldestQueuedUnderPressure(t *testing.T) {
	w := newWindow(2)
	for id := uint64(1); id <= 4; id++ {
		w.offer(wf(id), wire.DropOldest)
	}

	out, evicted := w.offer(wf(5), wire.DropOldest)
	if out != offerEvicted {
		t.Fatalf("offer(5) = %v, want offerEvicted", out)
	}
	if evicted == nil || evicted.ID != 3 {
		t.Fatalf("evicted = %v, want frame 3 (oldest queued)", evicted)
	}
	// Sent frames are untouchable.
	if w.inflight() != 2 {
		t.Fatalf("inflight() = %d, want 2", w.inflight())
	}
	if w.queueLen() != 2 {
		t.Fatalf("queueLen() = %d, want 2", w.queueLen())
	}
}

func TestWindowBlockPolicyRejectsWhenFull(t *testing.T) {
	w := newWindow(1)
	w.offer(wf(1), wire.Block)
	w.offer(wf(2), wire.Block)

	out, evicted := w.offer(wf(3), wire.Block)
	if out != offerBlocked {
		t.Fatalf("offer(3) = %v, want offerBlocked", out)
	}
	if evicted != nil {
		t.Fatalf("evicted = %v, want nil under BLOCK", evicted)
	}
	if w.queueLen() != 1 {
		t.Fatalf("queueLen() = %d, want 1 (frame 3 rejected)", w.queueLen())
	}
}

func TestWindowCompletePromotesOldestQueued(t *testing.T) {
	w := newWindow(2)
	for id := uint64(1); id <= 4; id++ {
		w.offer(wf(id), wire.LatestWins)
	}

	if _, found := w.complete(1); !found {
		t.Fatal("complete(1) not found")
	}
	next := w.promote()
	if next == nil || next.ID != 3 {
		t.Fatalf("promote() = %v, want frame 3", next)
	}
	if w.inflight() != 2 || w.queueLen() != 1 {
		t.Fatalf("inflight/queue = %d/%d, want 2/1", w.inflight(), w.queueLen())
	}

	// FIFO continues through the queue.
	w.complete(2)
	if next = w.promote(); next == nil || next.ID != 4 {
		t.Fatalf("promote() = %v, want frame 4", next)
	}
	if w.promote() != nil {
		t.Fatal("promote() with empty queue should return nil")
	}
}

func TestWindowCompleteUnknownID(t *testing.T) {
	w := newWindow(2)
	w.offer(wf(1), wire.LatestWins)
	if _, found := w.complete(99); found {
		t.Fatal("complete(99) = found, want not found")
	}
	if w.inflight() != 1 {
		t.Fatalf("inflight() = %d, want 1", w.inflight())
	}
}

func TestWindowAbandonFreesSlot(t *testing.T) {
	w := newWindow(1)
	w.offer(wf(1), wire.Block)
	w.abandon(1)
	if w.inflight() != 0 {
		t.Fatalf("inflight() = %d, want 0 after abandon", w.inflight())
	}
	out, _ := w.offer(wf(2), wire.Block)
	if out != offerSend {
		t.Fatalf("offer(2) = %v, want offerSend after abandon", out)
	}
}

func TestWindowResetDropsQueueAndResizes(t *testing.T) {
	w := newWindow(2)
	for id := uint64(1); id <= 4; id++ {
		w.offer(wf(id), wire.LatestWins)
	}

	dropped := w.reset(3)
	if len(dropped) != 2 || dropped[0].ID != 3 || dropped[1].ID != 4 {
		t.Fatalf("reset dropped %v, want queued frames 3 and 4", dropped)
	}
	if w.inflight() != 0 || w.queueLen() != 0 {
		t.Fatalf("window not empty after reset: %d/%d", w.inflight(), w.queueLen())
	}

	for id := uint64(5); id <= 7; id++ {
		out, _ := w.offer(wf(id), wire.LatestWins)
		if out != offerSend {
			t.Fatalf("offer(%d) after reset = %v, want offerSend", id, out)
		}
	}
}
