package ai

import (
	"github.com/kestrel-video/agent/internal/ai/wire"
	"github.com/kestrel-video/agent/internal/capture"
)

// window is the feeder's flow-control state: frames on the wire awaiting a
// result (sent) and frames holding for a free slot (queued). A frame that
// made it into sent is never evicted; backpressure policies act on the queue
// only. Not safe for concurrent use, the feeder loop owns it.
type window struct {
	limit  int
	sent   map[uint64]int64 // frame id → MonoNow at send
	queued []*capture.Frame
}

type offerOutcome int

const (
	offerSend    offerOutcome = iota // slot free, send immediately
	offerQueued                      // parked in the queue
	offerEvicted                     // parked, oldest queued frame dropped
	offerBlocked                     // BLOCK policy, frame rejected
)

func newWindow(limit int) *window {
	if limit < 1 {
		limit = 1
	}
	return &window{
		limit: limit,
		sent:  make(map[uint64]int64),
	}
}

// offer places f in the window. The second return value is the frame evicted
// from the queue, only non-nil for offerEvicted.
func (w *window) offer(f *capture.Frame, policy wire.Policy) (offerOutcome, *capture.Frame) {
	if len(w.sent) < w.limit {
		w.sent[f.ID] = capture.MonoNow()
		return offerSend, nil
	}
	if len(w.queued) < w.limit {
		w.queued = append(w.queued, f)
		return offerQueued, nil
	}
	if policy == wire.Block {
		return offerBlocked, nil
	}
	evicted := w.queued[0]
	copy(w.queued, w.queued[1:])
	w.queued[len(w.queued)-1] = f
	return offerEvicted, evicted
}

// complete removes a frame from sent after its result arrived. Returns the
// send timestamp and whether the id was known (a result may refer to a frame
// sent before a reconnect).
func (w *window) complete(id uint64) (sentAt int64, found bool) {
	sentAt, found = w.sent[id]
	if found {
		delete(w.sent, id)
	}
	return sentAt, found
}

// promote moves the oldest queued frame into sent if a slot is free. The
// caller must transmit the returned frame.
func (w *window) promote() *capture.Frame {
	if len(w.sent) >= w.limit || len(w.queued) == 0 {
		return nil
	}
	f := w.queued[0]
	copy(w.queued, w.queued[1:])
	w.queued[len(w.queued)-1] = nil
	w.queued = w.queued[:len(w.queued)-1]
	w.sent[f.ID] = capture.MonoNow()
	return f
}

// abandon removes a frame that failed to transmit after being marked sent.
func (w *window) abandon(id uint64) {
	delete(w.sent, id)
}

// reset clears all state for a new worker session and returns the queued
// frames that will never be sent.
func (w *window) reset(limit int) []*capture.Frame {
	if limit < 1 {
		limit = 1
	}
	dropped := w.queued
	w.limit = limit
	w.sent = make(map[uint64]int64)
	w.queued = nil
	return dropped
}

// full reports whether neither a send slot nor queue space is available.
func (w *window) full() bool {
	return len(w.sent) >= w.limit && len(w.queued) >= w.limit
}

func (w *window) inflight() int { return len(w.sent) }
func (w *window) queueLen() int { return len(w.queued) }
