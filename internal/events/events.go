// Package events defines the bus topics and payload types shared by the
// capture, inference and session pipelines. Keeping them in one place lets
// producers and consumers stay decoupled from each other.
package events

// Bus topics.
const (
	TopicDetection         = "ai.detection"
	TopicKeepalive         = "ai.keepalive"
	TopicWorkerUp          = "ai.worker.up"
	TopicWorkerDown        = "ai.worker.down"
	TopicFSMState          = "fsm.state"
	TopicDwellElapsed      = "fsm.t.dwell.ok"
	TopicSilenceElapsed    = "fsm.t.silence.ok"
	TopicPostrollElapsed   = "fsm.t.postroll.ok"
	TopicSessionOpen       = "session.open"
	TopicSessionOpenError  = "session.open.error"
	TopicSessionClose      = "session.close"
	TopicSessionCloseError = "session.close.error"
	TopicPublisherStarted  = "publisher.started"
	TopicPublisherStopped  = "publisher.stopped"
)

// BBox is a detection rectangle in pixel coordinates of the inference frame.
type BBox struct {
	X float64
	Y float64
	W float64
	H float64
}

// Detection is one tracked object reported by the AI worker for a frame the
// feeder submitted. CaptureTs is the monotonic capture timestamp in
// nanoseconds; WallTs is epoch milliseconds at capture.
type Detection struct {
	FrameID    uint64
	TrackID    string
	Class      string
	Confidence float64
	Box        BBox
	CaptureTs  int64
	WallTs     int64
}

// Stable reports whether the track survived the tracker's probation: a
// non-empty track id that is not a provisional det- id.
func (d Detection) Stable() bool {
	if d.TrackID == "" {
		return false
	}
	return len(d.TrackID) < 4 || d.TrackID[:4] != "det-"
}

// Keepalive is published for a worker result that carried no relevant
// detections. It proves the inference loop is alive without feeding the FSM.
type Keepalive struct {
	FrameID uint64
	WallTs  int64
}

// TimerElapsed is published by the timer manager when one of the FSM timers
// fires. Generation identifies which arming of the timer expired, so a stale
// firing can be recognized and ignored.
type TimerElapsed struct {
	Timer      string
	Generation uint64
	WallTs     int64
}

// PublisherStatus announces record-publisher starts and stops.
type PublisherStatus struct {
	Name    string // "live" or "record"
	Running bool
	WallTs  int64
}

// WorkerStatus announces worker connectivity transitions.
type WorkerStatus struct {
	Addr   string
	Online bool
	WallTs int64
}

// FSMState is published on every state transition of the recording FSM.
type FSMState struct {
	State     string
	SessionID string
	WallTs    int64
}

// SessionOpen is published once a recording session is open at the store.
type SessionOpen struct {
	SessionID string
	Path      string
	StartTs   int64
}

// SessionOpenError is published when the store rejected a session open and
// the activation was aborted.
type SessionOpenError struct {
	Path string
	Err  string
}

// SessionClose is published after a session closed, locally or at the store.
type SessionClose struct {
	SessionID string
	Reason    string
	EndTs     int64
}

// SessionCloseError is published when the store rejected a close for longer
// than the retry budget and the session was closed locally instead.
type SessionCloseError struct {
	SessionID string
	Err       string
}
