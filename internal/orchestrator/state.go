package orchestrator

// State is the recording FSM state.
type State int

const (
	// Idle: no relevant activity, no session.
	Idle State = iota
	// Dwell: first detection seen, waiting for sustained presence.
	Dwell
	// Active: session open, recording.
	Active
	// Closing: silence elapsed, post-roll running with the publisher up.
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Dwell:
		return "DWELL"
	case Active:
		return "ACTIVE"
	case Closing:
		return "CLOSING"
	}
	return "UNKNOWN"
}
