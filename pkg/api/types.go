// Package api holds the JSON types spoken between the agent and the session
// store, and a client for the store's agent-facing endpoints. The store
// service decodes the same types, so the two sides cannot drift.
package api

// BBox is a detection rectangle in pixel coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one tracked object as reported to the store.
type Detection struct {
	TrackID    string  `json:"trackId"`
	Class      string  `json:"cls"`
	Confidence float64 `json:"conf"`
	BBox       BBox    `json:"bbox"`
	Ts         int64   `json:"ts,omitempty"`
	URLFrame   string  `json:"urlFrame,omitempty"`
}

// OpenRequest creates a session. Open is idempotent on SessionID.
type OpenRequest struct {
	SessionID string `json:"sessionId"`
	DevID     string `json:"devId"`
	StartTs   int64  `json:"startTs"`
	Path      string `json:"path"`
	Reason    string `json:"reason,omitempty"`
}

// CloseRequest closes a session.
type CloseRequest struct {
	SessionID   string  `json:"sessionId"`
	EndTs       int64   `json:"endTs"`
	PostrollSec float64 `json:"postrollSec,omitempty"`
}

// DetectionsRequest batch-upserts detections for a session.
type DetectionsRequest struct {
	SessionID  string      `json:"sessionId"`
	Detections []Detection `json:"detections"`
	Ts         int64       `json:"ts,omitempty"`
}

// DetectionsResponse reports the upsert outcome.
type DetectionsResponse struct {
	Inserted int `json:"inserted"`
	Total    int `json:"total"`
}

// IngestMeta is the JSON part of a multipart /ingest request; the second
// part carries the raw frame bytes.
type IngestMeta struct {
	SessionID  string      `json:"sessionId"`
	SeqNo      uint64      `json:"seqNo"`
	CaptureTs  int64       `json:"captureTs"`
	Width      int         `json:"width,omitempty"`
	Height     int         `json:"height,omitempty"`
	Detections []Detection `json:"detections"`
}

// SessionRecord is a session row as the store reports it.
type SessionRecord struct {
	SessionID                string   `json:"sessionId"`
	DevID                    string   `json:"devId"`
	Path                     string   `json:"path"`
	StartTs                  int64    `json:"startTs"`
	EndTs                    *int64   `json:"endTs,omitempty"`
	PostrollSec              *float64 `json:"postrollSec,omitempty"`
	Status                   string   `json:"status"`
	Reason                   string   `json:"reason,omitempty"`
	DetectedClasses          []string `json:"detectedClasses,omitempty"`
	MediaConnectTs           *int64   `json:"mediaConnectTs,omitempty"`
	MediaStartTs             *int64   `json:"mediaStartTs,omitempty"`
	MediaEndTs               *int64   `json:"mediaEndTs,omitempty"`
	RecommendedStartOffsetMs *int64   `json:"recommendedStartOffsetMs,omitempty"`
	ArchivedTs               *int64   `json:"archivedTs,omitempty"`
}

// Session status values.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// DetectionRecord is a stored per-track detection snapshot.
type DetectionRecord struct {
	SessionID  string  `json:"sessionId"`
	TrackID    string  `json:"trackId"`
	Class      string  `json:"cls"`
	Confidence float64 `json:"conf"`
	BBox       BBox    `json:"bbox"`
	URLFrame   string  `json:"urlFrame,omitempty"`
	FirstTs    int64   `json:"firstTs"`
	LastTs     int64   `json:"lastTs"`
}

// ClipResponse is the playback URL built for a closed session.
type ClipResponse struct {
	SessionID   string  `json:"sessionId"`
	URL         string  `json:"url"`
	StartTs     int64   `json:"startTs"`
	DurationSec float64 `json:"durationSec"`
	Format      string  `json:"format"`
}

// ErrorResponse is the uniform error body for store and operator APIs.
type ErrorResponse struct {
	Error string `json:"error"`
}
