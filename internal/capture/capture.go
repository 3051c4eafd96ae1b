// Package capture pulls raw video frames from a camera through ffmpeg and
// republishes streams to the media server. Frames carry two clocks: WallTs
// (epoch milliseconds) for session bookkeeping and CaptureTs on a process
// monotonic clock for latency math that must survive wall-clock jumps.
package capture

import (
	"context"
	"time"
)

// Frame is one decoded video frame. Data layout depends on Format: rgb and
// bgr are 3 bytes per pixel, gray is 1.
type Frame struct {
	ID        uint64
	Data      []byte
	Width     int
	Height    int
	Format    string
	CaptureTs int64 // monotonic nanoseconds, see MonoNow
	WallTs    int64 // epoch milliseconds
}

// Source produces frames until stopped. The frames channel is closed when
// the source shuts down.
type Source interface {
	Start(ctx context.Context) error
	Frames() <-chan *Frame
	Stop()
}

// Publisher pushes a stream to the media server. The record publisher is
// started and stopped per recording session; the live one runs while the
// agent runs.
type Publisher interface {
	Start() error
	Stop() error
	Running() bool
	StartedAt() time.Time
	LastStoppedAt() time.Time
}

var bootEpoch = time.Now()

// MonoNow returns nanoseconds on the process-local monotonic clock. Values
// are only comparable within one process lifetime.
func MonoNow() int64 { return int64(time.Since(bootEpoch)) }

// BytesPerPixel returns the pixel stride for a frame format, or 0 for an
// unknown format.
func BytesPerPixel(format string) int {
	switch format {
	case "rgb", "bgr":
		return 3
	case "gray":
		return 1
	}
	return 0
}
