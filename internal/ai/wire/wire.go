// Package wire implements the binary protocol spoken between the agent and
// the AI worker over TCP. Every message is [4-byte BE length][1-byte
// version][1-byte kind][fields]; strings are u16-length-prefixed UTF-8 and
// blobs are u32-length-prefixed.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Version is the protocol version carried in every message.
const Version = 1

// MaxMessageSize bounds a single framed message, generous enough for a raw
// high-resolution frame.
const MaxMessageSize = 50 * 1024 * 1024

// Message kinds.
const (
	kindInit      = 0x01
	kindInitOk    = 0x02
	kindFrame     = 0x03
	kindResult    = 0x04
	kindEnd       = 0x05
	kindHeartbeat = 0x06
	kindError     = 0x07
)

// Policy selects what the feeder does when its send window is full.
type Policy uint8

const (
	LatestWins Policy = 0
	DropOldest Policy = 1
	Block      Policy = 2
)

func (p Policy) String() string {
	switch p {
	case LatestWins:
		return "LATEST_WINS"
	case DropOldest:
		return "DROP_OLDEST"
	case Block:
		return "BLOCK"
	}
	return fmt.Sprintf("Policy(%d)", uint8(p))
}

// ParsePolicy converts the config spelling to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "LATEST_WINS":
		return LatestWins, nil
	case "DROP_OLDEST":
		return DropOldest, nil
	case "BLOCK":
		return Block, nil
	}
	return 0, fmt.Errorf("wire: unknown policy %q", s)
}

// Message is any protocol message.
type Message interface {
	kind() byte
}

// Init opens a worker session and declares what the agent will send.
type Init struct {
	DeviceID    string
	Model       string
	PixelFormat string
	Width       uint16
	Height      uint16
	FpsMax      float32
	MaxInflight uint16
	Policy      Policy
	Confidence  float32
	Classes     []string
}

// InitOk is the worker's acceptance and its negotiated parameters. The agent
// treats these as authoritative for the session.
type InitOk struct {
	PixelFormat    string
	Codec          string
	Width          uint16
	Height         uint16
	FpsTarget      float32
	Policy         Policy
	InitialCredits uint16
}

// Frame carries one frame to the worker. SessionID is empty outside a
// recording session; the worker echoes nothing back, the tag only scopes
// its own bookkeeping.
type Frame struct {
	FrameID   uint64
	SessionID string
	CaptureTs int64 // monotonic ns at capture
	WallTs    int64 // epoch ms at capture
	Width     uint16
	Height    uint16
	Format    string
	Data      []byte
}

// Detection is one object in a Result.
type Detection struct {
	TrackID    string
	Class      string
	Confidence float32
	X, Y, W, H float32
}

// Result reports the detections for one submitted frame.
type Result struct {
	FrameID    uint64
	LatencyMs  float32
	Detections []Detection
}

// End announces the close of a recording session, or with an empty
// SessionID an orderly shutdown of the connection. Advisory either way.
type End struct {
	SessionID string
	Reason    string
}

// Heartbeat keeps an idle connection verifiably alive.
type Heartbeat struct {
	WallTs int64
}

// ErrorMsg is a worker-reported protocol or inference error.
type ErrorMsg struct {
	Code    uint16
	Message string
}

func (Init) kind() byte      { return kindInit }
func (InitOk) kind() byte    { return kindInitOk }
func (Frame) kind() byte     { return kindFrame }
func (Result) kind() byte    { return kindResult }
func (End) kind() byte       { return kindEnd }
func (Heartbeat) kind() byte { return kindHeartbeat }
func (ErrorMsg) kind() byte  { return kindError }

// Encode serializes a message body (without the outer length prefix).
func Encode(m Message) ([]byte, error) {
	e := &encoder{}
	e.u8(Version)
	e.u8(m.kind())

	switch v := m.(type) {
	case Init:
		e.str(v.DeviceID)
		e.str(v.Model)
		e.str(v.PixelFormat)
		e.u16(v.Width)
		e.u16(v.Height)
		e.f32(v.FpsMax)
		e.u16(v.MaxInflight)
		e.u8(uint8(v.Policy))
		e.f32(v.Confidence)
		if len(v.Classes) > math.MaxUint16 {
			return nil, fmt.Errorf("wire: too many classes: %d", len(v.Classes))
		}
		e.u16(uint16(len(v.Classes)))
		for _, c := range v.Classes {
			e.str(c)
		}
	case InitOk:
		e.str(v.PixelFormat)
		e.str(v.Codec)
		e.u16(v.Width)
		e.u16(v.Height)
		e.f32(v.FpsTarget)
		e.u8(uint8(v.Policy))
		e.u16(v.InitialCredits)
	case Frame:
		e.u64(v.FrameID)
		e.str(v.SessionID)
		e.i64(v.CaptureTs)
		e.i64(v.WallTs)
		e.u16(v.Width)
		e.u16(v.Height)
		e.str(v.Format)
		e.blob(v.Data)
	case Result:
		e.u64(v.FrameID)
		e.f32(v.LatencyMs)
		if len(v.Detections) > math.MaxUint16 {
			return nil, fmt.Errorf("wire: too many detections: %d", len(v.Detections))
		}
		e.u16(uint16(len(v.Detections)))
		for _, d := range v.Detections {
			e.str(d.TrackID)
			e.str(d.Class)
			e.f32(d.Confidence)
			e.f32(d.X)
			e.f32(d.Y)
			e.f32(d.W)
			e.f32(d.H)
		}
	case End:
		e.str(v.SessionID)
		e.str(v.Reason)
	case Heartbeat:
		e.i64(v.WallTs)
	case ErrorMsg:
		e.u16(v.Code)
		e.str(v.Message)
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", m)
	}

	if e.err != nil {
		return nil, e.err
	}
	if e.buf.Len() > MaxMessageSize {
		return nil, fmt.Errorf("wire: message too large: %d > %d", e.buf.Len(), MaxMessageSize)
	}
	return e.buf.Bytes(), nil
}

// Decode parses a message body produced by Encode.
func Decode(body []byte) (Message, error) {
	d := &decoder{b: body}
	version := d.u8()
	kind := d.u8()
	if d.err != nil {
		return nil, d.err
	}
	if version != Version {
		return nil, fmt.Errorf("wire: unsupported version %d", version)
	}

	var m Message
	switch kind {
	case kindInit:
		v := Init{
			DeviceID:    d.str(),
			Model:       d.str(),
			PixelFormat: d.str(),
			Width:       d.u16(),
			Height:      d.u16(),
			FpsMax:      d.f32(),
			MaxInflight: d.u16(),
			Policy:      Policy(d.u8()),
			Confidence:  d.f32(),
		}
		n := int(d.u16())
		for i := 0; i < n && d.err == nil; i++ {
			v.Classes = append(v.Classes, d.str())
		}
		m = v
	case kindInitOk:
		m = InitOk{
			PixelFormat:    d.str(),
			Codec:          d.str(),
			Width:          d.u16(),
			Height:         d.u16(),
			FpsTarget:      d.f32(),
			Policy:         Policy(d.u8()),
			InitialCredits: d.u16(),
		}
	case kindFrame:
		m = Frame{
			FrameID:   d.u64(),
			SessionID: d.str(),
			CaptureTs: d.i64(),
			WallTs:    d.i64(),
			Width:     d.u16(),
			Height:    d.u16(),
			Format:    d.str(),
			Data:      d.blob(),
		}
	case kindResult:
		v := Result{
			FrameID:   d.u64(),
			LatencyMs: d.f32(),
		}
		n := int(d.u16())
		for i := 0; i < n && d.err == nil; i++ {
			v.Detections = append(v.Detections, Detection{
				TrackID:    d.str(),
				Class:      d.str(),
				Confidence: d.f32(),
				X:          d.f32(),
				Y:          d.f32(),
				W:          d.f32(),
				H:          d.f32(),
			})
		}
		m = v
	case kindEnd:
		m = End{SessionID: d.str(), Reason: d.str()}
	case kindHeartbeat:
		m = Heartbeat{WallTs: d.i64()}
	case kindError:
		m = ErrorMsg{Code: d.u16(), Message: d.str()}
	default:
		return nil, fmt.Errorf("wire: unknown message kind 0x%02x", kind)
	}

	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(d.b) {
		return nil, fmt.Errorf("wire: %d trailing bytes after message", len(d.b)-d.off)
	}
	return m, nil
}

type encoder struct {
	buf bytes.Buffer
	err error
}

func (e *encoder) u8(v uint8)   { e.buf.WriteByte(v) }
func (e *encoder) u16(v uint16) { e.putUint(uint64(v), 2) }
func (e *encoder) u32(v uint32) { e.putUint(uint64(v), 4) }
func (e *encoder) u64(v uint64) { e.putUint(v, 8) }
func (e *encoder) i64(v int64)  { e.putUint(uint64(v), 8) }
func (e *encoder) f32(v float32) {
	e.putUint(uint64(math.Float32bits(v)), 4)
}

func (e *encoder) putUint(v uint64, size int) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf.Write(tmp[8-size:])
}

func (e *encoder) str(s string) {
	if e.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		e.err = fmt.Errorf("wire: string too long: %d bytes", len(s))
		return
	}
	e.u16(uint16(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) blob(b []byte) {
	if e.err != nil {
		return
	}
	if len(b) > MaxMessageSize {
		e.err = fmt.Errorf("wire: blob too long: %d bytes", len(b))
		return
	}
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.b) {
		d.err = fmt.Errorf("wire: truncated message at offset %d", d.off)
		return nil
	}
	out := d.b[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }

func (d *decoder) str() string {
	n := int(d.u16())
	b := d.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *decoder) blob() []byte {
	n := d.u32()
	if d.err == nil && n > MaxMessageSize {
		d.err = fmt.Errorf("wire: blob length %d exceeds limit", n)
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
