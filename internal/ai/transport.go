// Package ai connects the agent to the inference worker: a TCP transport
// with reconnect and heartbeats, and a feeder that samples captured frames
// into the worker's flow-control window and turns results into bus events.
package ai

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-video/agent/internal/ai/wire"
	"github.com/kestrel-video/agent/internal/logging"
)

var log = logging.L("ai")

// ErrNotConnected is returned by Send while the worker link is down.
var ErrNotConnected = errors.New("ai: worker not connected")

// Handler receives transport callbacks. All methods are invoked from the
// transport's read goroutine and must not block for long.
type Handler interface {
	WorkerUp(ok wire.InitOk)
	WorkerDown(err error)
	HandleResult(r wire.Result)
	HandleWorkerError(e wire.ErrorMsg)
}

// Options tunes the transport. Zero values fall back to production defaults.
type Options struct {
	DialTimeout       time.Duration // default 5s
	HandshakeTimeout  time.Duration // default 5s
	HeartbeatInterval time.Duration // default 10s
	MissedHeartbeats  int           // default 3
	ReconnectMin      time.Duration // default 200ms
	ReconnectMax      time.Duration // default 5s
	SendTimeout       time.Duration // default 5s
}

func (o *Options) withDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.MissedHeartbeats <= 0 {
		o.MissedHeartbeats = 3
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 200 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
}

// Transport maintains one connection to the AI worker, redialing with
// full-jitter backoff whenever it drops. The handler must be set before
// Start; it is a separate setter because the feeder consuming callbacks is
// constructed after the transport it sends through.
type Transport struct {
	addr string
	init wire.Init
	opts Options

	handler    Handler
	onActivity func(wallMs int64)

	mu   sync.Mutex
	conn *wire.Conn

	connected   atomic.Bool
	lastInbound atomic.Int64 // UnixNano of last inbound message

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

func NewTransport(addr string, init wire.Init, opts Options) *Transport {
	opts.withDefaults()
	return &Transport{
		addr:   addr,
		init:   init,
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetHandler wires the callback sink. Must be called before Start.
func (t *Transport) SetHandler(h Handler) { t.handler = h }

// SetOnActivity registers a callback fired on every inbound worker message
// with the wall-clock milliseconds of receipt.
func (t *Transport) SetOnActivity(fn func(wallMs int64)) { t.onActivity = fn }

// Connected reports whether a handshaked connection is currently up.
func (t *Transport) Connected() bool { return t.connected.Load() }

func (t *Transport) Start(ctx context.Context) error {
	if t.handler == nil {
		return errors.New("ai: transport handler not set")
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("ai: transport already started")
	}
	go t.run(ctx)
	return nil
}

// Send transmits one frame. Fails fast with ErrNotConnected while the link
// is down; flow control is the feeder's job.
func (t *Transport) Send(f wire.Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || !t.connected.Load() {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(t.opts.SendTimeout))
	return conn.Send(f)
}

// SendEnd tells the worker that a recording session closed. Advisory: the
// connection stays up and failure to deliver is not an error worth acting on.
func (t *Transport) SendEnd(sessionID, reason string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || !t.connected.Load() {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(t.opts.SendTimeout))
	return conn.Send(wire.End{SessionID: sessionID, Reason: reason})
}

// Shutdown ends the session with the worker and stops the reconnect loop.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.Send(wire.End{Reason: "agent shutdown"}) // best effort
		conn.Close()
	}

	if !t.started.Load() {
		return nil
	}
	select {
	case <-t.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.doneCh)

	attempt := 0
	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := t.session(ctx); err == nil {
			// Handshake succeeded at least once this round.
			attempt = 0
			continue
		}

		delay := t.backoff(attempt)
		attempt++
		log.Debug("worker redial scheduled", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// session dials, handshakes and pumps messages until the connection dies.
// Returns nil if a handshake completed (regardless of how the session later
// ended) and an error when the worker could not be reached at all.
func (t *Transport) session(ctx context.Context) error {
	conn, initOk, err := t.connect(ctx)
	if err != nil {
		log.Debug("worker connect failed", "addr", t.addr, "error", err)
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.lastInbound.Store(time.Now().UnixNano())
	t.connected.Store(true)

	log.Info("worker connected",
		"addr", t.addr,
		"format", initOk.PixelFormat,
		"fpsTarget", initOk.FpsTarget,
		"credits", initOk.InitialCredits,
	)
	t.handler.WorkerUp(initOk)

	hbStop := make(chan struct{})
	go t.heartbeatLoop(conn, hbStop)

	readErr := t.readLoop(conn)
	close(hbStop)

	t.connected.Store(false)
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	conn.Close()

	log.Warn("worker disconnected", "addr", t.addr, "error", readErr)
	t.handler.WorkerDown(readErr)
	return nil
}

func (t *Transport) connect(ctx context.Context) (*wire.Conn, wire.InitOk, error) {
	var zero wire.InitOk

	d := net.Dialer{Timeout: t.opts.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, zero, err
	}

	conn := wire.NewConn(raw)
	conn.SetWriteDeadline(time.Now().Add(t.opts.HandshakeTimeout))
	if err := conn.Send(t.init); err != nil {
		conn.Close()
		return nil, zero, fmt.Errorf("ai: send init: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(t.opts.HandshakeTimeout))
	m, err := conn.Recv()
	if err != nil {
		conn.Close()
		return nil, zero, fmt.Errorf("ai: handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch v := m.(type) {
	case wire.InitOk:
		return conn, v, nil
	case wire.ErrorMsg:
		conn.Close()
		return nil, zero, fmt.Errorf("ai: worker rejected init: %d %s", v.Code, v.Message)
	default:
		conn.Close()
		return nil, zero, fmt.Errorf("ai: handshake: unexpected %T", m)
	}
}

func (t *Transport) readLoop(conn *wire.Conn) error {
	for {
		m, err := conn.Recv()
		if err != nil {
			return err
		}
		now := time.Now()
		t.lastInbound.Store(now.UnixNano())
		if t.onActivity != nil {
			t.onActivity(now.UnixMilli())
		}

		switch v := m.(type) {
		case wire.Result:
			t.handler.HandleResult(v)
		case wire.Heartbeat:
			// Receipt alone refreshes liveness.
		case wire.ErrorMsg:
			t.handler.HandleWorkerError(v)
		case wire.End:
			return fmt.Errorf("ai: worker ended session: %s", v.Reason)
		default:
			log.Warn("unexpected worker message", "type", fmt.Sprintf("%T", m))
		}
	}
}

func (t *Transport) heartbeatLoop(conn *wire.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	maxSilence := t.opts.HeartbeatInterval * time.Duration(t.opts.MissedHeartbeats)
	for {
		select {
		case <-ticker.C:
			silence := time.Since(time.Unix(0, t.lastInbound.Load()))
			if silence > maxSilence {
				log.Warn("worker silent, closing connection", "silence", silence)
				conn.Close()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(t.opts.SendTimeout))
			if err := conn.Send(wire.Heartbeat{WallTs: time.Now().UnixMilli()}); err != nil {
				conn.Close()
				return
			}
		case <-stop:
			return
		case <-t.stopCh:
			return
		}
	}
}

// backoff returns a full-jitter delay: uniform in [0, min*2^attempt] capped
// at ReconnectMax, so a herd of agents does not redial in lockstep.
func (t *Transport) backoff(attempt int) time.Duration {
	ceil := t.opts.ReconnectMax
	if attempt < 16 {
		if d := t.opts.ReconnectMin << uint(attempt); d < ceil {
			ceil = d
		}
	}
	if ceil <= 0 {
		return t.opts.ReconnectMin
	}
	return time.Duration(rand.Int64N(int64(ceil)) + 1)
}
