package ai

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-video/agent/internal/ai/wire"
	"github.com/kestrel-video/agent/internal/bus"
	"github.com/kestrel-video/agent/internal/capture"
	"github.com/kestrel-video/agent/internal/events"
	"github.com/kestrel-video/agent/internal/framecache"
)

// Sender is the slice of the transport the feeder needs.
type Sender interface {
	Send(f wire.Frame) error
	Connected() bool
}

// Ingestor receives the stable detections of a frame while a recording
// session is open. Implemented by the session manager.
type Ingestor interface {
	IngestFrame(frameID uint64, dets []events.Detection) bool
}

// FeederConfig tunes sampling and flow control.
type FeederConfig struct {
	Addr        string // worker address, only for event payloads
	Policy      wire.Policy
	MaxInflight int
	FpsIdle     float64 // sampling rate with no session pending
	FpsActive   float64 // sampling rate while the FSM is out of IDLE
	Confidence  float64
	Classes     []string // empty slice means every class is relevant
}

// FeederStats is a point-in-time snapshot of the feeder counters.
type FeederStats struct {
	Sent              uint64
	Results           uint64
	Detections        uint64
	DroppedBeforeSend uint64
	SampledOut        uint64
	DiscardedNoWorker uint64
	SendErrors        uint64
	Inflight          int
	Queued            int
	WorkerConnected   bool
	LastResultWallMs  int64
}

// Feeder samples captured frames at the idle or active rate, pushes them
// through the flow-control window to the worker, and publishes filtered
// detections on the bus. It is the transport's Handler: results and
// connectivity changes are funneled into the single feeder goroutine, which
// owns all window state.
type Feeder struct {
	cfg      FeederConfig
	bus      *bus.Bus
	cache    *framecache.Cache
	sender   Sender
	frames   <-chan *capture.Frame
	classSet map[string]struct{}

	ingestor atomic.Value // Ingestor
	session  atomic.Value // string; "" outside a session

	results    chan wire.Result
	workerUp   chan wire.InitOk
	workerDown chan error

	fsmSub *bus.Subscription

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	started  atomic.Bool

	sent              atomic.Uint64
	resultCount       atomic.Uint64
	detectionCount    atomic.Uint64
	droppedBeforeSend atomic.Uint64
	sampledOut        atomic.Uint64
	discardedNoWorker atomic.Uint64
	sendErrors        atomic.Uint64
	inflight          atomic.Int64
	queued            atomic.Int64
	workerOK          atomic.Bool
	lastResultMs      atomic.Int64
}

func NewFeeder(cfg FeederConfig, b *bus.Bus, cache *framecache.Cache, sender Sender, frames <-chan *capture.Frame) *Feeder {
	if cfg.MaxInflight < 1 {
		cfg.MaxInflight = 1
	}
	classSet := make(map[string]struct{}, len(cfg.Classes))
	for _, c := range cfg.Classes {
		classSet[c] = struct{}{}
	}
	f := &Feeder{
		cfg:        cfg,
		bus:        b,
		cache:      cache,
		sender:     sender,
		frames:     frames,
		classSet:   classSet,
		results:    make(chan wire.Result, cfg.MaxInflight*2+8),
		workerUp:   make(chan wire.InitOk, 4),
		workerDown: make(chan error, 4),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	f.session.Store("")
	return f
}

// SetIngestor wires the session manager in. It is a setter, not a
// constructor argument, because the session manager reads the feeder's
// cache and is therefore built after the feeder.
func (f *Feeder) SetIngestor(i Ingestor) { f.ingestor.Store(i) }

// SetSessionID tags every subsequent frame with the open session, or clears
// the tag when id is empty. Frames already queued or on the wire keep the
// tag they were sent with.
func (f *Feeder) SetSessionID(id string) { f.session.Store(id) }

// SessionID returns the current session tag, empty outside a session.
func (f *Feeder) SessionID() string { return f.session.Load().(string) }

// Cache exposes the frame cache shared with the session manager.
func (f *Feeder) Cache() *framecache.Cache { return f.cache }

// Start subscribes to FSM transitions and launches the feeder loop.
func (f *Feeder) Start(ctx context.Context) error {
	sub, err := f.bus.Subscribe(16, events.TopicFSMState)
	if err != nil {
		return err
	}
	f.fsmSub = sub
	f.started.Store(true)
	go f.run(ctx)
	return nil
}

// Stop halts the loop. Frames already handed to the transport stay on the
// wire; everything queued is forgotten.
func (f *Feeder) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	if f.started.Load() {
		<-f.doneCh
	}
	if f.fsmSub != nil {
		f.fsmSub.Unsubscribe()
	}
}

// WorkerUp implements Handler.
func (f *Feeder) WorkerUp(ok wire.InitOk) {
	select {
	case f.workerUp <- ok:
	case <-f.stopCh:
	}
}

// WorkerDown implements Handler.
func (f *Feeder) WorkerDown(err error) {
	select {
	case f.workerDown <- err:
	case <-f.stopCh:
	}
}

// HandleResult implements Handler.
func (f *Feeder) HandleResult(r wire.Result) {
	select {
	case f.results <- r:
	case <-f.stopCh:
	}
}

// HandleWorkerError implements Handler.
func (f *Feeder) HandleWorkerError(e wire.ErrorMsg) {
	log.Warn("worker error", "code", e.Code, "message", e.Message)
}

func (f *Feeder) Stats() FeederStats {
	return FeederStats{
		Sent:              f.sent.Load(),
		Results:           f.resultCount.Load(),
		Detections:        f.detectionCount.Load(),
		DroppedBeforeSend: f.droppedBeforeSend.Load(),
		SampledOut:        f.sampledOut.Load(),
		DiscardedNoWorker: f.discardedNoWorker.Load(),
		SendErrors:        f.sendErrors.Load(),
		Inflight:          int(f.inflight.Load()),
		Queued:            int(f.queued.Load()),
		WorkerConnected:   f.workerOK.Load(),
		LastResultWallMs:  f.lastResultMs.Load(),
	}
}

func (f *Feeder) run(ctx context.Context) {
	defer close(f.doneCh)

	win := newWindow(f.cfg.MaxInflight)
	ready := false
	active := false
	interval := fpsInterval(f.cfg.FpsIdle)
	var lastTaken time.Time

	frames := f.frames
	fsmC := f.fsmSub.C()

	for {
		intake := frames
		if ready && f.cfg.Policy == wire.Block && win.full() {
			// Suspend intake; the capture buffer keeps only the newest
			// frames while we wait for results.
			intake = nil
		}

		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return

		case fr, ok := <-intake:
			if !ok {
				frames = nil
				continue
			}
			if !ready {
				f.discardedNoWorker.Add(1)
				continue
			}
			now := time.Now()
			if !lastTaken.IsZero() && now.Sub(lastTaken) < interval {
				f.sampledOut.Add(1)
				continue
			}
			lastTaken = now
			f.cache.Put(fr)
			f.place(win, fr)

		case r := <-f.results:
			f.resultCount.Add(1)
			f.lastResultMs.Store(time.Now().UnixMilli())
			if _, found := win.complete(r.FrameID); !found {
				log.Debug("result for unknown frame", "frameId", r.FrameID)
			}
			for next := win.promote(); next != nil; next = win.promote() {
				if !f.transmit(win, next) {
					break
				}
			}
			f.publishDetections(r)

		case ok := <-f.workerUp:
			ready = true
			f.workerOK.Store(true)
			limit := f.cfg.MaxInflight
			if c := int(ok.InitialCredits); c > 0 && c < limit {
				limit = c
			}
			f.dropQueued(win.reset(limit))
			f.bus.Publish(events.TopicWorkerUp, events.WorkerStatus{
				Addr:   f.cfg.Addr,
				Online: true,
				WallTs: time.Now().UnixMilli(),
			})

		case err := <-f.workerDown:
			ready = false
			f.workerOK.Store(false)
			f.dropQueued(win.reset(f.cfg.MaxInflight))
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			log.Info("feeder paused, worker offline", "reason", msg)
			f.bus.Publish(events.TopicWorkerDown, events.WorkerStatus{
				Addr:   f.cfg.Addr,
				Online: false,
				WallTs: time.Now().UnixMilli(),
			})

		case ev, ok := <-fsmC:
			if !ok {
				fsmC = nil
				continue
			}
			st, isState := ev.Data.(events.FSMState)
			if !isState {
				continue
			}
			nowActive := st.State != "IDLE"
			if nowActive != active {
				active = nowActive
				if active {
					interval = fpsInterval(f.cfg.FpsActive)
				} else {
					interval = fpsInterval(f.cfg.FpsIdle)
				}
				log.Debug("sampling rate switched", "active", active, "interval", interval)
			}
		}

		f.inflight.Store(int64(win.inflight()))
		f.queued.Store(int64(win.queueLen()))
	}
}

// place runs the backpressure policy for one sampled frame.
func (f *Feeder) place(win *window, fr *capture.Frame) {
	outcome, evicted := win.offer(fr, f.cfg.Policy)
	switch outcome {
	case offerSend:
		f.transmit(win, fr)
	case offerQueued:
	case offerEvicted:
		f.droppedBeforeSend.Add(1)
		if f.cfg.Policy == wire.LatestWins {
			f.cache.Delete(evicted.ID)
		}
	case offerBlocked:
		// Intake is suspended while full, so this only happens if the
		// window shrank between selects. Quietly retire the frame.
		f.cache.Delete(fr.ID)
		f.droppedBeforeSend.Add(1)
	}
}

func (f *Feeder) transmit(win *window, fr *capture.Frame) bool {
	err := f.sender.Send(wire.Frame{
		FrameID:   fr.ID,
		SessionID: f.SessionID(),
		CaptureTs: fr.CaptureTs,
		WallTs:    fr.WallTs,
		Width:     uint16(fr.Width),
		Height:    uint16(fr.Height),
		Format:    fr.Format,
		Data:      fr.Data,
	})
	if err != nil {
		win.abandon(fr.ID)
		f.sendErrors.Add(1)
		log.Warn("frame send failed", "frameId", fr.ID, "error", err)
		return false
	}
	f.sent.Add(1)
	return true
}

func (f *Feeder) dropQueued(frames []*capture.Frame) {
	for _, fr := range frames {
		f.droppedBeforeSend.Add(1)
		if f.cfg.Policy == wire.LatestWins {
			f.cache.Delete(fr.ID)
		}
	}
}

// publishDetections filters a result by confidence and class, publishes the
// relevant detections (or a keepalive when none survive), and hands the
// stable subset to the session manager while a session is open. Frames whose
// only detections carry provisional det- track ids drive the FSM but are
// never ingested; a provisional id would pollute the store's per-track
// unique key.
func (f *Feeder) publishDetections(r wire.Result) {
	captureTs := int64(0)
	wallTs := time.Now().UnixMilli()
	if fr, ok := f.cache.Get(r.FrameID); ok {
		captureTs = fr.CaptureTs
		wallTs = fr.WallTs
	}

	var relevant, stable []events.Detection
	for _, d := range r.Detections {
		if float64(d.Confidence) < f.cfg.Confidence {
			continue
		}
		if len(f.classSet) > 0 {
			if _, ok := f.classSet[d.Class]; !ok {
				continue
			}
		}
		ev := events.Detection{
			FrameID:    r.FrameID,
			TrackID:    d.TrackID,
			Class:      d.Class,
			Confidence: float64(d.Confidence),
			Box: events.BBox{
				X: float64(d.X),
				Y: float64(d.Y),
				W: float64(d.W),
				H: float64(d.H),
			},
			CaptureTs: captureTs,
			WallTs:    wallTs,
		}
		relevant = append(relevant, ev)
		if ev.Stable() {
			stable = append(stable, ev)
		}
	}

	if len(relevant) == 0 {
		f.bus.Publish(events.TopicKeepalive, events.Keepalive{FrameID: r.FrameID, WallTs: wallTs})
		return
	}

	if len(stable) > 0 && f.SessionID() != "" {
		if v := f.ingestor.Load(); v != nil {
			v.(Ingestor).IngestFrame(r.FrameID, stable)
		}
	}
	for _, ev := range relevant {
		f.detectionCount.Add(1)
		f.bus.Publish(events.TopicDetection, ev)
	}
}

func fpsInterval(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}
