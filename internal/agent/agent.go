// Package agent wires the capture, inference and session pipelines together
// and runs them until shutdown.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kestrel-video/agent/internal/ai"
	"github.com/kestrel-video/agent/internal/ai/wire"
	"github.com/kestrel-video/agent/internal/bus"
	"github.com/kestrel-video/agent/internal/capture"
	"github.com/kestrel-video/agent/internal/config"
	"github.com/kestrel-video/agent/internal/framecache"
	"github.com/kestrel-video/agent/internal/ingest"
	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/internal/orchestrator"
	"github.com/kestrel-video/agent/internal/session"
	"github.com/kestrel-video/agent/internal/status"
	"github.com/kestrel-video/agent/pkg/api"
)

var log = logging.L("agent")

// frameTTL bounds how long a captured frame waits in the cache for its
// inference result before the pixels are reclaimed.
const frameTTL = 10 * time.Second

// shutdownGrace is the cooperative shutdown budget. Exceeding it is a
// reportable failure: Run returns an error and the process exits 1.
const shutdownGrace = 2 * time.Second

// Agent owns every long-lived component of the edge process.
type Agent struct {
	cfg *config.Config

	bus       *bus.Bus
	cache     *framecache.Cache
	source    capture.Source
	transport *ai.Transport
	feeder    *ai.Feeder
	store     *api.Client
	ingester  *ingest.Ingester
	sessions  *session.Manager
	orch      *orchestrator.Orchestrator
	livePub   capture.Publisher
	recordPub capture.Publisher
	tracker   *status.Tracker
	statusSrv *status.Server
}

// New validates the configuration and builds the component graph. Nothing
// is started yet.
func New(cfg *config.Config) (*Agent, error) {
	policy, err := wire.ParsePolicy(cfg.AI.Policy)
	if err != nil {
		return nil, err
	}
	if capture.BytesPerPixel(cfg.AI.PreferredFormat) == 0 {
		return nil, fmt.Errorf("agent: unsupported frame format %q", cfg.AI.PreferredFormat)
	}
	if cfg.Stream.Source == "" {
		return nil, fmt.Errorf("agent: stream.source is required")
	}

	a := &Agent{cfg: cfg}
	a.bus = bus.New()
	a.cache = framecache.New(frameTTL)

	a.source = capture.NewFFmpegSource(capture.SourceConfig{
		Input:  cfg.Stream.Source,
		Width:  cfg.AI.Width,
		Height: cfg.AI.Height,
		Format: cfg.AI.PreferredFormat,
		FPS:    cfg.AI.FpsActive,
	})

	a.transport = ai.NewTransport(cfg.AI.Addr, wire.Init{
		DeviceID:    cfg.DeviceID,
		Model:       cfg.AI.Model,
		PixelFormat: cfg.AI.PreferredFormat,
		Width:       uint16(cfg.AI.Width),
		Height:      uint16(cfg.AI.Height),
		FpsMax:      float32(cfg.AI.FpsActive),
		MaxInflight: uint16(cfg.AI.MaxInflight),
		Policy:      policy,
	}, ai.Options{})

	a.feeder = ai.NewFeeder(ai.FeederConfig{
		Addr:        cfg.AI.Addr,
		Policy:      policy,
		MaxInflight: cfg.AI.MaxInflight,
		FpsIdle:     cfg.AI.FpsIdle,
		FpsActive:   cfg.AI.FpsActive,
		Confidence:  cfg.AI.ConfidenceThreshold,
		Classes:     cfg.ClassesFilter,
	}, a.bus, a.cache, a.transport, a.source.Frames())
	a.transport.SetHandler(a.feeder)

	a.store = api.NewClient(cfg.Store.BaseURL, time.Duration(cfg.Store.TimeoutMs)*time.Millisecond)
	a.ingester = ingest.New(a.store, cfg.AI.MaxInflight, time.Duration(cfg.Store.TimeoutMs)*time.Millisecond)
	a.sessions = session.NewManager(a.cache, a.ingester, a.store)
	a.feeder.SetIngestor(a.sessions)

	if cfg.Stream.RecordURL != "" {
		a.recordPub = capture.NewFFmpegPublisher("record", cfg.Stream.Source, cfg.Stream.RecordURL)
	} else {
		a.recordPub = &nopPublisher{}
	}
	if cfg.Stream.LiveURL != "" {
		a.livePub = capture.NewFFmpegPublisher("live", cfg.Stream.Source, cfg.Stream.LiveURL)
	}

	a.orch = orchestrator.New(orchestrator.Config{
		DeviceID: cfg.DeviceID,
		Path:     cfg.Stream.Path,
		Timers: orchestrator.Durations{
			Dwell:    time.Duration(cfg.FSM.DwellMs) * time.Millisecond,
			Silence:  time.Duration(cfg.FSM.SilenceMs) * time.Millisecond,
			Postroll: time.Duration(cfg.FSM.PostrollMs) * time.Millisecond,
		},
		StoreTimeout: time.Duration(cfg.Store.TimeoutMs) * time.Millisecond,
	}, a.bus, a.store, a.feeder, a.sessions, a.transport, a.recordPub)

	a.tracker = status.NewTracker(a.bus)
	a.transport.SetOnActivity(a.tracker.Heartbeat)
	a.statusSrv = status.NewServer(cfg.StatusPort, a.tracker)

	return a, nil
}

// Run starts everything and blocks until the context is cancelled or a
// termination signal arrives. The returned error is nil on a clean
// shutdown within the grace window.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The FSM must see the very first detection, so it subscribes before
	// the feeder can publish one.
	if err := a.tracker.Start(); err != nil {
		return err
	}
	if err := a.orch.Start(); err != nil {
		return err
	}
	if err := a.transport.Start(ctx); err != nil {
		return err
	}
	if err := a.feeder.Start(ctx); err != nil {
		return err
	}
	if err := a.source.Start(ctx); err != nil {
		return err
	}
	if a.livePub != nil {
		if err := a.livePub.Start(); err != nil {
			log.Error("live publisher failed to start", logging.KeyError, err)
		}
	}
	if err := a.statusSrv.Start(); err != nil {
		return err
	}

	log.Info("agent up",
		"device", a.cfg.DeviceID,
		"path", a.cfg.Stream.Path,
		"worker", a.cfg.AI.Addr,
		"store", a.cfg.Store.BaseURL,
	)

	<-ctx.Done()
	log.Info("shutdown requested")
	return a.shutdown()
}

// shutdown winds components down in dependency order: the FSM first so an
// open session closes while the transport is still up, then the data path
// from producer to consumer.
func (a *Agent) shutdown() error {
	deadline := time.Now().Add(shutdownGrace)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		a.orch.Stop(ctx)
		a.feeder.Stop()
		a.transport.Shutdown(ctx)
		a.source.Stop()
		if a.livePub != nil {
			if err := a.livePub.Stop(); err != nil {
				log.Warn("live publisher stop", logging.KeyError, err)
			}
		}
		a.ingester.Stop(ctx)
		a.statusSrv.Close(ctx)
		a.tracker.Stop()
		a.bus.Close()
	}()

	select {
	case <-done:
		log.Info("agent stopped")
		return nil
	case <-time.After(time.Until(deadline) + 500*time.Millisecond):
		return fmt.Errorf("agent: shutdown exceeded %s", shutdownGrace)
	}
}

// nopPublisher stands in when no record output is configured; the session
// lifecycle still runs, only the media push is skipped.
type nopPublisher struct {
	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	lastStopped time.Time
}

func (p *nopPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	p.startedAt = time.Now()
	return nil
}

func (p *nopPublisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.lastStopped = time.Now()
	return nil
}

func (p *nopPublisher) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *nopPublisher) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

func (p *nopPublisher) LastStoppedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStopped
}
