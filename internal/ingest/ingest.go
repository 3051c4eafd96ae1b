// Package ingest uploads frames with their detections to the session store.
// Upload concurrency is bounded to the feeder's in-flight window; when the
// backlog exceeds twice the window the oldest pending upload is dropped, so
// a slow store costs old frames instead of memory.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/pkg/api"
)

var log = logging.L("ingest")

var (
	uploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_ingest_uploads_total",
		Help: "Frames successfully uploaded to the store.",
	})
	failuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_ingest_failures_total",
		Help: "Frame uploads that failed after retries.",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_ingest_dropped_total",
		Help: "Pending uploads evicted because the queue overflowed.",
	})
	oversizeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_ingest_oversize_total",
		Help: "Uploads rejected client-side for exceeding the body limit.",
	})
)

// Uploader performs one upload. Implemented by the api store client, which
// retries transient failures internally.
type Uploader interface {
	IngestFrame(ctx context.Context, meta api.IngestMeta, frame []byte) error
}

type job struct {
	meta  api.IngestMeta
	frame []byte
}

// Ingester is a bounded upload pool with drop-oldest overflow.
type Ingester struct {
	uploader Uploader
	timeout  time.Duration

	mu      sync.RWMutex // guards queue close against concurrent Enqueue
	queue   chan job
	wg      sync.WaitGroup
	stopped bool

	uploaded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	oversize atomic.Uint64
}

// New starts an ingester with the given number of upload workers and a
// pending queue of 2x that size.
func New(uploader Uploader, workers int, timeout time.Duration) *Ingester {
	if workers < 1 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ing := &Ingester{
		uploader: uploader,
		timeout:  timeout,
		queue:    make(chan job, workers*2),
	}
	for i := 0; i < workers; i++ {
		ing.wg.Add(1)
		go ing.worker()
	}
	return ing
}

// Enqueue accepts one upload job. Never blocks: a full queue loses its
// oldest pending job instead. Returns false only after Stop.
func (ing *Ingester) Enqueue(meta api.IngestMeta, frame []byte) bool {
	ing.mu.RLock()
	defer ing.mu.RUnlock()
	if ing.stopped {
		return false
	}
	j := job{meta: meta, frame: frame}
	select {
	case ing.queue <- j:
		return true
	default:
	}
	select {
	case old := <-ing.queue:
		ing.dropped.Add(1)
		droppedTotal.Inc()
		log.Debug("upload queue full, oldest dropped",
			logging.KeySession, old.meta.SessionID, "seqNo", old.meta.SeqNo)
	default:
	}
	select {
	case ing.queue <- j:
		return true
	default:
		ing.dropped.Add(1)
		droppedTotal.Inc()
		return true
	}
}

// Stop stops accepting jobs and waits for the workers to drain the queue or
// the context to expire, whichever comes first.
func (ing *Ingester) Stop(ctx context.Context) {
	ing.mu.Lock()
	if !ing.stopped {
		ing.stopped = true
		close(ing.queue)
	}
	ing.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ing.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("ingester stop timed out with uploads in flight")
	}
}

func (ing *Ingester) worker() {
	defer ing.wg.Done()
	for j := range ing.queue {
		ing.upload(j)
	}
}

func (ing *Ingester) upload(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), ing.timeout)
	defer cancel()

	err := ing.uploader.IngestFrame(ctx, j.meta, j.frame)
	if err == nil {
		ing.uploaded.Add(1)
		uploadsTotal.Inc()
		return
	}
	if errors.Is(err, api.ErrTooLarge) {
		ing.oversize.Add(1)
		oversizeTotal.Inc()
		log.Warn("frame too large for ingest",
			logging.KeySession, j.meta.SessionID, "seqNo", j.meta.SeqNo, "bytes", len(j.frame))
		return
	}
	ing.failed.Add(1)
	failuresTotal.Inc()
	log.Warn("frame upload failed",
		logging.KeySession, j.meta.SessionID, "seqNo", j.meta.SeqNo, logging.KeyError, err)
}

// Stats is a point-in-time snapshot of the ingester counters.
type Stats struct {
	Uploaded uint64
	Failed   uint64
	Dropped  uint64
	Oversize uint64
	Pending  int
}

func (ing *Ingester) Stats() Stats {
	return Stats{
		Uploaded: ing.uploaded.Load(),
		Failed:   ing.failed.Load(),
		Dropped:  ing.dropped.Load(),
		Oversize: ing.oversize.Load(),
		Pending:  len(ing.queue),
	}
}
