package features

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
)

const (
	sinkBatchSize     = 100
	sinkFlushInterval = time.Second
	// finalFlushTimeout bounds the write of whatever is still queued when
	// the sink shuts down.
	finalFlushTimeout = 5 * time.Second
)

type offlineWriter interface {
	WriteBatch(ctx context.Context, vectors []Vector) error
}

type onlineWriter interface {
	SetLatest(ctx context.Context, vectors []Vector) error
}

// Sink accepts vectors from the hot path without blocking it. A single
// writer goroutine batches them into the offline store and refreshes the
// online view. When the queue is full the vector is dropped and counted.
type Sink struct {
	offline offlineWriter
	online  onlineWriter
	queue   chan Vector
	clock   clockwork.Clock
	log     *zap.Logger
}

func NewSink(offline offlineWriter, online onlineWriter, queueSize int, log *zap.Logger) *Sink {
	return &Sink{
		offline: offline,
		online:  online,
		queue:   make(chan Vector, queueSize),
		clock:   clockwork.NewRealClock(),
		log:     log,
	}
}

// Offer enqueues a vector for asynchronous persistence. It never blocks; if
// the writer has fallen behind the vector is dropped.
func (s *Sink) Offer(v Vector) {
	select {
	case s.queue <- v:
	default:
		metrics.FeatureWritesTotal.WithLabelValues("queue", "dropped").Inc()
	}
}

// Run drains the queue until the context is cancelled, then writes whatever
// is still buffered.
func (s *Sink) Run(ctx context.Context) {
	batch := make([]Vector, 0, sinkBatchSize)
	ticker := s.clock.NewTicker(sinkFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			batch = append(batch, s.drain()...)
			if len(batch) > 0 {
				// The run context is gone; give the last write its
				// own deadline.
				flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
				s.write(flushCtx, batch)
				cancel()
			}
			return

		case v := <-s.queue:
			batch = append(batch, v)
			if len(batch) >= sinkBatchSize {
				s.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.Chan():
			if len(batch) > 0 {
				s.write(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Sink) drain() []Vector {
	var rest []Vector
	for {
		select {
		case v := <-s.queue:
			rest = append(rest, v)
		default:
			return rest
		}
	}
}

// write persists one batch to both stores. Failures are counted and logged;
// they never propagate to the caller.
func (s *Sink) write(ctx context.Context, batch []Vector) {
	n := float64(len(batch))

	if err := s.offline.WriteBatch(ctx, batch); err != nil {
		metrics.FeatureWritesTotal.WithLabelValues("offline", "error").Add(n)
		s.log.Warn("offline feature write failed", zap.Int("batch_size", len(batch)), zap.Error(err))
	} else {
		metrics.FeatureWritesTotal.WithLabelValues("offline", "ok").Add(n)
	}

	if err := s.online.SetLatest(ctx, batch); err != nil {
		metrics.FeatureWritesTotal.WithLabelValues("online", "error").Add(n)
		s.log.Warn("online feature write failed", zap.Int("batch_size", len(batch)), zap.Error(err))
	} else {
		metrics.FeatureWritesTotal.WithLabelValues("online", "ok").Add(n)
	}
}
