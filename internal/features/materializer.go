package features

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// materializeChunk is how many entities each worker task pushes per pipeline.
const materializeChunk = 64

type offlineReader interface {
	LatestSince(ctx context.Context, since time.Time) ([]Vector, error)
}

// Materializer periodically copies the newest offline vector per entity into
// the online store, repairing any vectors the hot path dropped or failed to
// write online.
type Materializer struct {
	offline  offlineReader
	online   onlineWriter
	interval time.Duration
	pool     pond.ResultPool[int]
	clock    clockwork.Clock
	log      *zap.Logger
}

func NewMaterializer(offline offlineReader, online onlineWriter, interval time.Duration, workers int, clock clockwork.Clock, log *zap.Logger) *Materializer {
	return &Materializer{
		offline:  offline,
		online:   online,
		interval: interval,
		pool:     pond.NewResultPool[int](workers),
		clock:    clock,
		log:      log,
	}
}

// Run materializes on every interval tick until the context is cancelled.
func (m *Materializer) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := m.materializeOnce(ctx); err != nil {
				m.log.Warn("feature materialization failed", zap.Error(err))
			}
		}
	}
}

// materializeOnce pushes the last interval's offline vectors to the online
// store, fanning chunks of entities out across the worker pool.
func (m *Materializer) materializeOnce(ctx context.Context) error {
	since := m.clock.Now().Add(-m.interval)
	vectors, err := m.offline.LatestSince(ctx, since)
	if err != nil {
		return fmt.Errorf("reading offline features: %w", err)
	}
	if len(vectors) == 0 {
		return nil
	}

	group := m.pool.NewGroupContext(ctx)
	for start := 0; start < len(vectors); start += materializeChunk {
		end := start + materializeChunk
		if end > len(vectors) {
			end = len(vectors)
		}
		chunk := vectors[start:end]

		group.SubmitErr(func() (int, error) {
			if err := m.online.SetLatest(ctx, chunk); err != nil {
				return 0, err
			}
			return len(chunk), nil
		})
	}

	counts, err := group.Wait()
	if err != nil {
		return fmt.Errorf("writing online features: %w", err)
	}

	var total int
	for _, n := range counts {
		total += n
	}
	m.log.Debug("materialized features",
		zap.Int("entities", total),
		zap.Time("since", since))
	return nil
}
