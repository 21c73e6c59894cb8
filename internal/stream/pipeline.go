// Package stream consumes BGP update messages from the broker, checks them
// against the peering catalog in real time, and lands them in durable
// storage with at-least-once delivery.
package stream

import (
	"context"
	"time"

	"github.com/peerwatch/bgp-orchestrator/internal/alerting"
	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"github.com/peerwatch/bgp-orchestrator/internal/features"
	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	// snapshotTTL bounds how stale the cached peering snapshot may get
	// before the next message reloads it.
	snapshotTTL = 5 * time.Second

	// latencyBudget is the per-message processing target. Messages over
	// budget are logged, never dropped.
	latencyBudget = 100 * time.Millisecond

	finalFlushTimeout = 5 * time.Second
)

// CatalogSource provides the live peering snapshot for conflict checks.
type CatalogSource interface {
	Snapshot(ctx context.Context) ([]catalog.Peering, error)
}

// ConflictChecker evaluates one peering against the catalog snapshot.
type ConflictChecker interface {
	Detect(ctx context.Context, candidate *catalog.Peering, snapshot []catalog.Peering) []catalog.Conflict
}

// AlertSink receives alerts raised while processing the stream.
type AlertSink interface {
	Dispatch(ctx context.Context, a alerting.Alert) string
}

// FeatureSink receives feature vectors extracted from updates.
type FeatureSink interface {
	Offer(v features.Vector)
}

type updateWriter interface {
	FlushBatch(ctx context.Context, rows []*Row) (int64, error)
}

type Pipeline struct {
	writer   updateWriter
	catalog  CatalogSource
	checker  ConflictChecker
	alerts   AlertSink
	features FeatureSink
	flaps    *FlapTracker

	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	snapshot   []catalog.Peering
	snapshotAt time.Time
}

func NewPipeline(writer *Writer, catalogSrc CatalogSource, checker ConflictChecker, alerts AlertSink, featureSink FeatureSink, flaps *FlapTracker, batchSize, flushIntervalMs int, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		catalog:       catalogSrc,
		checker:       checker,
		alerts:        alerts,
		features:      featureSink,
		flaps:         flaps,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
	if writer != nil {
		p.writer = writer
	}
	return p
}

// Run processes records from the channel until the context is cancelled.
// Batches are flushed on size or on the ticker; the records of each durably
// stored batch are forwarded on flushed so the consumer can commit them.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	var batch []*Row
	var batchRecords []*kgo.Record
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batchRecords) > 0 {
				p.finalFlush(batch, batchRecords, flushed)
			}
			return

		case recs, ok := <-records:
			if !ok {
				if len(batchRecords) > 0 {
					p.finalFlush(batch, batchRecords, flushed)
				}
				return
			}

			for _, rec := range recs {
				if row := p.processRecord(ctx, rec); row != nil {
					batch = append(batch, row)
				}
				batchRecords = append(batchRecords, rec)
			}

			if len(batchRecords) >= p.batchSize {
				if p.flush(ctx, batch, batchRecords, flushed) {
					batch = nil
					batchRecords = nil
				}
			}

			// A batch stuck past 10x the configured size means flushes
			// have been failing for a while; drop it rather than grow
			// without bound. Uncommitted offsets are redelivered.
			if len(batchRecords) >= p.batchSize*10 {
				p.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_records", len(batchRecords)),
					zap.Int("dropped_rows", len(batch)),
				)
				batch = nil
				batchRecords = nil
			}

		case <-ticker.C:
			if len(batchRecords) > 0 {
				if p.flush(ctx, batch, batchRecords, flushed) {
					batch = nil
					batchRecords = nil
				}
			}
		}
	}
}

// processRecord parses and reacts to a single broker record. Malformed
// records return nil but are still committed; stalling a partition on bad
// input would block every update behind it.
func (p *Pipeline) processRecord(ctx context.Context, rec *kgo.Record) *Row {
	start := time.Now()

	upd, err := ParseUpdate(rec.Value)
	if err != nil {
		metrics.StreamMessagesTotal.WithLabelValues(rec.Topic, "malformed").Inc()
		p.logger.Warn("dropping malformed update",
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return nil
	}
	metrics.StreamMessagesTotal.WithLabelValues(rec.Topic, "ok").Inc()
	metrics.LastMessageTimestamp.WithLabelValues(rec.Topic).Set(float64(upd.Timestamp.Unix()))

	if upd.Prefix != "" {
		p.checkConflicts(ctx, upd)
	}

	if p.features != nil {
		p.features.Offer(upd.FeatureVector())
	}
	if p.flaps != nil && upd.HasWithdraw {
		p.flaps.Record(upd.PeerIP, upd.PeerASN, upd.Timestamp)
	}

	elapsed := time.Since(start)
	metrics.StreamProcessDuration.WithLabelValues("message").Observe(elapsed.Seconds())
	if elapsed > latencyBudget {
		p.logger.Warn("update processing exceeded latency budget",
			zap.Duration("elapsed", elapsed),
			zap.String("peer_ip", upd.PeerIP),
		)
	}

	return &Row{
		Update:    upd,
		Raw:       rec.Value,
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}
}

// checkConflicts evaluates every peering configured for the update's
// neighbor address against the current snapshot. Catalog errors degrade to
// a warning; the stream never stalls on the conflict path.
func (p *Pipeline) checkConflicts(ctx context.Context, upd *Update) {
	if p.checker == nil {
		return
	}
	snapshot := p.peerings(ctx)
	if len(snapshot) == 0 {
		return
	}

	start := time.Now()
	defer func() {
		metrics.StreamProcessDuration.WithLabelValues("conflict_check").Observe(time.Since(start).Seconds())
	}()

	for i := range snapshot {
		candidate := &snapshot[i]
		if candidate.PeerIP != upd.PeerIP {
			continue
		}
		for _, c := range p.checker.Detect(ctx, candidate, snapshot) {
			p.logger.Warn("conflict detected on live update",
				zap.String("peering", candidate.Name),
				zap.String("peer_ip", upd.PeerIP),
				zap.String("prefix", upd.Prefix),
				zap.String("type", string(c.Type)),
				zap.String("severity", string(c.Severity)),
			)
			if p.alerts != nil {
				p.alerts.Dispatch(ctx, alerting.FromConflict(c, candidate.Name))
			}
		}
	}
}

// peerings returns the cached snapshot, reloading it when stale. A failed
// reload falls back to whatever was loaded last.
func (p *Pipeline) peerings(ctx context.Context) []catalog.Peering {
	if p.catalog == nil {
		return nil
	}
	if !p.snapshotAt.IsZero() && time.Since(p.snapshotAt) < snapshotTTL {
		return p.snapshot
	}
	snap, err := p.catalog.Snapshot(ctx)
	if err != nil {
		p.logger.Warn("refreshing peering snapshot failed", zap.Error(err))
		return p.snapshot
	}
	p.snapshot = snap
	p.snapshotAt = time.Now()
	return p.snapshot
}

func (p *Pipeline) flush(ctx context.Context, batch []*Row, records []*kgo.Record, flushed chan<- []*kgo.Record) bool {
	inserted, err := p.writer.FlushBatch(ctx, batch)
	if err != nil {
		p.logger.Error("update batch flush failed", zap.Error(err))
		return false
	}

	p.logger.Debug("update batch flushed",
		zap.Int("rows", len(batch)),
		zap.Int("records", len(records)),
		zap.Int64("inserted", inserted),
		zap.Int64("deduped", int64(len(batch))-inserted),
	)

	// Signal successful flush for offset commit.
	select {
	case flushed <- records:
	case <-ctx.Done():
	}

	return true
}

// finalFlush writes the tail batch during shutdown. The run context is gone
// by then, so the write gets its own deadline.
func (p *Pipeline) finalFlush(batch []*Row, records []*kgo.Record, flushed chan<- []*kgo.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	p.flush(ctx, batch, records, flushed)
}
