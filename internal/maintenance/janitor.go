package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/config"
)

// sweepInterval is how often the in-process janitor runs under serve. The
// partition window is two days, so daily is enough margin.
const sweepInterval = 24 * time.Hour

// TombstonePurger hard-deletes soft-deleted peerings past their retention.
type TombstonePurger interface {
	PurgeTombstones(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RetentionPurger removes rows recorded before a cutoff. The anomaly store
// and the offline feature log both satisfy it.
type RetentionPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor runs the full maintenance pass: partition upkeep on the update
// store plus the retention sweeps. Individual sweep failures are collected
// so one bad table does not starve the others.
type Janitor struct {
	partitions *PartitionManager
	catalog    TombstonePurger
	anomalies  RetentionPurger
	features   RetentionPurger
	retention  config.RetentionConfig
	clock      clockwork.Clock
	logger     *zap.Logger
}

func NewJanitor(partitions *PartitionManager, catalog TombstonePurger, anomalies, features RetentionPurger, retention config.RetentionConfig, clock clockwork.Clock, logger *zap.Logger) *Janitor {
	return &Janitor{
		partitions: partitions,
		catalog:    catalog,
		anomalies:  anomalies,
		features:   features,
		retention:  retention,
		clock:      clock,
		logger:     logger,
	}
}

// Sweep performs one maintenance pass.
func (j *Janitor) Sweep(ctx context.Context) error {
	var errs []error

	if j.partitions != nil {
		if err := j.partitions.Run(ctx); err != nil {
			errs = append(errs, err)
			j.logger.Error("partition maintenance failed", zap.Error(err))
		}
	}

	if j.catalog != nil {
		age := time.Duration(j.retention.TombstoneDays) * 24 * time.Hour
		if n, err := j.catalog.PurgeTombstones(ctx, age); err != nil {
			errs = append(errs, err)
			j.logger.Error("tombstone purge failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("tombstone purge complete", zap.Int64("rows", n))
		}
	}

	if j.anomalies != nil {
		cutoff := j.clock.Now().AddDate(0, 0, -j.retention.AnomalyDays)
		if n, err := j.anomalies.PurgeOlderThan(ctx, cutoff); err != nil {
			errs = append(errs, err)
			j.logger.Error("anomaly purge failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("anomaly purge complete", zap.Int64("rows", n))
		}
	}

	if j.features != nil {
		cutoff := j.clock.Now().AddDate(0, 0, -j.retention.UpdateDays)
		if n, err := j.features.PurgeOlderThan(ctx, cutoff); err != nil {
			errs = append(errs, err)
			j.logger.Error("feature purge failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("feature purge complete", zap.Int64("rows", n))
		}
	}

	return errors.Join(errs...)
}

// Run sweeps once a day until the context is cancelled. Startup already did
// a pass, so the first tick is a day out.
func (j *Janitor) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error("maintenance sweep finished with errors", zap.Error(err))
			}
		}
	}
}
