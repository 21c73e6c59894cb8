package stream

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/peerwatch/bgp-orchestrator/internal/alerting"
	"github.com/peerwatch/bgp-orchestrator/internal/anomaly"
	"go.uber.org/zap"
)

const (
	flapBucket     = time.Hour
	flapMetricName = "bgp_session_flaps"
)

// FlapTracker accumulates per-peer withdrawal counts in hourly buckets. The
// series it produces feed the seasonal anomaly detector, so hours with no
// withdrawals still count as zero observations.
type FlapTracker struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	retain time.Duration
	counts map[string]map[int64]float64
}

func NewFlapTracker(retain time.Duration, clock clockwork.Clock) *FlapTracker {
	if retain <= 0 {
		retain = 7 * 24 * time.Hour
	}
	return &FlapTracker{
		clock:  clock,
		retain: retain,
		counts: make(map[string]map[int64]float64),
	}
}

// Record counts one withdrawal for the peer at the given message time.
func (t *FlapTracker) Record(peerIP string, peerASN uint32, ts time.Time) {
	entity := fmt.Sprintf("%s_%d", peerIP, peerASN)
	bucket := ts.Truncate(flapBucket).Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	peer := t.counts[entity]
	if peer == nil {
		peer = make(map[int64]float64)
		t.counts[entity] = peer
	}
	peer[bucket]++
}

// Entities lists peers with at least one recorded withdrawal.
func (t *FlapTracker) Entities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.counts))
	for k := range t.counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Series returns the hourly withdrawal counts for one peer, zero-filled from
// the peer's first bucket through the last complete hour. The current bucket
// is still filling and is left out.
func (t *FlapTracker) Series(entity string) []anomaly.Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer := t.counts[entity]
	if len(peer) == 0 {
		return nil
	}

	first := int64(math.MaxInt64)
	for b := range peer {
		if b < first {
			first = b
		}
	}
	last := t.clock.Now().Add(-flapBucket).Truncate(flapBucket).Unix()

	var samples []anomaly.Sample
	for b := first; b <= last; b += int64(flapBucket / time.Second) {
		samples = append(samples, anomaly.Sample{
			Timestamp: time.Unix(b, 0).UTC(),
			Value:     peer[b],
		})
	}
	return samples
}

// Prune drops buckets older than the retention window and forgets peers with
// no remaining buckets.
func (t *FlapTracker) Prune() {
	cutoff := t.clock.Now().Add(-t.retain).Truncate(flapBucket).Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	for entity, peer := range t.counts {
		for b := range peer {
			if b < cutoff {
				delete(peer, b)
			}
		}
		if len(peer) == 0 {
			delete(t.counts, entity)
		}
	}
}

type anomalySink interface {
	Insert(ctx context.Context, anomalies []anomaly.Anomaly) ([]anomaly.Anomaly, error)
}

// FlapScanner periodically runs the anomaly detector over every tracked flap
// series, stores what it finds, and raises alerts. Buckets already covered
// by an earlier scan are skipped so an old spike is reported once, not on
// every pass.
type FlapScanner struct {
	tracker  *FlapTracker
	detector *anomaly.Detector
	store    anomalySink
	alerts   AlertSink
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	seenThrough time.Time
}

func NewFlapScanner(tracker *FlapTracker, detector *anomaly.Detector, store anomalySink, alerts AlertSink, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) *FlapScanner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &FlapScanner{
		tracker:  tracker,
		detector: detector,
		store:    store,
		alerts:   alerts,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run scans on the configured period until the context is cancelled.
func (s *FlapScanner) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce evaluates every tracked peer once.
func (s *FlapScanner) ScanOnce(ctx context.Context) {
	s.tracker.Prune()
	lastComplete := s.clock.Now().Add(-flapBucket).Truncate(flapBucket)

	for _, entity := range s.tracker.Entities() {
		series := s.tracker.Series(entity)
		found, err := s.detector.Detect(flapMetricName, entity, series)
		if err != nil {
			s.logger.Warn("flap scan failed",
				zap.String("entity", entity),
				zap.Error(err),
			)
			continue
		}

		fresh := found[:0]
		for _, a := range found {
			if a.Timestamp.After(s.seenThrough) {
				fresh = append(fresh, a)
			}
		}
		if len(fresh) == 0 {
			continue
		}

		stored, err := s.store.Insert(ctx, fresh)
		if err != nil {
			s.logger.Error("storing flap anomalies", zap.Error(err))
			stored = fresh
		}
		if s.alerts == nil {
			continue
		}
		for _, a := range stored {
			s.alerts.Dispatch(ctx, alerting.FromAnomaly(a))
		}
	}

	s.seenThrough = lastComplete
}
