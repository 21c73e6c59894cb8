package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/peerwatch/bgp-orchestrator/internal/alerting"
	"github.com/peerwatch/bgp-orchestrator/internal/anomaly"
	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"go.uber.org/zap"
)

type fakeAnomalySink struct {
	mu      sync.Mutex
	batches [][]anomaly.Anomaly
	fail    bool
}

func (f *fakeAnomalySink) Insert(_ context.Context, anomalies []anomaly.Anomaly) ([]anomaly.Anomaly, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("insert failed")
	}
	f.batches = append(f.batches, anomalies)
	return anomalies, nil
}

func (f *fakeAnomalySink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeAlertSink struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (f *fakeAlertSink) Dispatch(_ context.Context, a alerting.Alert) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return "INC-1"
}

func (f *fakeAlertSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func TestFlapTracker_SeriesZeroFills(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 10, 12, 30, 0, 0, time.UTC))
	tracker := NewFlapTracker(7*24*time.Hour, clock)
	now := clock.Now()

	tracker.Record("192.0.2.1", 65001, now.Add(-3*time.Hour-20*time.Minute)) // 09:10
	tracker.Record("192.0.2.1", 65001, now.Add(-3*time.Hour))                // 09:30
	tracker.Record("192.0.2.1", 65001, now.Add(-105*time.Minute))            // 10:45

	s := tracker.Series("192.0.2.1_65001")
	if len(s) != 3 {
		t.Fatalf("len(series) = %d, want 3 buckets 09:00..11:00", len(s))
	}
	if s[0].Value != 2 || s[1].Value != 1 || s[2].Value != 0 {
		t.Errorf("values = %v %v %v, want 2 1 0", s[0].Value, s[1].Value, s[2].Value)
	}
	if got := s[0].Timestamp; got != time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC) {
		t.Errorf("first bucket = %v, want 09:00", got)
	}
	if got := s[2].Timestamp; got != time.Date(2026, 1, 10, 11, 0, 0, 0, time.UTC) {
		t.Errorf("last bucket = %v, want 11:00 (the last complete hour)", got)
	}
}

func TestFlapTracker_CurrentBucketExcluded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 10, 12, 30, 0, 0, time.UTC))
	tracker := NewFlapTracker(0, clock)

	tracker.Record("192.0.2.1", 65001, clock.Now())
	if s := tracker.Series("192.0.2.1_65001"); len(s) != 0 {
		t.Errorf("series for a still-filling bucket = %v, want empty", s)
	}
}

func TestFlapTracker_PruneDropsOldPeers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	tracker := NewFlapTracker(2*time.Hour, clock)

	tracker.Record("192.0.2.1", 65001, clock.Now().Add(-3*time.Hour))
	tracker.Record("192.0.2.2", 65002, clock.Now().Add(-30*time.Minute))
	tracker.Prune()

	got := tracker.Entities()
	if len(got) != 1 || got[0] != "192.0.2.2_65002" {
		t.Errorf("Entities after prune = %v, want only 192.0.2.2_65002", got)
	}
}

func TestFlapTracker_EntitiesSorted(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	tracker := NewFlapTracker(0, clock)

	tracker.Record("192.0.2.9", 64512, clock.Now())
	tracker.Record("192.0.2.1", 65001, clock.Now())

	got := tracker.Entities()
	if len(got) != 2 || got[0] != "192.0.2.1_65001" || got[1] != "192.0.2.9_64512" {
		t.Errorf("Entities = %v, want sorted", got)
	}
}

// spikeTracker builds 30 days of hourly withdrawal counts with a short
// periodic ripple and a single large burst, then moves the clock past the
// last bucket.
func spikeTracker(clock *clockwork.FakeClock) *FlapTracker {
	tracker := NewFlapTracker(60*24*time.Hour, clock)
	start := clock.Now()

	const hours = 720
	const spikeAt = 500
	for i := 0; i < hours; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		n := 2 + i%5
		if i == spikeAt {
			n += 60
		}
		for k := 0; k < n; k++ {
			tracker.Record("192.0.2.1", 65001, ts)
		}
	}

	clock.Advance(time.Duration(hours)*time.Hour + 30*time.Minute)
	return tracker
}

func newTestScanner(tracker *FlapTracker, store *fakeAnomalySink, alerts *fakeAlertSink, clock clockwork.Clock) *FlapScanner {
	detector := anomaly.NewDetector("additive", zap.NewNop())
	return NewFlapScanner(tracker, detector, store, alerts, time.Hour, clock, zap.NewNop())
}

func TestFlapScanner_ReportsBurstOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker := spikeTracker(clock)
	store := &fakeAnomalySink{}
	alerts := &fakeAlertSink{}
	scanner := newTestScanner(tracker, store, alerts, clock)

	scanner.ScanOnce(context.Background())

	if store.count() != 1 {
		t.Fatalf("insert batches = %d, want 1", store.count())
	}
	found := store.batches[0]
	if len(found) != 1 {
		t.Fatalf("anomalies = %d, want exactly the burst", len(found))
	}
	a := found[0]
	if a.MetricName != "bgp_session_flaps" {
		t.Errorf("MetricName = %q", a.MetricName)
	}
	if a.Device != "192.0.2.1_65001" {
		t.Errorf("Device = %q, want the entity key", a.Device)
	}
	if a.Severity != catalog.SeverityCritical {
		t.Errorf("Severity = %q, want critical", a.Severity)
	}
	if alerts.count() != 1 {
		t.Fatalf("alerts = %d, want 1", alerts.count())
	}
	if got := alerts.alerts[0].Title; got != "Anomaly detected: bgp_session_flaps on 192.0.2.1_65001" {
		t.Errorf("alert title = %q", got)
	}

	// A second pass over unchanged data must not report the burst again.
	scanner.ScanOnce(context.Background())
	if store.count() != 1 || alerts.count() != 1 {
		t.Errorf("rescan reported again: inserts=%d alerts=%d", store.count(), alerts.count())
	}
}

func TestFlapScanner_StoreFailureStillAlerts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker := spikeTracker(clock)
	store := &fakeAnomalySink{fail: true}
	alerts := &fakeAlertSink{}
	scanner := newTestScanner(tracker, store, alerts, clock)

	scanner.ScanOnce(context.Background())

	if alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1 despite the failed insert", alerts.count())
	}
}

func TestFlapScanner_SkipsShortSeries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	tracker := NewFlapTracker(0, clock)
	for i := 0; i < 3; i++ {
		tracker.Record("192.0.2.1", 65001, clock.Now().Add(time.Duration(i)*time.Hour))
	}
	clock.Advance(5 * time.Hour)

	store := &fakeAnomalySink{}
	alerts := &fakeAlertSink{}
	scanner := newTestScanner(tracker, store, alerts, clock)

	scanner.ScanOnce(context.Background())

	if store.count() != 0 || alerts.count() != 0 {
		t.Errorf("short series reported: inserts=%d alerts=%d", store.count(), alerts.count())
	}
}

func TestFlapScanner_RunFiresOnTicks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker := spikeTracker(clock)
	store := &fakeAnomalySink{}
	alerts := &fakeAlertSink{}
	scanner := newTestScanner(tracker, store, alerts, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scanner.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.count() == 0 {
		t.Error("scan never fired after a tick")
	}

	cancel()
	<-done
}
