package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
)

// ErrOncallNotConfigured is returned by incident transitions when no on-call
// system was wired at startup.
var ErrOncallNotConfigured = errors.New("alerting: on-call system not configured")

// AutoRemediatedReason is the acknowledgment reason recorded when an
// automatic remediation closed the loop on an incident.
const AutoRemediatedReason = "auto-remediated"

// Dispatcher fans one alert out to the configured channels. Channel failures
// are counted and logged; they never reach the caller and never suppress the
// other channel. Repeats of the same alert inside the dedup window are
// dropped.
type Dispatcher struct {
	oncall *OncallClient
	chat   *ChatNotifier
	dedup  *ttlcache.Cache[string, struct{}]
	log    *zap.Logger
}

// NewDispatcher wires the channels; either may be nil when not configured.
func NewDispatcher(oncall *OncallClient, chat *ChatNotifier, dedupTTL time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		oncall: oncall,
		chat:   chat,
		dedup:  ttlcache.New(ttlcache.WithTTL[string, struct{}](dedupTTL)),
		log:    log,
	}
}

// Dispatch delivers the alert and returns the incident ID when the on-call
// channel created one, or "" otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) string {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Source == "" {
		a.Source = DefaultSource
	}

	key := a.dedupKey()
	if d.dedup.Get(key) != nil {
		metrics.AlertsDispatchedTotal.WithLabelValues("dedup", "suppressed").Inc()
		d.log.Debug("duplicate alert suppressed", zap.String("title", a.Title))
		return ""
	}
	d.dedup.Set(key, struct{}{}, ttlcache.DefaultTTL)

	var incidentID string
	if d.oncall != nil {
		id, err := d.oncall.CreateIncident(ctx, a)
		if err != nil {
			metrics.AlertsDispatchedTotal.WithLabelValues("oncall", "error").Inc()
			d.log.Warn("incident creation failed", zap.String("title", a.Title), zap.Error(err))
		} else {
			incidentID = id
			metrics.AlertsDispatchedTotal.WithLabelValues("oncall", "ok").Inc()
		}
	}

	if d.chat != nil {
		if err := d.chat.Send(ctx, a, incidentID); err != nil {
			metrics.AlertsDispatchedTotal.WithLabelValues("chat", "error").Inc()
			d.log.Warn("chat notification failed", zap.String("title", a.Title), zap.Error(err))
		} else {
			metrics.AlertsDispatchedTotal.WithLabelValues("chat", "ok").Inc()
		}
	}

	return incidentID
}

// Acknowledge transitions an incident to acknowledged.
func (d *Dispatcher) Acknowledge(ctx context.Context, incidentID, reason string) error {
	if d.oncall == nil {
		return ErrOncallNotConfigured
	}
	return d.oncall.Acknowledge(ctx, incidentID, reason)
}

// Resolve transitions an incident to resolved.
func (d *Dispatcher) Resolve(ctx context.Context, incidentID, notes string) error {
	if d.oncall == nil {
		return ErrOncallNotConfigured
	}
	return d.oncall.Resolve(ctx, incidentID, notes)
}

// AutoRemediated acknowledges an incident after a successful automatic
// remediation.
func (d *Dispatcher) AutoRemediated(ctx context.Context, incidentID string) error {
	return d.Acknowledge(ctx, incidentID, AutoRemediatedReason)
}
