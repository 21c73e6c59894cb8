// Package alerting turns detector findings into incidents and chat
// notifications. The two delivery channels are independent: a failure on one
// never suppresses the other, and neither failure propagates to the caller.
package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/peerwatch/bgp-orchestrator/internal/anomaly"
	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
)

// DefaultSource identifies this system in created incidents.
const DefaultSource = "bgp-orchestrator"

// Alert is the channel-independent shape of a notification.
type Alert struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    catalog.Severity  `json:"severity"`
	Source      string            `json:"source"`
	Labels      map[string]string `json:"labels"`
	CreatedAt   time.Time         `json:"created_at"`
}

// FromConflict builds an alert for a conflict found against the named
// peering.
func FromConflict(c catalog.Conflict, peeringName string) Alert {
	var b strings.Builder
	b.WriteString(c.Description)
	if c.RecommendedAction != "" {
		fmt.Fprintf(&b, "\nRecommended action: %s", c.RecommendedAction)
	}
	if len(c.AffectedPeers) > 0 {
		fmt.Fprintf(&b, "\nAffected peerings: %s", joinIDs(c.AffectedPeers))
	}

	return Alert{
		Title:       fmt.Sprintf("BGP conflict detected: %s", c.Type),
		Description: b.String(),
		Severity:    c.Severity,
		Source:      DefaultSource,
		Labels: map[string]string{
			"type":    string(c.Type),
			"peering": peeringName,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// FromAnomaly builds an alert for a flagged metric observation.
func FromAnomaly(a anomaly.Anomaly) Alert {
	where := a.MetricName
	if a.Device != "" {
		where += " on " + a.Device
	}

	return Alert{
		Title: fmt.Sprintf("Anomaly detected: %s", where),
		Description: fmt.Sprintf(
			"Metric %s deviated from its seasonal baseline.\nObserved: %.2f\nExpected: %.2f\nDeviation: %.2f",
			a.MetricName, a.Value, a.Expected, a.Deviation),
		Severity: a.Severity,
		Source:   DefaultSource,
		Labels: map[string]string{
			"type":   string(a.Type),
			"metric": a.MetricName,
			"device": a.Device,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// dedupKey collapses repeats of the same alert within the dedup window.
func (a Alert) dedupKey() string {
	return a.Title + "|" + a.Source + "|" + string(a.Severity)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
