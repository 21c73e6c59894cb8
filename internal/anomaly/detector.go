// Package anomaly flags outliers in operational metric series. A seasonal
// baseline is fit to each series (daily and weekly cycles), and points whose
// residual falls more than three standard deviations from the local residual
// mean are reported with a severity graded by how far out they sit.
package anomaly

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
)

// Type categorizes what kind of signal the anomaly came from.
type Type string

const (
	TypeBGPFlap        Type = "bgp_flap"
	TypeCPUTemperature Type = "cpu_temperature"
	TypeInterfaceError Type = "interface_error"
	TypeOther          Type = "other"
)

// metricTypes maps well-known metric names onto anomaly types. Anything
// unlisted is filed under TypeOther.
var metricTypes = map[string]Type{
	"bgp_session_flaps": TypeBGPFlap,
	"cpu_temp":          TypeCPUTemperature,
	"interface_errors":  TypeInterfaceError,
}

const (
	// minSamples is the fewest points a series needs before the seasonal
	// fit is meaningful. Shorter series yield no findings.
	minSamples = 10

	// sigmaThreshold is the number of local standard deviations a
	// residual must exceed to be flagged.
	sigmaThreshold = 3.0

	// maxWindow caps the centered rolling window used for local
	// residual statistics.
	maxWindow = 30
)

// Sample is one observation of a metric.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Anomaly is a single flagged observation.
type Anomaly struct {
	ID         int64              `json:"id,omitempty"`
	MetricName string             `json:"metric_name"`
	Type       Type               `json:"anomaly_type"`
	Timestamp  time.Time          `json:"timestamp"`
	Value      float64            `json:"value"`
	Expected   float64            `json:"expected_value"`
	Deviation  float64            `json:"deviation"`
	Severity   catalog.Severity   `json:"severity"`
	Device     string             `json:"device,omitempty"`
	Metadata   map[string]float64 `json:"metadata,omitempty"`
	CreatedAt  time.Time          `json:"created_at,omitempty"`
}

// Detector fits seasonal baselines and applies the 3-sigma residual test.
type Detector struct {
	mode string
	log  *zap.Logger
}

// NewDetector returns a detector using the given seasonal model, either
// "additive" or "multiplicative".
func NewDetector(mode string, log *zap.Logger) *Detector {
	return &Detector{mode: mode, log: log}
}

// Detect runs the full pipeline over one metric series and returns the
// flagged points in timestamp order. Series shorter than minSamples produce
// no findings. The input slice is not modified.
func (d *Detector) Detect(metricName, device string, samples []Sample) ([]Anomaly, error) {
	if len(samples) < minSamples {
		d.log.Warn("not enough samples for anomaly detection",
			zap.String("metric", metricName),
			zap.Int("samples", len(samples)),
			zap.Int("required", minSamples))
		return nil, nil
	}

	ordered := make([]Sample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	timestamps := make([]time.Time, len(ordered))
	values := make([]float64, len(ordered))
	for i, s := range ordered {
		timestamps[i] = s.Timestamp
		values[i] = s.Value
	}

	_, yhat, err := fitSeasonal(timestamps, values, d.mode)
	if err != nil {
		return nil, err
	}

	residuals := make([]float64, len(values))
	for i := range values {
		residuals[i] = values[i] - yhat[i]
	}
	_, fitStd := meanStd(residuals)

	window := maxWindow
	if half := len(residuals) / 2; half < window {
		window = half
	}
	means, stds := rollingStats(residuals, window)

	anomalyType := typeForMetric(metricName)
	var found []Anomaly
	for i := range residuals {
		centered := residuals[i] - means[i]
		if math.Abs(centered) <= sigmaThreshold*stds[i] {
			continue
		}

		expected := yhat[i] + means[i]
		a := Anomaly{
			MetricName: metricName,
			Type:       anomalyType,
			Timestamp:  timestamps[i],
			Value:      values[i],
			Expected:   expected,
			Deviation:  math.Abs(centered),
			Severity:   severityFor(math.Abs(centered), stds[i]),
			Device:     device,
			Metadata: map[string]float64{
				"residual_std":    stds[i],
				"sigma_threshold": sigmaThreshold,
				"lower_bound":     yhat[i] - boundsZ*fitStd,
				"upper_bound":     yhat[i] + boundsZ*fitStd,
			},
		}
		found = append(found, a)
		metrics.AnomaliesDetectedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	}

	d.log.Info("anomaly detection finished",
		zap.String("metric", metricName),
		zap.String("device", device),
		zap.Int("samples", len(ordered)),
		zap.Int("anomalies", len(found)))
	return found, nil
}

// severityFor grades a flagged point by its deviation in units of the local
// residual standard deviation. A zero deviation scale cannot be graded and
// defaults to medium.
func severityFor(deviation, std float64) catalog.Severity {
	if std == 0 {
		return catalog.SeverityMedium
	}
	switch ratio := deviation / std; {
	case ratio >= 5:
		return catalog.SeverityCritical
	case ratio >= 4:
		return catalog.SeverityHigh
	case ratio >= 3:
		return catalog.SeverityMedium
	default:
		return catalog.SeverityLow
	}
}

func typeForMetric(name string) Type {
	if t, ok := metricTypes[name]; ok {
		return t
	}
	return TypeOther
}
