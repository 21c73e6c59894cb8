package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/peerwatch/bgp-orchestrator/internal/anomaly"
	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
)

type detectRequest struct {
	MetricName string      `json:"metric_name"`
	Timestamps []time.Time `json:"timestamps"`
	Values     []float64   `json:"values"`
	Device     string      `json:"device,omitempty"`
}

// detectAnomalies runs the seasonal detector over a submitted series and
// persists whatever it flags.
func (a *API) detectAnomalies(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.MetricName == "" {
		badRequest(w, "metric_name is required")
		return
	}
	if len(req.Timestamps) != len(req.Values) {
		badRequest(w, "timestamps and values must have the same length")
		return
	}

	samples := make([]anomaly.Sample, len(req.Values))
	for i := range req.Values {
		samples[i] = anomaly.Sample{Timestamp: req.Timestamps[i], Value: req.Values[i]}
	}

	found, err := a.deps.Detector.Detect(req.MetricName, req.Device, samples)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	stored, err := a.deps.Anomalies.Insert(r.Context(), found)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": stored,
		"count":     len(stored),
	})
}

func (a *API) listAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := anomaly.Query{
		Metric:   q.Get("metric_name"),
		Device:   q.Get("device"),
		Severity: catalog.Severity(q.Get("severity")),
	}
	if raw := q.Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 168 {
			badRequest(w, "hours must be between 1 and 168")
			return
		}
		query.Window = time.Duration(n) * time.Hour
	}

	anomalies, err := a.deps.Anomalies.List(r.Context(), query)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, anomalies)
}

func (a *API) getAnomaly(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	found, err := a.deps.Anomalies.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}
