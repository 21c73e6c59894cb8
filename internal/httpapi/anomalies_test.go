package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/peerwatch/bgp-orchestrator/internal/anomaly"
	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
)

func TestDetectAnomalies_LengthMismatch(t *testing.T) {
	api := newTestAPI(Deps{Detector: &fakeDetector{}, Anomalies: &fakeAnomalyStore{}})

	w := do(t, api, http.MethodPost, "/anomalies/detect",
		`{"metric_name":"bgp_flaps","timestamps":["2026-08-25T00:00:00Z"],"values":[1,2]}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["detail"] != "timestamps and values must have the same length" {
		t.Errorf("unexpected detail: %v", body["detail"])
	}
}

func TestDetectAnomalies_MetricNameRequired(t *testing.T) {
	api := newTestAPI(Deps{Detector: &fakeDetector{}, Anomalies: &fakeAnomalyStore{}})

	w := do(t, api, http.MethodPost, "/anomalies/detect",
		`{"timestamps":[],"values":[]}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDetectAnomalies_PersistsFindings(t *testing.T) {
	found := []anomaly.Anomaly{{
		MetricName: "bgp_flaps_192.0.2.1_174",
		Type:       anomaly.TypeBGPFlap,
		Timestamp:  time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC),
		Value:      42,
		Expected:   3,
		Deviation:  39,
		Severity:   catalog.SeverityCritical,
	}}
	store := &fakeAnomalyStore{}
	api := newTestAPI(Deps{Detector: &fakeDetector{found: found}, Anomalies: store})

	w := do(t, api, http.MethodPost, "/anomalies/detect",
		`{"metric_name":"bgp_flaps_192.0.2.1_174","timestamps":["2026-08-25T14:00:00Z"],"values":[42]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 anomaly persisted, got %d", len(store.inserted))
	}
	body := decodeBody(t, w)
	if body["count"] != float64(1) {
		t.Errorf("expected count 1, got %v", body["count"])
	}
	anomalies := body["anomalies"].([]any)
	first := anomalies[0].(map[string]any)
	if first["id"] != float64(1) {
		t.Errorf("expected stored id 1, got %v", first["id"])
	}
	if first["severity"] != "critical" {
		t.Errorf("expected severity critical, got %v", first["severity"])
	}
}

func TestListAnomalies_QueryParsed(t *testing.T) {
	store := &fakeAnomalyStore{}
	api := newTestAPI(Deps{Anomalies: store})

	w := do(t, api, http.MethodGet, "/anomalies?metric_name=bgp_flaps&device=edge1&severity=high&hours=48", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if store.listQ.Metric != "bgp_flaps" || store.listQ.Device != "edge1" {
		t.Errorf("filters not passed through: %+v", store.listQ)
	}
	if store.listQ.Severity != catalog.SeverityHigh {
		t.Errorf("expected severity high, got %v", store.listQ.Severity)
	}
	if store.listQ.Window != 48*time.Hour {
		t.Errorf("expected window 48h, got %v", store.listQ.Window)
	}
}

func TestListAnomalies_HoursOutOfRange(t *testing.T) {
	api := newTestAPI(Deps{Anomalies: &fakeAnomalyStore{}})

	w := do(t, api, http.MethodGet, "/anomalies?hours=200", "", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetAnomaly_NotFound(t *testing.T) {
	api := newTestAPI(Deps{Anomalies: &fakeAnomalyStore{}})

	w := do(t, api, http.MethodGet, "/anomalies/9", "", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["detail"] != "Anomaly with ID 9 not found" {
		t.Errorf("unexpected detail: %v", body["detail"])
	}
}
