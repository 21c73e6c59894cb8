package httpapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

// mockConsumer implements ConsumerStatus for testing.
type mockConsumer struct {
	joined bool
}

func (m *mockConsumer) IsJoined() bool { return m.joined }

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

func TestHealthz_AlwaysOK(t *testing.T) {
	api := newTestAPI(Deps{})

	w := do(t, api, http.MethodGet, "/healthz", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%v'", body["status"])
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_NoDatabase(t *testing.T) {
	api := newTestAPI(Deps{})

	w := do(t, api, http.MethodGet, "/readyz", "", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "error" {
		t.Errorf("expected postgres 'error', got '%v'", checks["postgres"])
	}
}

func TestReadyz_ConsumerNotJoined(t *testing.T) {
	api := newTestAPI(Deps{
		DB:       &mockDBChecker{},
		Consumer: &mockConsumer{joined: false},
	})

	w := do(t, api, http.MethodGet, "/readyz", "", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	body := decodeBody(t, w)
	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "ok" {
		t.Errorf("expected postgres 'ok', got '%v'", checks["postgres"])
	}
	if checks["broker"] != "not_joined" {
		t.Errorf("expected broker 'not_joined', got '%v'", checks["broker"])
	}
}

func TestReadyz_NoConsumerConfigured(t *testing.T) {
	api := newTestAPI(Deps{DB: &mockDBChecker{}})

	w := do(t, api, http.MethodGet, "/readyz", "", nil)

	// Ingest disabled: the broker check must not count against readiness.
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	checks := body["checks"].(map[string]any)
	if _, present := checks["broker"]; present {
		t.Error("expected no broker check when consumer is not configured")
	}
}

func TestReadyz_CacheDown(t *testing.T) {
	api := newTestAPI(Deps{
		DB:    &mockDBChecker{},
		Cache: &mockDBChecker{err: errors.New("connection refused")},
	})

	w := do(t, api, http.MethodGet, "/readyz", "", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	body := decodeBody(t, w)
	checks := body["checks"].(map[string]any)
	if checks["redis"] != "error" {
		t.Errorf("expected redis 'error', got '%v'", checks["redis"])
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	api := newTestAPI(Deps{
		DB:       &mockDBChecker{},
		Consumer: &mockConsumer{joined: true},
		Cache:    &mockDBChecker{},
	})

	w := do(t, api, http.MethodGet, "/readyz", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}
	checks := body["checks"].(map[string]any)
	for _, name := range []string{"postgres", "broker", "redis"} {
		if checks[name] != "ok" {
			t.Errorf("expected %s 'ok', got '%v'", name, checks[name])
		}
	}
}
