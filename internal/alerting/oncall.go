package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/config"
)

// Incident lifecycle states in the on-call system.
const (
	StatusFiring       = "firing"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
	StatusSilenced     = "silenced"
)

const oncallTimeout = 30 * time.Second

// OncallClient creates and transitions incidents in the on-call system.
type OncallClient struct {
	base  string
	token string
	http  *http.Client
	log   *zap.Logger
}

func NewOncallClient(cfg config.OncallConfig, log *zap.Logger) *OncallClient {
	return &OncallClient{
		base:  strings.TrimSuffix(cfg.URL, "/"),
		token: cfg.Token,
		http:  &http.Client{Timeout: oncallTimeout},
		log:   log,
	}
}

// CreateIncident opens an incident for the alert and returns its ID.
func (c *OncallClient) CreateIncident(ctx context.Context, a Alert) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.base+"/incidents", a, &out); err != nil {
		return "", err
	}

	c.log.Info("incident created",
		zap.String("incident_id", out.ID),
		zap.String("title", a.Title),
		zap.String("severity", string(a.Severity)))
	return out.ID, nil
}

// Acknowledge marks an incident as acknowledged, with an optional reason.
func (c *OncallClient) Acknowledge(ctx context.Context, incidentID, reason string) error {
	payload := map[string]string{
		"status":          StatusAcknowledged,
		"acknowledged_at": time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		payload["acknowledgment_reason"] = reason
	}
	if err := c.do(ctx, http.MethodPatch, c.incidentURL(incidentID), payload, nil); err != nil {
		return err
	}

	c.log.Info("incident acknowledged",
		zap.String("incident_id", incidentID),
		zap.String("reason", reason))
	return nil
}

// Resolve marks an incident as resolved, with optional resolution notes.
func (c *OncallClient) Resolve(ctx context.Context, incidentID, notes string) error {
	payload := map[string]string{
		"status":      StatusResolved,
		"resolved_at": time.Now().UTC().Format(time.RFC3339),
	}
	if notes != "" {
		payload["resolution"] = notes
	}
	if err := c.do(ctx, http.MethodPatch, c.incidentURL(incidentID), payload, nil); err != nil {
		return err
	}

	c.log.Info("incident resolved",
		zap.String("incident_id", incidentID),
		zap.String("resolution", notes))
	return nil
}

func (c *OncallClient) incidentURL(incidentID string) string {
	return c.base + "/incidents/" + incidentID
}

func (c *OncallClient) do(ctx context.Context, method, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode oncall payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build oncall request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("oncall request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oncall returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode oncall response: %w", err)
	}
	return nil
}
