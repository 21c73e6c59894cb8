package extsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
)

// readyProbeWindow bounds how long the first call waits for the analyzer
// backend to come up.
const readyProbeWindow = 30 * time.Second

type ValidationSeverity string

const (
	ValidationError   ValidationSeverity = "error"
	ValidationWarning ValidationSeverity = "warning"
	ValidationInfo    ValidationSeverity = "info"
)

// CompatibilityIssue is a per-session finding from the analyzer.
type CompatibilityIssue struct {
	SessionName    string             `json:"session_name"`
	IssueType      string             `json:"issue_type"`
	Severity       ValidationSeverity `json:"severity"`
	Description    string             `json:"description"`
	Recommendation string             `json:"recommendation,omitempty"`
}

// RoutingLoop is a loop detected by the analyzer's path analysis.
type RoutingLoop struct {
	LoopType         string             `json:"loop_type"`
	AffectedPrefixes []string           `json:"affected_prefixes"`
	ASPath           []uint32           `json:"as_path"`
	Severity         ValidationSeverity `json:"severity"`
	Description      string             `json:"description"`
}

type ValidationResult struct {
	Valid    bool                 `json:"valid"`
	Errors   []string             `json:"errors"`
	Warnings []string             `json:"warnings"`
	Issues   []CompatibilityIssue `json:"issues"`
	Loops    []RoutingLoop        `json:"loops"`
	Summary  string               `json:"summary,omitempty"`
}

// Analyzer validates rendered router configuration against the remote config
// analysis service. The backend can take a while to boot, so the client is
// lazy: the first call polls the health endpoint before submitting work.
type Analyzer struct {
	endpoint string
	http     *http.Client
	guard    *Guard
	log      *zap.Logger

	mu    sync.Mutex
	ready atomic.Bool
}

func NewAnalyzer(endpoint string, guard *Guard, log *zap.Logger) *Analyzer {
	return &Analyzer{
		endpoint: endpoint,
		http:     &http.Client{},
		guard:    guard,
		log:      log,
	}
}

// NeighborConfig renders the minimal router stanza for one peering, in the
// form the analyzer expects. Timers are keepalive first, then hold time.
func NeighborConfig(p *catalog.Peering) string {
	return fmt.Sprintf(
		"router bgp %d\n neighbor %s remote-as %d\n neighbor %s timers %d %d\n",
		p.LocalASN, p.PeerIP, p.PeerASN, p.PeerIP, p.Keepalive, p.HoldTime)
}

// ValidateConfig submits configuration text and returns the findings.
func (a *Analyzer) ValidateConfig(ctx context.Context, configText string) (*ValidationResult, error) {
	if err := a.ensureReady(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var result ValidationResult
	err := a.guard.Do(ctx, "validate_config", func(ctx context.Context) error {
		body, err := json.Marshal(map[string]string{"config": configText})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/v1/validate", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ensureReady polls the analyzer's health endpoint until it answers or the
// probe window elapses. Subsequent calls are free once it has answered.
func (a *Analyzer) ensureReady(ctx context.Context) error {
	if a.ready.Load() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ready.Load() {
		return nil
	}

	deadline := time.Now().Add(readyProbeWindow)
	for {
		err := a.ping(ctx)
		if err == nil {
			a.ready.Store(true)
			a.log.Info("config analyzer ready", zap.String("endpoint", a.endpoint))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("analyzer not ready after %s: %w", readyProbeWindow, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (a *Analyzer) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, a.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
