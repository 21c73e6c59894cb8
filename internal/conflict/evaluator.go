// Package conflict evaluates detection rules against a candidate peering and
// a snapshot of the fleet. The evaluator fails open: a rule that errors,
// panics, or outruns its deadline contributes nothing, and never blocks the
// other rules or the mutation that triggered the check.
package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
)

// Rule checks one class of misconfiguration. A rule reports at most one
// conflict per invocation and must not mutate the candidate or the snapshot.
type Rule interface {
	Name() string
	Check(ctx context.Context, candidate *catalog.Peering, snapshot []catalog.Peering) (*catalog.Conflict, error)
}

// Evaluator runs every registered rule concurrently, each under its own
// deadline, and aggregates findings in registration order. It satisfies
// catalog.Detector.
type Evaluator struct {
	mu      sync.RWMutex
	rules   []Rule
	timeout time.Duration
	log     *zap.Logger
}

func NewEvaluator(timeout time.Duration, log *zap.Logger) *Evaluator {
	return &Evaluator{timeout: timeout, log: log}
}

// Register appends the rule. Registration order is the order findings are
// reported in.
func (e *Evaluator) Register(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// Unregister removes the named rule and reports whether it was present.
func (e *Evaluator) Unregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.Name() == name {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// RuleNames returns the registered rule names in evaluation order.
func (e *Evaluator) RuleNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

type ruleOutcome struct {
	conflict *catalog.Conflict
	err      error
}

// Detect runs all rules in parallel against (candidate, snapshot) and returns
// the aggregated findings once every rule has settled. Findings keep
// registration order regardless of completion order.
func (e *Evaluator) Detect(ctx context.Context, candidate *catalog.Peering, snapshot []catalog.Peering) []catalog.Conflict {
	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	results := make([]*catalog.Conflict, len(rules))
	var wg sync.WaitGroup
	for i, rule := range rules {
		wg.Add(1)
		go func(slot int, rule Rule) {
			defer wg.Done()
			results[slot] = e.runRule(ctx, rule, candidate, snapshot)
		}(i, rule)
	}
	wg.Wait()

	conflicts := []catalog.Conflict{}
	for _, c := range results {
		if c != nil {
			metrics.ConflictsDetectedTotal.WithLabelValues(string(c.Type), string(c.Severity)).Inc()
			conflicts = append(conflicts, *c)
		}
	}
	return conflicts
}

// runRule executes one rule under the per-rule deadline. The rule runs in its
// own goroutine so a rule that ignores its context still cannot hold up the
// evaluation; an abandoned rule finishes into a buffered channel and is
// discarded.
func (e *Evaluator) runRule(ctx context.Context, rule Rule, candidate *catalog.Peering, snapshot []catalog.Peering) *catalog.Conflict {
	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan ruleOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ruleOutcome{err: fmt.Errorf("rule panicked: %v", r)}
			}
		}()
		conflict, err := rule.Check(rctx, candidate, snapshot)
		done <- ruleOutcome{conflict: conflict, err: err}
	}()

	var outcome string
	var conflict *catalog.Conflict
	select {
	case res := <-done:
		switch {
		case res.err != nil:
			outcome = "error"
			e.log.Warn("conflict rule failed",
				zap.String("rule", rule.Name()),
				zap.Int64("peering_id", candidate.ID),
				zap.Error(res.err))
		case res.conflict != nil:
			outcome = "conflict"
			conflict = res.conflict
		default:
			outcome = "ok"
		}
	case <-rctx.Done():
		outcome = "timeout"
		e.log.Warn("conflict rule timed out",
			zap.String("rule", rule.Name()),
			zap.Int64("peering_id", candidate.ID),
			zap.Duration("timeout", e.timeout))
	}

	metrics.RuleDuration.WithLabelValues(rule.Name()).Observe(time.Since(start).Seconds())
	metrics.RuleEvaluationsTotal.WithLabelValues(rule.Name(), outcome).Inc()
	return conflict
}
