// Package extsvc holds the clients for the three remote services the
// orchestrator consults: the config analyzer, the live-state poller, and the
// prefix-origin feed. Every outbound call goes through a Guard that stacks a
// circuit breaker, bounded retries, and an in-flight semaphore; callers treat
// ErrUnavailable as "unknown", never as a finding.
package extsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/peerwatch/bgp-orchestrator/internal/config"
	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
)

// ErrUnavailable is returned when the circuit is open or every retry was
// exhausted. Rules and the stream consumer degrade to "not determined" on it.
var ErrUnavailable = errors.New("external service unavailable")

// StatusError is a non-2xx HTTP response. 4xx responses are not transient:
// they do not trip the breaker and are not retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Transient reports whether the response indicates a server-side failure
// worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == 429
}

// linearBackOff waits attempt*step between tries.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// Guard wraps outbound calls of one named client. State transitions of the
// breaker are logged and exported as a gauge (0 closed, 1 half-open, 2 open).
type Guard struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	sem     *semaphore.Weighted
	timeout time.Duration
	retries uint64
	step    time.Duration
	log     *zap.Logger
}

func NewGuard(name string, cfg config.ClientsConfig, log *zap.Logger) *Guard {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.Breaker.RecoverySeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Breaker.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn("circuit breaker state change",
				zap.String("client", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A definitive 4xx means the service answered; only transient
			// failures count against the breaker.
			var se *StatusError
			return errors.As(err, &se) && !se.Transient()
		},
	}

	// retries counts re-tries after the first attempt, so RetryAttempts is
	// the total number of calls.
	var retries uint64
	if cfg.RetryAttempts > 0 {
		retries = uint64(cfg.RetryAttempts - 1)
	}

	return &Guard{
		name:    name,
		breaker: gobreaker.NewCircuitBreaker(settings),
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		retries: retries,
		step:    time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		log:     log,
	}
}

// Do runs fn under the semaphore, per-attempt timeout, breaker, and retry
// policy. fn receives a context bounded by the per-call timeout.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring %s slot: %w", g.name, err)
	}
	defer g.sem.Release(1)

	attempt := 0
	bo := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: g.step}, g.retries), ctx)
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			metrics.ExternalRetriesTotal.WithLabelValues(g.name).Inc()
			g.log.Debug("retrying external call",
				zap.String("client", g.name),
				zap.String("op", op),
				zap.Int("attempt", attempt))
		}

		_, err := g.breaker.Execute(func() (interface{}, error) {
			cctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return nil, fn(cctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%w: %s circuit open", ErrUnavailable, g.name))
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Transient() {
			return backoff.Permanent(err)
		}
		return err
	}, bo)

	switch {
	case err == nil:
		metrics.ExternalCallsTotal.WithLabelValues(g.name, "ok").Inc()
		return nil
	case errors.Is(err, ErrUnavailable):
		metrics.ExternalCallsTotal.WithLabelValues(g.name, "unavailable").Inc()
		return err
	default:
		metrics.ExternalCallsTotal.WithLabelValues(g.name, "error").Inc()
		g.log.Warn("external call failed",
			zap.String("client", g.name),
			zap.String("op", op),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return fmt.Errorf("%s %s: %w", g.name, op, err)
	}
}

// State exposes the current breaker state for readiness reporting.
func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}
