// Package botretry implements spec §2 item 12's "retryable-error
// classification with jittered exponential backoff for bot-participant
// creation": classifying which failures are worth retrying, and a retry
// policy tuned for that specific call site, built on the shared
// internal/resilience backoff primitive.
package botretry

import (
	"context"
	"math/rand"
	"time"

	leaderrors "github.com/typemaster/leaderboard/internal/errors"
	"github.com/typemaster/leaderboard/internal/resilience"
)

// Classifier decides whether a failed bot-creation attempt is worth
// retrying. Transient errors (store unavailable, network timeouts,
// optimistic-lock conflicts, downstream busy) are retryable; invariant,
// capacity, and policy errors are not — retrying a room-full or
// room-started rejection can never succeed.
type Classifier struct{}

// NewClassifier creates a Classifier.
func NewClassifier() Classifier { return Classifier{} }

// Retryable reports whether err is worth a retry attempt.
func (Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	svcErr := leaderrors.GetServiceError(err)
	if svcErr == nil {
		// An unclassified error (e.g. a raw network/driver error that never
		// got wrapped) is treated as transient: safer to retry a handful of
		// times than to silently drop a bot that could otherwise fill the race.
		return true
	}
	switch svcErr.Code {
	case leaderrors.ErrCodeStoreUnavailable, leaderrors.ErrCodeNetworkTimeout,
		leaderrors.ErrCodeOptimisticLock, leaderrors.ErrCodeDownstreamBusy:
		return true
	default:
		return false
	}
}

// DefaultBackoff is the retry policy for bot-participant creation: a few
// quick attempts, since a race's countdown window is short.
func DefaultBackoff() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1500 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.3,
	}
}

// Backoff retries fn per cfg, but — unlike the generic resilience.Retry —
// stops immediately, without waiting out the remaining attempts, the
// moment Classifier reports a failure as non-retryable.
type Backoff struct {
	cfg        resilience.RetryConfig
	classifier Classifier
}

// NewBackoff creates a Backoff using cfg (pass DefaultBackoff() for the
// spec's tuned policy).
func NewBackoff(cfg resilience.RetryConfig) Backoff {
	return Backoff{cfg: cfg, classifier: NewClassifier()}
}

// Run executes fn, retrying on retryable errors per the configured policy,
// and returning immediately on the first non-retryable error.
func (b Backoff) Run(ctx context.Context, fn func() error) error {
	delay := b.cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !b.classifier.Retryable(err) {
			return err
		}
		if attempt < b.cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(delay, b.cfg.Jitter)):
			}
			delay = nextDelay(delay, b.cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg resilience.RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
