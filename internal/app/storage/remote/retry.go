package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	apperrors "github.com/guildworks/economy/internal/errors"
	"github.com/guildworks/economy/internal/metrics"
)

const (
	defaultMaxAttempts      = 3
	defaultBackoffBase      = 100 * time.Millisecond
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// breaker is a minimal circuit breaker. After threshold consecutive failures
// it opens for cooldown; the first call after cooldown probes the store and
// either closes the breaker or re-opens it.
type breaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time

	threshold int
	cooldown  time.Duration
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a call may proceed.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.After(b.openUntil)
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.mu.Unlock()
	metrics.SetBreakerOpen(false)
}

func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	b.failures++
	tripped := b.failures >= b.threshold
	if tripped {
		b.openUntil = now.Add(b.cooldown)
		b.failures = 0
	}
	b.mu.Unlock()
	if tripped {
		metrics.SetBreakerOpen(true)
	}
}

// callWithRetry runs fn with bounded retry and exponential backoff. Transient
// failures count against the circuit breaker; with the breaker open the call
// fails immediately with ErrStoreUnavailable so callers can degrade.
func (s *Store) callWithRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if !s.breaker.allow(time.Now()) {
		return fmt.Errorf("%w: circuit breaker open", apperrors.ErrStoreUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RecordStoreRetry(operation)
			backoff := defaultBackoffBase << (attempt - 1)
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := fn(ctx)
		if err == nil {
			s.breaker.recordSuccess()
			return nil
		}
		lastErr = err

		var apiErr *apiError
		if !errors.As(err, &apiErr) || !apiErr.transient() {
			// Permanent failures do not trip the breaker and are not retried.
			return err
		}
		s.breaker.recordFailure(time.Now())
	}

	return fmt.Errorf("%w: %s: %v", apperrors.ErrStoreUnavailable, operation, lastErr)
}
