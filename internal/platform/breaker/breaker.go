// Package breaker implements a circuit breaker around calls to a named
// remote dependency. The breaker opens after a threshold of consecutive
// failures and fails fast until a recovery window elapses, at which point a
// single probe call is let through; its success closes the breaker again.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/errs"
)

// State is the observable breaker state.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Breaker guards calls to one named dependency.
type Breaker struct {
	name         string
	threshold    int
	recoveryTime time.Duration
	log          zerolog.Logger

	mu           sync.Mutex
	failureCount int
	openSince    time.Time
	open         bool

	now func() time.Time // overridable in tests
}

// New creates a closed breaker. threshold is the number of consecutive
// failures that opens it; recoveryTime is the cool-down before a probe.
func New(name string, threshold int, recoveryTime time.Duration, log zerolog.Logger) *Breaker {
	return &Breaker{
		name:         name,
		threshold:    threshold,
		recoveryTime: recoveryTime,
		log:          log.With().Str("breaker", name).Logger(),
		now:          time.Now,
	}
}

// Execute invokes fn unless the breaker is open and still cooling down, in
// which case it fails fast with errs.ErrRemoteUnavailable without calling fn.
// A successful call resets the failure count and closes the breaker; a failed
// call increments it and opens the breaker once the threshold is reached.
//
// The lock is never held across fn: state is read before the call and
// written after it.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.open {
		if b.now().Sub(b.openSince) < b.recoveryTime {
			b.mu.Unlock()
			return errs.ErrRemoteUnavailable
		}
		// Recovery window elapsed: let this call through as a half-open probe.
		b.log.Debug().Msg("half-open probe")
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failureCount++
		if b.failureCount >= b.threshold && !b.open {
			b.open = true
			b.openSince = b.now()
			b.log.Warn().Int("failures", b.failureCount).Msg("breaker opened")
		} else if b.open {
			// Failed probe: restart the cool-down.
			b.openSince = b.now()
		}
		return err
	}

	if b.open || b.failureCount > 0 {
		b.log.Info().Msg("breaker closed")
	}
	b.failureCount = 0
	b.open = false
	return nil
}

// State returns the current state for observability.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return StateOpen
	}
	return StateClosed
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
