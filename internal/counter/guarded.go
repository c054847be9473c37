package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crewmarket/riskguard/internal/circuitbreaker"
)

// Guarded routes a Store through a circuit breaker. While the breaker is
// open calls fail immediately with ErrStoreUnavailable.
type Guarded struct {
	store   Store
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps store with breaker.
func NewGuarded(store Store, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{store: store, breaker: breaker}
}

func (g *Guarded) Incr(ctx context.Context, key string, period, ttl time.Duration, now time.Time) (Window, error) {
	var w Window
	err := g.breaker.Do(func() error {
		var err error
		w, err = g.store.Incr(ctx, key, period, ttl, now)
		return err
	})
	return w, mapBreakerErr(err)
}

func (g *Guarded) Peek(ctx context.Context, key string) (Window, bool, error) {
	var (
		w     Window
		found bool
	)
	err := g.breaker.Do(func() error {
		var err error
		w, found, err = g.store.Peek(ctx, key)
		return err
	})
	return w, found, mapBreakerErr(err)
}

// Ping bypasses the breaker so health checks see the real backend.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

func mapBreakerErr(err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
