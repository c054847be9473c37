// Package retention prunes expired location and device history on a timer.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/crewmarket/riskguard/internal/metrics"
	"github.com/crewmarket/riskguard/internal/policy"
)

// Pruner deletes rows older than cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper is implemented by in-process stores that expire entries lazily.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Result summarizes one pass.
type Result struct {
	Locations int64
	Devices   int64
	Counters  int
}

// Timer periodically prunes history according to the current policy.
type Timer struct {
	policy    policy.Provider
	locations Pruner
	devices   Pruner
	counters  Sweeper // optional
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates a retention timer.
func NewTimer(p policy.Provider, locations, devices Pruner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		policy:    p,
		locations: locations,
		devices:   devices,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// WithCounters also sweeps expired in-memory velocity windows.
func (t *Timer) WithCounters(s Sweeper) *Timer {
	t.counters = s
	return t
}

// WithClock overrides the time source.
func (t *Timer) WithClock(now func() time.Time) *Timer {
	t.now = now
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic retention loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in retention timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.RunOnce(ctx); err != nil {
		t.logger.Warn("retention run failed", "error", err)
	}
}

// RunOnce performs a single pruning pass. Both stores are attempted even
// when the first fails; the first error is returned.
func (t *Timer) RunOnce(ctx context.Context) (Result, error) {
	pol := t.policy.Current()
	now := t.now()
	var (
		res      Result
		firstErr error
	)

	n, err := t.locations.Prune(ctx, now.Add(-pol.Retention.LocationWindow))
	if err != nil {
		firstErr = fmt.Errorf("failed to prune locations: %w", err)
	} else {
		res.Locations = n
		metrics.RetentionPrunedTotal.WithLabelValues("location").Add(float64(n))
	}

	deviceCutoff := now.Add(-time.Duration(pol.Retention.RetentionDays) * 24 * time.Hour)
	n, err = t.devices.Prune(ctx, deviceCutoff)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to prune devices: %w", err)
		}
	} else {
		res.Devices = n
		metrics.RetentionPrunedTotal.WithLabelValues("device").Add(float64(n))
	}

	if t.counters != nil {
		res.Counters = t.counters.Sweep(now)
		metrics.RetentionPrunedTotal.WithLabelValues("counter").Add(float64(res.Counters))
	}

	if res.Locations > 0 || res.Devices > 0 || res.Counters > 0 {
		t.logger.Info("retention pass complete",
			"locations", res.Locations, "devices", res.Devices, "counters", res.Counters)
	}
	return res, firstErr
}
