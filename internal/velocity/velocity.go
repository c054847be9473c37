// Package velocity enforces per-action rate limits per subject.
//
// Each (action, subject) pair owns one fixed window counter. Check bumps it
// with a single atomic increment-or-reset and compares the result with the
// action's configured max. Going over the max emits a velocity signal; what
// that means for the request is decided by the caller.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/crewmarket/riskguard/internal/counter"
	"github.com/crewmarket/riskguard/internal/metrics"
	"github.com/crewmarket/riskguard/internal/policy"
	"github.com/crewmarket/riskguard/internal/signals"
	"github.com/crewmarket/riskguard/internal/traces"
)

// Options tune a single check.
type Options struct {
	// API marks a programmatic caller; its max is scaled by the policy's
	// api_multiplier.
	API bool
	// Metadata is attached to any signal the check emits.
	Metadata map[string]any
}

// Result is the outcome of one check.
type Result struct {
	Allowed     bool          `json:"allowed"`
	Count       int64         `json:"count"`
	Max         int           `json:"max"`
	Severity    int           `json:"severity"`
	WindowStart time.Time     `json:"windowStart"`
	Remaining   time.Duration `json:"remaining"`
	PolicyFound bool          `json:"policyFound"`

	// Signal is set when the check went over the limit.
	Signal *signals.Signal `json:"signal,omitempty"`
}

// Limiter checks velocity limits.
type Limiter struct {
	policy   policy.Provider
	counters counter.Store
	signals  signals.Store
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Limiter.
func New(p policy.Provider, counters counter.Store, sigs signals.Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		policy:   p,
		counters: counters,
		signals:  sigs,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// EffectiveMax applies the API multiplier to max. The result is floored
// and never below 1.
func EffectiveMax(max int, api bool, multiplier float64) int {
	if !api || multiplier <= 0 || multiplier >= 1 {
		return max
	}
	scaled := int(math.Floor(float64(max) * multiplier))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// Check counts one occurrence of action by subjectID.
//
// An action without a configured limit is always allowed and never counted.
// When the counter store fails the error wraps counter.ErrStoreUnavailable
// and the Result is zero. When only the signal write fails the Result is
// complete and the error wraps signals.ErrNotRecorded. A committed
// increment is never rolled back, even if ctx is cancelled afterwards.
func (l *Limiter) Check(ctx context.Context, subjectID, action string, opts Options) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "velocity.Check", traces.SubjectID(subjectID), traces.Action(action))
	defer span.End()

	pol := l.policy.Current()
	limit, ok := pol.Limit(action)
	if !ok {
		metrics.VelocityChecksTotal.WithLabelValues("unconfigured", "unknown").Inc()
		return Result{Allowed: true}, nil
	}

	now := l.now()
	w, err := l.counters.Incr(ctx, counter.Key(action, subjectID), limit.Period, pol.Cache.CounterTTL, now)
	if err != nil {
		metrics.VelocityChecksTotal.WithLabelValues(action, "error").Inc()
		traces.RecordError(span, err)
		return Result{}, fmt.Errorf("velocity check %s: %w", action, err)
	}

	res := buildResult(w, limit, pol, opts.API, now)
	if res.Allowed {
		metrics.VelocityChecksTotal.WithLabelValues(action, "allowed").Inc()
		return res, nil
	}
	metrics.VelocityChecksTotal.WithLabelValues(action, "limited").Inc()

	meta := map[string]any{
		"rule":         "velocity_limit",
		"count":        w.Count,
		"max":          res.Max,
		"period":       limit.Period.String(),
		"window_start": w.Start.UTC().Format(time.RFC3339Nano),
		"api":          opts.API,
	}
	for k, v := range opts.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	sig := signals.New(subjectID, action, limit.Severity, signals.SourceVelocity, meta, now)
	res.Signal = sig

	// The signal write must not be abandoned because the caller went away.
	if err := l.signals.Append(context.WithoutCancel(ctx), sig); err != nil {
		l.logger.Error("velocity signal not recorded",
			"subject_id", subjectID, "action", action, "signal_id", sig.ID,
			"severity", sig.Severity, "count", w.Count, "error", err)
		traces.RecordError(span, err)
		return res, fmt.Errorf("%w: %v", signals.ErrNotRecorded, err)
	}

	l.logger.Info("velocity limit exceeded",
		"subject_id", subjectID, "action", action, "count", w.Count,
		"max", res.Max, "severity", limit.Severity, "policy_version", pol.Version)
	return res, nil
}

// Peek reports the current window for (subjectID, action) without counting.
func (l *Limiter) Peek(ctx context.Context, subjectID, action string, api bool) (Result, error) {
	pol := l.policy.Current()
	limit, ok := pol.Limit(action)
	if !ok {
		return Result{Allowed: true}, nil
	}
	w, found, err := l.counters.Peek(ctx, counter.Key(action, subjectID))
	if err != nil {
		return Result{}, fmt.Errorf("velocity peek %s: %w", action, err)
	}
	now := l.now()
	if !found || now.Sub(w.Start) >= limit.Period {
		max := EffectiveMax(limit.Max, api, pol.Velocity.APIMultiplier)
		return Result{
			Allowed:     true,
			Max:         max,
			Severity:    limit.Severity,
			Remaining:   limit.Period,
			PolicyFound: true,
		}, nil
	}
	return buildResult(w, limit, pol, api, now), nil
}

func buildResult(w counter.Window, limit policy.VelocityLimit, pol *policy.Policy, api bool, now time.Time) Result {
	max := EffectiveMax(limit.Max, api, pol.Velocity.APIMultiplier)
	remaining := w.Start.Add(limit.Period).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:     w.Count <= int64(max),
		Count:       w.Count,
		Max:         max,
		Severity:    limit.Severity,
		WindowStart: w.Start,
		Remaining:   remaining,
		PolicyFound: true,
	}
}
