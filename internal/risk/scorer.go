package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/crewmarket/riskguard/internal/metrics"
	"github.com/crewmarket/riskguard/internal/policy"
	"github.com/crewmarket/riskguard/internal/profile"
	"github.com/crewmarket/riskguard/internal/signals"
	"github.com/crewmarket/riskguard/internal/traces"
)

// Sampler decides whether a cache hit should be recomputed anyway. It is
// called with the policy's freshness sample rate.
type Sampler func(rate float64) bool

// RandomSampler fires with probability rate.
func RandomSampler(rate float64) bool {
	return rate > 0 && rand.Float64() < rate
}

// Scorer computes and caches risk scores.
type Scorer struct {
	policy   policy.Provider
	signals  signals.Store
	profiles profile.Source
	devices  DeviceCounter
	cache    Cache
	logger   *slog.Logger
	now      func() time.Time
	sample   Sampler
}

// NewScorer creates a Scorer. devices may be nil, in which case the device
// overage factor never applies.
func NewScorer(p policy.Provider, sigs signals.Store, profiles profile.Source, devices DeviceCounter, cache Cache, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		policy:   p,
		signals:  sigs,
		profiles: profiles,
		devices:  devices,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
		sample:   RandomSampler,
	}
}

// WithClock replaces the time source (tests).
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// WithSampler replaces the freshness sampler.
func (s *Scorer) WithSampler(fn Sampler) *Scorer {
	s.sample = fn
	return s
}

// Score returns the subject's current score. A cached score is served when
// it is not stale, was computed under the current policy version, force is
// false, and the freshness sampler does not fire. Otherwise the score is
// recomputed and replaces the cached one.
func (s *Scorer) Score(ctx context.Context, subjectID string, force bool) (*Score, error) {
	ctx, span := traces.StartSpan(ctx, "risk.Score", traces.SubjectID(subjectID))
	defer span.End()

	pol := s.policy.Current()
	now := s.now()

	trigger := "forced"
	if !force {
		var cached *Score
		cached, trigger = s.lookup(ctx, subjectID, pol, now)
		if cached != nil {
			cached.Cached = true
			span.SetAttributes(traces.Score(cached.Score))
			return cached, nil
		}
	}

	score, err := s.compute(ctx, subjectID, pol, now)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	metrics.ScoreRecomputesTotal.WithLabelValues(trigger).Inc()
	metrics.RiskScores.Observe(float64(score.Score))
	span.SetAttributes(traces.Score(score.Score))

	if err := s.cache.Set(ctx, score); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("score_cache").Inc()
		s.logger.Warn("failed to cache risk score", "subject_id", subjectID, "error", err)
	}
	return score, nil
}

// lookup returns the cached score when it can be served, or the reason it
// cannot.
func (s *Scorer) lookup(ctx context.Context, subjectID string, pol *policy.Policy, now time.Time) (*Score, string) {
	cached, ok, err := s.cache.Get(ctx, subjectID)
	switch {
	case err != nil:
		metrics.StoreErrorsTotal.WithLabelValues("score_cache").Inc()
		s.logger.Warn("risk score cache read failed", "subject_id", subjectID, "error", err)
		return nil, "miss"
	case !ok:
		return nil, "miss"
	case !cached.Fresh(now):
		return nil, "stale"
	case cached.PolicyVersion != pol.Version:
		return nil, "policy_changed"
	case s.sample != nil && s.sample(pol.Risk.FreshnessSampleRate):
		return nil, "sampled"
	}
	return cached, ""
}

// Invalidate drops the cached score so the next read recomputes.
func (s *Scorer) Invalidate(ctx context.Context, subjectID string) error {
	return s.cache.Delete(ctx, subjectID)
}

func (s *Scorer) compute(ctx context.Context, subjectID string, pol *policy.Policy, now time.Time) (*Score, error) {
	sigs, err := s.signals.ListUnresolved(ctx, subjectID, now.Add(-pol.Risk.Lookback))
	if err != nil {
		return nil, fmt.Errorf("list signals for score: %w", err)
	}

	var prof *profile.Profile
	if s.profiles != nil {
		prof, err = s.profiles.Get(ctx, subjectID)
		if err != nil && !errors.Is(err, profile.ErrNotFound) {
			return nil, fmt.Errorf("load profile for score: %w", err)
		}
	}

	devices := 0
	if s.devices != nil {
		devices, err = s.devices.CountDistinct(ctx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("count devices for score: %w", err)
		}
	}

	factors := Factors(sigs, prof, devices, pol, now)
	total := 0
	for _, v := range factors {
		total += v
	}
	total = clamp(total)

	return &Score{
		SubjectID:     subjectID,
		Score:         total,
		Level:         Classify(total, pol.Risk.Thresholds),
		Factors:       factors,
		SignalCount:   len(sigs),
		ComputedAt:    now,
		StaleAfter:    now.Add(pol.Risk.StaleAfter),
		PolicyVersion: pol.Version,
	}, nil
}

// Factors returns the point contribution of every factor that applies.
// It is a pure function of its inputs. A nil profile contributes no
// profile factors.
func Factors(sigs []*signals.Signal, prof *profile.Profile, distinctDevices int, pol *policy.Policy, now time.Time) map[string]int {
	w := pol.Risk.Weights
	factors := make(map[string]int)

	var signalPoints float64
	for _, sig := range sigs {
		if sig == nil || sig.Resolved() {
			continue
		}
		signalPoints += float64(signals.ClampSeverity(sig.Severity)) * pol.Risk.SignalMultiplier
	}
	if signalPoints > 0 {
		factors[FactorSignals] = int(math.Round(signalPoints))
	}

	if prof != nil {
		age := prof.AccountAge(now)
		day := 24 * time.Hour
		switch {
		case age < time.Duration(w.NewAccountDays)*day:
			factors[FactorNewAccount] = w.NewAccount
		case age < time.Duration(w.YoungAccountDays)*day:
			factors[FactorYoungAccount] = w.YoungAccount
		}
		if prof.ProfileCompleteness < w.ProfileCompletePct {
			factors[FactorIncompleteProfile] = w.IncompleteProfile
		}
		if !prof.EmailVerified {
			factors[FactorUnverifiedEmail] = w.UnverifiedEmail
		}
		if !prof.PhoneVerified {
			factors[FactorUnverifiedPhone] = w.UnverifiedPhone
		}
		if !prof.IDVerified {
			factors[FactorNoIDVerification] = w.NoIDVerification
		}
		if prof.FailedPayments > 0 {
			factors[FactorFailedPayments] = min(prof.FailedPayments*w.PerFailedPayment, w.FailedPaymentCap)
		}
	}

	if distinctDevices > pol.Device.MaxTrustedDevices {
		factors[FactorDeviceOverage] = w.DeviceOverage
	}

	for k, v := range factors {
		if v == 0 {
			delete(factors, k)
		}
	}
	return factors
}

func clamp(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
