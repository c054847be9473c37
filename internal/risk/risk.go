// Package risk computes a 0-100 composite risk score per subject.
//
// A score is the sum of two parts, clamped to [0, 100]: the weighted
// severities of the subject's unresolved signals inside the lookback window,
// and fixed additive points for static profile factors. The result is
// classified into a level by the policy's threshold table and cached until
// it goes stale.
package risk

import (
	"context"
	"time"

	"github.com/crewmarket/riskguard/internal/policy"
)

// Level is a coarse classification of a score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// Factor names used in Score.Factors.
const (
	FactorSignals           = "signals"
	FactorNewAccount        = "new_account"
	FactorYoungAccount      = "young_account"
	FactorIncompleteProfile = "incomplete_profile"
	FactorUnverifiedEmail   = "unverified_email"
	FactorUnverifiedPhone   = "unverified_phone"
	FactorNoIDVerification  = "no_id_verification"
	FactorDeviceOverage     = "device_overage"
	FactorFailedPayments    = "failed_payments"
)

func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as other or more.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// Classify maps score onto a level, evaluating thresholds top-down.
func Classify(score int, t policy.RiskThresholds) Level {
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Score is the cached risk assessment of one subject.
type Score struct {
	SubjectID     string         `json:"subjectId"`
	Score         int            `json:"score"`
	Level         Level          `json:"level"`
	Factors       map[string]int `json:"factors"`
	SignalCount   int            `json:"signalCount"`
	ComputedAt    time.Time      `json:"computedAt"`
	StaleAfter    time.Time      `json:"staleAfter"`
	PolicyVersion string         `json:"policyVersion"`

	// Cached is true when the value came from the cache.
	Cached bool `json:"cached"`
}

// Fresh reports whether s may still be served at now.
func (s *Score) Fresh(now time.Time) bool {
	return !now.After(s.StaleAfter)
}

// Cache holds the current score per subject. Writes replace.
type Cache interface {
	Get(ctx context.Context, subjectID string) (*Score, bool, error)
	Set(ctx context.Context, score *Score) error
	Delete(ctx context.Context, subjectID string) error
}

// DeviceCounter reports how many distinct devices a subject has used.
type DeviceCounter interface {
	CountDistinct(ctx context.Context, subjectID string) (int, error)
}
