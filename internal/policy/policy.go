// Package policy holds the engine's risk policy: velocity limits, scoring
// weights, decision thresholds, device and travel rules.
//
// A *Policy is immutable once compiled. Hot reload builds a new Policy and
// swaps the pointer held by a Manager; components read Provider.Current()
// once per call and never mutate what they get back.
package policy

import (
	"errors"
	"time"

	"github.com/gobwas/glob"
)

// ErrInvalidPolicy is returned when a policy fails validation.
var ErrInvalidPolicy = errors.New("policy: invalid")

// Provider hands out the policy currently in force.
type Provider interface {
	Current() *Policy
}

// VelocityLimit caps how often an action may happen per subject per period.
type VelocityLimit struct {
	Max      int           `mapstructure:"max" json:"max" validate:"min=1"`
	Period   time.Duration `mapstructure:"period" json:"period" validate:"gt=0"`
	Severity int           `mapstructure:"severity" json:"severity" validate:"min=1,max=10"`
}

// VelocityPolicy configures the velocity limiter.
type VelocityPolicy struct {
	Limits map[string]VelocityLimit `mapstructure:"limits" json:"limits" validate:"dive"`
	// APIMultiplier scales Max for API-channel callers (0.5 halves the limit).
	APIMultiplier float64 `mapstructure:"api_multiplier" json:"apiMultiplier" validate:"gt=0,lte=1"`
}

// RiskWeights are the fixed point values of the static profile factors.
type RiskWeights struct {
	NewAccountDays     int `mapstructure:"new_account_days" json:"newAccountDays" validate:"min=0"`
	NewAccount         int `mapstructure:"new_account" json:"newAccount" validate:"min=0,max=100"`
	YoungAccountDays   int `mapstructure:"young_account_days" json:"youngAccountDays" validate:"min=0"`
	YoungAccount       int `mapstructure:"young_account" json:"youngAccount" validate:"min=0,max=100"`
	ProfileCompletePct int `mapstructure:"profile_complete_pct" json:"profileCompletePct" validate:"min=0,max=100"`
	IncompleteProfile  int `mapstructure:"incomplete_profile" json:"incompleteProfile" validate:"min=0,max=100"`
	UnverifiedEmail    int `mapstructure:"unverified_email" json:"unverifiedEmail" validate:"min=0,max=100"`
	UnverifiedPhone    int `mapstructure:"unverified_phone" json:"unverifiedPhone" validate:"min=0,max=100"`
	NoIDVerification   int `mapstructure:"no_id_verification" json:"noIdVerification" validate:"min=0,max=100"`
	DeviceOverage      int `mapstructure:"device_overage" json:"deviceOverage" validate:"min=0,max=100"`
	PerFailedPayment   int `mapstructure:"per_failed_payment" json:"perFailedPayment" validate:"min=0,max=100"`
	FailedPaymentCap   int `mapstructure:"failed_payment_cap" json:"failedPaymentCap" validate:"min=0,max=100"`
}

// RiskThresholds are the lower bounds of each level, evaluated top-down.
type RiskThresholds struct {
	Critical int `mapstructure:"critical" json:"critical" validate:"min=1,max=100"`
	High     int `mapstructure:"high" json:"high" validate:"min=1,max=100"`
	Medium   int `mapstructure:"medium" json:"medium" validate:"min=1,max=100"`
}

// RiskPolicy configures the risk scorer.
type RiskPolicy struct {
	SignalMultiplier    float64        `mapstructure:"signal_multiplier" json:"signalMultiplier" validate:"gt=0"`
	Lookback            time.Duration  `mapstructure:"lookback" json:"lookback" validate:"gt=0"`
	StaleAfter          time.Duration  `mapstructure:"stale_after" json:"staleAfter" validate:"gt=0"`
	FreshnessSampleRate float64        `mapstructure:"freshness_sample_rate" json:"freshnessSampleRate" validate:"gte=0,lte=1"`
	Weights             RiskWeights    `mapstructure:"weights" json:"weights"`
	Thresholds          RiskThresholds `mapstructure:"thresholds" json:"thresholds"`
}

// DecisionPolicy configures the decision gate.
type DecisionPolicy struct {
	BlockThreshold             int      `mapstructure:"block_threshold" json:"blockThreshold" validate:"min=1,max=10"`
	AdminNotificationThreshold int      `mapstructure:"admin_notification_threshold" json:"adminNotificationThreshold" validate:"min=1,max=10"`
	SensitiveActions           []string `mapstructure:"sensitive_actions" json:"sensitiveActions"`
	SensitiveRoutes            []string `mapstructure:"sensitive_routes" json:"sensitiveRoutes"`
}

// DevicePolicy configures device fingerprint trust.
type DevicePolicy struct {
	AutoTrustThreshold   int `mapstructure:"auto_trust_threshold" json:"autoTrustThreshold" validate:"min=1"`
	MaxTrustedDevices    int `mapstructure:"max_trusted_devices" json:"maxTrustedDevices" validate:"min=1"`
	ExcessDeviceSeverity int `mapstructure:"excess_device_severity" json:"excessDeviceSeverity" validate:"min=1,max=10"`
}

// TravelPolicy configures impossible-travel detection.
type TravelPolicy struct {
	ImpossibleSpeedKMH  float64 `mapstructure:"impossible_speed_kmh" json:"impossibleSpeedKmh" validate:"gt=0"`
	DistanceThresholdKM float64 `mapstructure:"distance_threshold_km" json:"distanceThresholdKm" validate:"gte=0"`
	// SeverityFloor is the severity emitted right at the speed threshold.
	SeverityFloor int `mapstructure:"severity_floor" json:"severityFloor" validate:"min=1,max=10"`
	// SaturationRatio is the speed/threshold ratio at which severity reaches 10.
	SaturationRatio float64 `mapstructure:"saturation_ratio" json:"saturationRatio" validate:"gt=1"`
}

// RetentionPolicy configures cleanup of location events and fingerprints.
type RetentionPolicy struct {
	RetentionDays  int           `mapstructure:"retention_days" json:"retentionDays" validate:"min=1"`
	LocationWindow time.Duration `mapstructure:"location_window" json:"locationWindow" validate:"gt=0"`
}

// CachePolicy configures the shared counter store.
type CachePolicy struct {
	// CounterTTL must be at least the longest velocity period.
	CounterTTL time.Duration `mapstructure:"counter_ttl" json:"counterTtl" validate:"gt=0"`
}

// Policy is one immutable, versioned snapshot of the engine configuration.
type Policy struct {
	Version   string          `mapstructure:"version" json:"version"`
	Velocity  VelocityPolicy  `mapstructure:"velocity" json:"velocity"`
	Risk      RiskPolicy      `mapstructure:"risk" json:"risk"`
	Decision  DecisionPolicy  `mapstructure:"decision" json:"decision"`
	Device    DevicePolicy    `mapstructure:"device" json:"device"`
	Travel    TravelPolicy    `mapstructure:"travel" json:"travel"`
	Retention RetentionPolicy `mapstructure:"retention" json:"retention"`
	Cache     CachePolicy     `mapstructure:"cache" json:"cache"`

	sensitiveActions []glob.Glob
	sensitiveRoutes  []glob.Glob
}

// Limit returns the velocity limit configured for action.
func (p *Policy) Limit(action string) (VelocityLimit, bool) {
	l, ok := p.Velocity.Limits[action]
	return l, ok
}

// LongestPeriod returns the longest configured velocity period.
func (p *Policy) LongestPeriod() time.Duration {
	var longest time.Duration
	for _, l := range p.Velocity.Limits {
		if l.Period > longest {
			longest = l.Period
		}
	}
	return longest
}

// IsSensitiveAction reports whether action matches a sensitive-action glob.
func (p *Policy) IsSensitiveAction(action string) bool {
	return matchAny(p.sensitiveActions, action)
}

// IsSensitiveRoute reports whether path matches a sensitive-route glob.
func (p *Policy) IsSensitiveRoute(path string) bool {
	return matchAny(p.sensitiveRoutes, path)
}

func matchAny(globs []glob.Glob, s string) bool {
	if s == "" {
		return false
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Static is a Provider that always returns the same policy.
type Static struct {
	p *Policy
}

// NewStatic wraps a compiled policy as a Provider.
func NewStatic(p *Policy) Static {
	return Static{p: p}
}

// Current implements Provider.
func (s Static) Current() *Policy {
	return s.p
}
