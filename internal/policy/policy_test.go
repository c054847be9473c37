package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
version: "2026-10-01"
velocity:
  api_multiplier: 0.5
  limits:
    withdrawal_request:
      max: 3
      period: 24h
      severity: 7
    login:
      max: 5
      period: 1h
      severity: 4
risk:
  stale_after: 30m
  thresholds:
    critical: 90
    high: 70
    medium: 40
decision:
  block_threshold: 8
  sensitive_actions: ["withdrawal_request", "payout_*"]
  sensitive_routes: ["/api/*/withdrawals/**"]
cache:
  counter_ttl: 25h
`

func TestDefault_Compiles(t *testing.T) {
	p := Default()
	assert.Equal(t, DefaultVersion, p.Version)

	l, ok := p.Limit("withdrawal_request")
	require.True(t, ok)
	assert.Equal(t, 3, l.Max)
	assert.Equal(t, 24*time.Hour, l.Period)
	assert.Equal(t, 7, l.Severity)

	assert.GreaterOrEqual(t, p.Cache.CounterTTL, p.LongestPeriod())
}

func TestParse_OverridesDefaults(t *testing.T) {
	p, err := Parse([]byte(samplePolicy), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "2026-10-01", p.Version)
	assert.Len(t, p.Velocity.Limits, 2, "limit table replaces defaults")
	_, ok := p.Limit("signup")
	assert.False(t, ok)

	l, ok := p.Limit("login")
	require.True(t, ok)
	assert.Equal(t, 5, l.Max)
	assert.Equal(t, time.Hour, l.Period)

	assert.Equal(t, 30*time.Minute, p.Risk.StaleAfter)
	assert.Equal(t, 90, p.Risk.Thresholds.Critical)
	assert.Equal(t, 8, p.Decision.BlockThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, 900.0, p.Travel.ImpossibleSpeedKMH)
	assert.Equal(t, 3, p.Device.AutoTrustThreshold)
}

func TestParse_ContentVersionWhenMissing(t *testing.T) {
	doc := "decision:\n  block_threshold: 9\n"
	p1, err := Parse([]byte(doc), "yaml")
	require.NoError(t, err)
	p2, err := Parse([]byte(doc), "yaml")
	require.NoError(t, err)

	assert.Contains(t, p1.Version, "sha256:")
	assert.Equal(t, p1.Version, p2.Version)
}

func TestParse_CommaSeparatedLists(t *testing.T) {
	doc := "decision:\n  sensitive_actions: \"withdrawal_request,payout_*\"\n"
	p, err := Parse([]byte(doc), "yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"withdrawal_request", "payout_*"}, p.Decision.SensitiveActions)
	assert.True(t, p.IsSensitiveAction("payout_schedule_change"))
	assert.False(t, p.IsSensitiveAction("bank_account_add"), "list replaces defaults")
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"threshold order", func(p *Policy) { p.Risk.Thresholds.High = p.Risk.Thresholds.Critical }},
		{"counter ttl shorter than period", func(p *Policy) { p.Cache.CounterTTL = time.Hour }},
		{"severity out of range", func(p *Policy) {
			p.Velocity.Limits["login"] = VelocityLimit{Max: 1, Period: time.Minute, Severity: 11}
		}},
		{"zero max", func(p *Policy) {
			p.Velocity.Limits["login"] = VelocityLimit{Max: 0, Period: time.Minute, Severity: 3}
		}},
		{"multiplier above one", func(p *Policy) { p.Velocity.APIMultiplier = 1.5 }},
		{"bad glob", func(p *Policy) { p.Decision.SensitiveRoutes = []string{"/api/[unclosed"} }},
		{"saturation ratio", func(p *Policy) { p.Travel.SaturationRatio = 1 }},
		{"account bands inverted", func(p *Policy) { p.Risk.Weights.YoungAccount = 30 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Defaults()
			tt.mutate(p)
			_, err := Compile(p)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestSensitiveMatching(t *testing.T) {
	p := Default()

	assert.True(t, p.IsSensitiveAction("withdrawal_request"))
	assert.True(t, p.IsSensitiveAction("payout_schedule_change"))
	assert.True(t, p.IsSensitiveAction("bank_account_add"))
	assert.False(t, p.IsSensitiveAction("message_send"))
	assert.False(t, p.IsSensitiveAction(""))

	assert.True(t, p.IsSensitiveRoute("/api/v1/withdrawals"))
	assert.True(t, p.IsSensitiveRoute("/api/v1/withdrawals/42/confirm"))
	assert.True(t, p.IsSensitiveRoute("/api/v2/payments/methods/card"))
	assert.False(t, p.IsSensitiveRoute("/api/v1/shifts/42"))
	assert.False(t, p.IsSensitiveRoute("/api/v1/extra/withdrawals"), "* must not cross path segments")
}

func TestManager_DefaultsWithoutFile(t *testing.T) {
	m, err := NewManager("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, m.Current().Version)
	assert.NoError(t, m.Reload())
}

func TestManager_ReloadKeepsPolicyOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	m, err := NewManager(path, nil)
	require.NoError(t, err)
	before := m.Current()
	assert.Equal(t, "2026-10-01", before.Version)

	var swapped []string
	m.OnReload(func(p *Policy) { swapped = append(swapped, p.Version) })

	// Break the thresholds, then reload through the same viper instance.
	m.v.Set("risk.thresholds.high", 95)
	assert.ErrorIs(t, m.Reload(), ErrInvalidPolicy)
	assert.Same(t, before, m.Current())
	assert.Empty(t, swapped)

	m.v.Set("risk.thresholds.high", 75)
	m.v.Set("version", "2026-10-02")
	require.NoError(t, m.Reload())
	assert.Equal(t, "2026-10-02", m.Current().Version)
	assert.Equal(t, 75, m.Current().Risk.Thresholds.High)
	assert.Equal(t, []string{"2026-10-02"}, swapped)
	// The old snapshot is untouched.
	assert.Equal(t, 70, before.Risk.Thresholds.High)
}

func TestStatic(t *testing.T) {
	p := Default()
	assert.Same(t, p, NewStatic(p).Current())
}
