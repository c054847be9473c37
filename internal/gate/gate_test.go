package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmarket/riskguard/internal/anomaly"
	"github.com/crewmarket/riskguard/internal/counter"
	"github.com/crewmarket/riskguard/internal/logging"
	"github.com/crewmarket/riskguard/internal/notify"
	"github.com/crewmarket/riskguard/internal/policy"
	"github.com/crewmarket/riskguard/internal/profile"
	"github.com/crewmarket/riskguard/internal/risk"
	"github.com/crewmarket/riskguard/internal/signals"
	"github.com/crewmarket/riskguard/internal/velocity"
)

type alertRecorder struct {
	mu  sync.Mutex
	got []*notify.Notification
}

func (a *alertRecorder) Enqueue(n *notify.Notification) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, n)
	return true
}

func (a *alertRecorder) all() []*notify.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*notify.Notification(nil), a.got...)
}

type downCounter struct{}

func (downCounter) Incr(context.Context, string, time.Duration, time.Duration, time.Time) (counter.Window, error) {
	return counter.Window{}, counter.ErrStoreUnavailable
}

func (downCounter) Peek(context.Context, string) (counter.Window, bool, error) {
	return counter.Window{}, false, counter.ErrStoreUnavailable
}

func (downCounter) Ping(context.Context) error { return counter.ErrStoreUnavailable }

type fixture struct {
	gate     *Gate
	profiles *profile.MemorySource
	signals  *signals.MemoryStore
	audit    *MemoryAuditStore
	alerts   *alertRecorder
}

type fixtureOpts struct {
	limits   map[string]policy.VelocityLimit
	counters counter.Store
	scorer   RiskScorer
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	p := policy.Defaults()
	if o.limits != nil {
		p.Velocity.Limits = o.limits
	}
	pol, err := policy.Compile(p)
	require.NoError(t, err)
	prov := policy.NewStatic(pol)

	if o.counters == nil {
		o.counters = counter.NewMemoryStore()
	}
	f := &fixture{
		profiles: profile.NewMemorySource(),
		signals:  signals.NewMemoryStore(),
		audit:    NewMemoryAuditStore(),
		alerts:   &alertRecorder{},
	}
	devices := anomaly.NewMemoryDeviceStore()
	limiter := velocity.New(prov, o.counters, f.signals, logging.Discard())
	detector := anomaly.NewDetector(prov, anomaly.NewMemoryLocationStore(), devices, f.signals, logging.Discard())
	if o.scorer == nil {
		o.scorer = risk.NewScorer(prov, f.signals, f.profiles, devices, risk.NewMemoryCache(), logging.Discard()).
			WithSampler(func(float64) bool { return false })
	}
	f.gate = New(prov, limiter, detector, o.scorer, f.audit, f.alerts, logging.Discard())
	return f
}

// putProfile stores a profile that scores exactly points from profile
// factors alone.
func (f *fixture) putProfile(subject string, points int) {
	now := time.Now()
	p := &profile.Profile{
		SubjectID:           subject,
		AccountCreatedAt:    now.Add(-365 * 24 * time.Hour),
		ProfileCompleteness: 100,
		EmailVerified:       true,
		PhoneVerified:       true,
		IDVerified:          true,
	}
	switch points {
	case 0:
	case 60: // high
		p.AccountCreatedAt = now.Add(-24 * time.Hour) // 20
		p.ProfileCompleteness = 10                    // 10
		p.EmailVerified = false                       // 10
		p.PhoneVerified = false                       // 5
		p.IDVerified = false                          // 15
	case 85: // critical
		p.AccountCreatedAt = now.Add(-24 * time.Hour)
		p.ProfileCompleteness = 10
		p.EmailVerified = false
		p.PhoneVerified = false
		p.IDVerified = false
		p.FailedPayments = 5 // 25
	default:
		panic("unsupported profile points")
	}
	f.profiles.Put(p)
}

func withdrawalLimits(severity int) map[string]policy.VelocityLimit {
	return map[string]policy.VelocityLimit{
		"withdrawal_request": {Max: 3, Period: 24 * time.Hour, Severity: severity},
		"message_send":       {Max: 100, Period: time.Hour, Severity: 2},
	}
}

func TestEvaluate_VelocityBelowBlockThresholdSteps(t *testing.T) {
	f := newFixture(t, fixtureOpts{limits: withdrawalLimits(7)})
	f.putProfile("w1", 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := f.gate.Evaluate(ctx, Request{Subject: "w1", Action: "withdrawal_request"})
		assert.Equal(t, VerdictAllow, d.Verdict)
	}

	d := f.gate.Evaluate(ctx, Request{Subject: "w1", Action: "withdrawal_request"})
	assert.NotEqual(t, VerdictBlock, d.Verdict)
	assert.Equal(t, VerdictStepUp, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonVelocityExceeded)
	assert.True(t, d.Sensitive)
	require.Len(t, d.Signals, 1)
	assert.Empty(t, f.alerts.all(), "severity 7 is below the notification threshold")

	audited, err := f.audit.List(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, audited, 1)
	assert.Equal(t, VerdictStepUp, audited[0].Verdict)
}

func TestEvaluate_VelocityAtBlockThresholdBlocksImmediately(t *testing.T) {
	f := newFixture(t, fixtureOpts{limits: withdrawalLimits(9)})
	f.putProfile("w2", 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Equal(t, VerdictAllow, f.gate.Evaluate(ctx, Request{Subject: "w2", Action: "withdrawal_request"}).Verdict)
	}
	d := f.gate.Evaluate(ctx, Request{Subject: "w2", Action: "withdrawal_request"})
	assert.Equal(t, VerdictBlock, d.Verdict)
	assert.Equal(t, []string{ReasonVelocityBlock}, d.Reasons)
	assert.Nil(t, d.Score, "block short-circuits before scoring")

	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, 9, alerts[0].Severity)
	assert.Equal(t, "w2", alerts[0].SubjectID)
	assert.Equal(t, string(VerdictBlock), alerts[0].Verdict)
}

func TestEvaluate_CriticalSubjectBlockedOnSensitiveAction(t *testing.T) {
	f := newFixture(t, fixtureOpts{limits: withdrawalLimits(7)})
	f.putProfile("w3", 85)

	d := f.gate.Evaluate(context.Background(), Request{Subject: "w3", Action: "withdrawal_request"})
	assert.Equal(t, VerdictBlock, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonCriticalRisk)
	require.NotNil(t, d.Score)
	assert.Equal(t, 85, *d.Score)
	assert.Equal(t, risk.LevelCritical, d.Level)
}

func TestEvaluate_HighSubjectNonSensitiveAllowed(t *testing.T) {
	f := newFixture(t, fixtureOpts{limits: withdrawalLimits(7)})
	f.putProfile("w4", 60)
	ctx := context.Background()

	d := f.gate.Evaluate(ctx, Request{Subject: "w4", Action: "message_send"})
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Equal(t, risk.LevelHigh, d.Level)

	d = f.gate.Evaluate(ctx, Request{Subject: "w4", Action: "message_send", Sensitive: true})
	assert.Equal(t, VerdictStepUp, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonElevatedRiskSensitive)

	d = f.gate.Evaluate(ctx, Request{Subject: "w4", Action: "message_send", Route: "/api/v1/withdrawals/7"})
	assert.Equal(t, VerdictStepUp, d.Verdict, "sensitive route counts as sensitive")

	audited, _ := f.audit.List(ctx, "w4", 10)
	assert.Len(t, audited, 2, "allow verdicts are not audited")
}

func TestEvaluate_StoreUnavailableSplitsOnSensitivity(t *testing.T) {
	f := newFixture(t, fixtureOpts{limits: withdrawalLimits(9), counters: downCounter{}})
	f.putProfile("w5", 0)
	ctx := context.Background()

	d := f.gate.Evaluate(ctx, Request{Subject: "w5", Action: "message_send"})
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonDependencyUnavailable)

	d = f.gate.Evaluate(ctx, Request{Subject: "w5", Action: "withdrawal_request"})
	assert.Equal(t, VerdictStepUp, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonDependencyUnavailable)

	audited, _ := f.audit.List(ctx, "w5", 10)
	assert.Len(t, audited, 2, "degraded decisions are audited")
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, string, bool) (*risk.Score, error) {
	return nil, errors.New("postgres: connection refused")
}

func TestEvaluate_ScorerFailureSplitsOnSensitivity(t *testing.T) {
	f := newFixture(t, fixtureOpts{limits: withdrawalLimits(7), scorer: failingScorer{}})
	ctx := context.Background()

	assert.Equal(t, VerdictAllow, f.gate.Evaluate(ctx, Request{Subject: "w6", Action: "message_send"}).Verdict)
	assert.Equal(t, VerdictStepUp, f.gate.Evaluate(ctx, Request{Subject: "w6", Action: "payout_schedule_change"}).Verdict)
}

func TestEvaluate_ImpossibleTravelBlocksAndAlerts(t *testing.T) {
	f := newFixture(t, fixtureOpts{limits: withdrawalLimits(7)})
	f.putProfile("w7", 0)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	d := f.gate.Evaluate(ctx, Request{Subject: "w7", Action: "message_send", Location: &Location{Lat: 0, Lng: 0, At: t0}})
	require.Equal(t, VerdictAllow, d.Verdict)

	d = f.gate.Evaluate(ctx, Request{Subject: "w7", Action: "message_send", Location: &Location{Lat: 0, Lng: 9, At: t0.Add(time.Minute)}})
	assert.Equal(t, VerdictBlock, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonAnomalyBlock)
	assert.Contains(t, d.Reasons, ReasonImpossibleTravel)

	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, anomaly.ActionImpossibleTravel, alerts[0].Reason)
}

func TestEvaluate_EmittedSignalForcesRescore(t *testing.T) {
	f := newFixture(t, fixtureOpts{limits: map[string]policy.VelocityLimit{
		"login": {Max: 1, Period: time.Hour, Severity: 4},
	}})
	f.putProfile("w8", 0)
	ctx := context.Background()

	d := f.gate.Evaluate(ctx, Request{Subject: "w8", Action: "login"})
	require.NotNil(t, d.Score)
	assert.Zero(t, *d.Score)

	// The over-limit signal must be reflected in this decision's score even
	// though the cached score is still fresh.
	d = f.gate.Evaluate(ctx, Request{Subject: "w8", Action: "login"})
	require.NotNil(t, d.Score)
	assert.Equal(t, 8, *d.Score)
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonVelocityExceeded)
}

func TestEvaluate_HigherVerdictWins(t *testing.T) {
	f := newFixture(t, fixtureOpts{limits: withdrawalLimits(7)})
	f.putProfile("w9", 60)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.gate.Evaluate(ctx, Request{Subject: "w9", Action: "withdrawal_request"})
	}
	// Velocity says step_up (7 < 9); the fresh signal lifts the score from
	// 60 to 74, still high, so step_up stands with both reasons.
	d := f.gate.Evaluate(ctx, Request{Subject: "w9", Action: "withdrawal_request"})
	assert.Equal(t, VerdictStepUp, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonVelocityExceeded)
	assert.Contains(t, d.Reasons, ReasonElevatedRiskSensitive)

	// Two more over-limit signals push the subject to critical: block wins.
	f.gate.Evaluate(ctx, Request{Subject: "w9", Action: "withdrawal_request"})
	d = f.gate.Evaluate(ctx, Request{Subject: "w9", Action: "withdrawal_request"})
	assert.Equal(t, VerdictBlock, d.Verdict)
	assert.Contains(t, d.Reasons, ReasonCriticalRisk)
}

func TestEvaluate_InvalidContextIsIgnored(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.putProfile("w10", 0)

	d := f.gate.Evaluate(context.Background(), Request{
		Subject: "w10", Action: "message_send", Location: &Location{Lat: 123, Lng: 0}, Device: "   ",
	})
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Equal(t, []string{ReasonInvalidContext}, d.Reasons)
}

func TestEvaluate_OverlongFingerprintIsInvalidContext(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.putProfile("w11", 0)

	d := f.gate.Evaluate(context.Background(), Request{
		Subject: "w11", Action: "withdrawal_request", Device: strings.Repeat("d", anomaly.MaxFingerprintLength+1),
	})
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Equal(t, []string{ReasonInvalidContext}, d.Reasons)
}

func TestEvaluate_LateLocationReportIsNotBlocked(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.putProfile("w12", 0)
	ctx := context.Background()
	t0 := time.Now().Add(-24 * time.Hour)

	d := f.gate.Evaluate(ctx, Request{Subject: "w12", Action: "message_send",
		Location: &Location{Lat: 51.5074, Lng: -0.1278, At: t0.Add(10 * time.Hour)}})
	require.Equal(t, VerdictAllow, d.Verdict)

	d = f.gate.Evaluate(ctx, Request{Subject: "w12", Action: "message_send",
		Location: &Location{Lat: 40.7128, Lng: -74.0060, At: t0}})
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.NotContains(t, d.Reasons, ReasonImpossibleTravel)
	assert.Empty(t, f.alerts.all())
}

func TestVerdictPublicMessages(t *testing.T) {
	assert.Equal(t, "action not permitted, contact support", VerdictBlock.PublicMessage())
	assert.Equal(t, "additional verification required", VerdictStepUp.PublicMessage())
	assert.Empty(t, VerdictAllow.PublicMessage())
}
