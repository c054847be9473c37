// Package gate turns velocity, anomaly and risk results into a verdict.
//
// Evaluate runs a fixed sequence per request: velocity check, anomaly
// evaluation of any supplied context, then the risk score. Each step may
// raise the verdict; the highest verdict wins (block > step_up > allow).
// The gate holds no per-subject state of its own.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crewmarket/riskguard/internal/anomaly"
	"github.com/crewmarket/riskguard/internal/idgen"
	"github.com/crewmarket/riskguard/internal/metrics"
	"github.com/crewmarket/riskguard/internal/notify"
	"github.com/crewmarket/riskguard/internal/policy"
	"github.com/crewmarket/riskguard/internal/risk"
	"github.com/crewmarket/riskguard/internal/signals"
	"github.com/crewmarket/riskguard/internal/traces"
	"github.com/crewmarket/riskguard/internal/velocity"
)

// Verdict is the outcome of an evaluation.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictStepUp Verdict = "step_up"
	VerdictBlock  Verdict = "block"
)

func (v Verdict) rank() int {
	switch v {
	case VerdictBlock:
		return 2
	case VerdictStepUp:
		return 1
	default:
		return 0
	}
}

// PublicMessage is the only text an end user ever sees for v.
func (v Verdict) PublicMessage() string {
	switch v {
	case VerdictBlock:
		return "action not permitted, contact support"
	case VerdictStepUp:
		return "additional verification required"
	default:
		return ""
	}
}

// Reasons name the rule that fired. They are for audit and admins only.
const (
	ReasonVelocityBlock         = "velocity_block"
	ReasonVelocityExceeded      = "velocity_exceeded"
	ReasonAnomalyBlock          = "anomaly_block"
	ReasonImpossibleTravel      = "impossible_travel"
	ReasonExcessDevices         = "excess_devices"
	ReasonCriticalRisk          = "critical_risk"
	ReasonElevatedRiskSensitive = "elevated_risk_sensitive"
	ReasonDependencyUnavailable = "dependency_unavailable"
	ReasonInvalidContext        = "invalid_context"
)

// Location is an optional position observed with the request.
type Location struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	At  time.Time `json:"at"`
}

// Request is one action to be evaluated.
type Request struct {
	Subject   string    `json:"subject" binding:"required"`
	Action    string    `json:"action" binding:"required"`
	Sensitive bool      `json:"sensitive"`
	Route     string    `json:"route,omitempty"`
	API       bool      `json:"api"`
	Location  *Location `json:"location,omitempty"`
	Device    string    `json:"device,omitempty"`
	IP        string    `json:"ip,omitempty"`
}

// Decision is the result of Evaluate.
type Decision struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subjectId"`
	Action        string     `json:"action"`
	Verdict       Verdict    `json:"verdict"`
	Reasons       []string   `json:"reasons"`
	Sensitive     bool       `json:"sensitive"`
	Score         *int       `json:"score,omitempty"`
	Level         risk.Level `json:"level,omitempty"`
	PolicyVersion string     `json:"policyVersion"`
	EvaluatedAt   time.Time  `json:"evaluatedAt"`

	// Signals emitted during this evaluation; not persisted with the decision.
	Signals []*signals.Signal `json:"-"`
}

func (d *Decision) raise(v Verdict, reason string) {
	if v.rank() > d.Verdict.rank() {
		d.Verdict = v
	}
	d.addReason(reason)
}

func (d *Decision) addReason(reason string) {
	for _, r := range d.Reasons {
		if r == reason {
			return
		}
	}
	d.Reasons = append(d.Reasons, reason)
}

// VelocityChecker is the velocity step.
type VelocityChecker interface {
	Check(ctx context.Context, subjectID, action string, opts velocity.Options) (velocity.Result, error)
}

// AnomalyEvaluator is the anomaly step.
type AnomalyEvaluator interface {
	EvaluateLocation(ctx context.Context, subjectID string, lat, lng float64, at time.Time) (*signals.Signal, error)
	EvaluateDevice(ctx context.Context, subjectID, fingerprint string) (*signals.Signal, error)
}

// RiskScorer is the scoring step.
type RiskScorer interface {
	Score(ctx context.Context, subjectID string, force bool) (*risk.Score, error)
}

// Alerter accepts admin notifications without blocking.
type Alerter interface {
	Enqueue(n *notify.Notification) bool
}

// Gate evaluates requests.
type Gate struct {
	policy   policy.Provider
	velocity VelocityChecker
	anomaly  AnomalyEvaluator
	scorer   RiskScorer
	audit    AuditStore
	alerts   Alerter
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Gate. alerts may be nil.
func New(p policy.Provider, v VelocityChecker, a AnomalyEvaluator, s RiskScorer, audit AuditStore, alerts Alerter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		policy:   p,
		velocity: v,
		anomaly:  a,
		scorer:   s,
		audit:    audit,
		alerts:   alerts,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source (tests).
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// IsSensitive reports whether req counts as sensitive under pol.
func IsSensitive(pol *policy.Policy, req Request) bool {
	return req.Sensitive || pol.IsSensitiveAction(req.Action) || pol.IsSensitiveRoute(req.Route)
}

// Evaluate decides on req. It never returns an error: upstream failures
// fail open for non-sensitive requests and closed (step_up) for sensitive
// ones, with ReasonDependencyUnavailable recorded.
func (g *Gate) Evaluate(ctx context.Context, req Request) *Decision {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "gate.Evaluate", traces.SubjectID(req.Subject), traces.Action(req.Action))
	defer span.End()

	pol := g.policy.Current()
	d := &Decision{
		ID:            idgen.WithPrefix("dec_"),
		SubjectID:     req.Subject,
		Action:        req.Action,
		Verdict:       VerdictAllow,
		Reasons:       []string{},
		Sensitive:     IsSensitive(pol, req),
		PolicyVersion: pol.Version,
		EvaluatedAt:   g.now().UTC(),
	}
	log := g.logger.With("subject_id", req.Subject, "action", req.Action, "decision_id", d.ID)
	degraded := false

	// 1. Velocity.
	vres, err := g.velocity.Check(ctx, req.Subject, req.Action, velocity.Options{
		API:      req.API,
		Metadata: requestMetadata(req),
	})
	switch {
	case err == nil, errors.Is(err, signals.ErrNotRecorded):
	default:
		degraded = true
		log.Warn("velocity check unavailable", "error", err)
	}
	if vres.Signal != nil {
		d.Signals = append(d.Signals, vres.Signal)
	}
	if vres.PolicyFound && !vres.Allowed {
		switch {
		case vres.Severity >= pol.Decision.BlockThreshold:
			d.raise(VerdictBlock, ReasonVelocityBlock)
			return g.finish(ctx, d, pol, log, start)
		case d.Sensitive:
			d.raise(VerdictStepUp, ReasonVelocityExceeded)
		default:
			d.addReason(ReasonVelocityExceeded)
		}
	}

	// 2. Anomaly context.
	if req.Location != nil {
		sig, err := g.anomaly.EvaluateLocation(ctx, req.Subject, req.Location.Lat, req.Location.Lng, req.Location.At)
		degraded = g.anomalyErr(d, log, "location", err) || degraded
		if sig != nil {
			d.Signals = append(d.Signals, sig)
			d.addReason(ReasonImpossibleTravel)
		}
	}
	if req.Device != "" {
		sig, err := g.anomaly.EvaluateDevice(ctx, req.Subject, req.Device)
		degraded = g.anomalyErr(d, log, "device", err) || degraded
		if sig != nil {
			d.Signals = append(d.Signals, sig)
			d.addReason(ReasonExcessDevices)
		}
	}
	for _, sig := range d.Signals {
		if sig.Source == signals.SourceAnomaly && sig.Severity >= pol.Decision.BlockThreshold {
			d.raise(VerdictBlock, ReasonAnomalyBlock)
			return g.finish(ctx, d, pol, log, start)
		}
	}

	// 3. Risk score, recomputed when this evaluation produced evidence.
	score, err := g.scorer.Score(ctx, req.Subject, len(d.Signals) > 0)
	if err != nil {
		degraded = true
		log.Warn("risk score unavailable", "error", err)
	} else {
		d.Score = &score.Score
		d.Level = score.Level
		span.SetAttributes(traces.Score(score.Score))
		if score.Level == risk.LevelCritical {
			d.raise(VerdictBlock, ReasonCriticalRisk)
		} else if d.Sensitive && score.Level.AtLeast(risk.LevelHigh) {
			// 4. Sensitive action by an elevated-risk subject.
			d.raise(VerdictStepUp, ReasonElevatedRiskSensitive)
		}
	}

	if degraded {
		if d.Sensitive {
			d.raise(VerdictStepUp, ReasonDependencyUnavailable)
		} else {
			d.addReason(ReasonDependencyUnavailable)
		}
	}
	return g.finish(ctx, d, pol, log, start)
}

// anomalyErr records an anomaly step failure and reports whether it counts
// as a dependency outage.
func (g *Gate) anomalyErr(d *Decision, log *slog.Logger, kind string, err error) bool {
	switch {
	case err == nil, errors.Is(err, signals.ErrNotRecorded):
		return false
	case errors.Is(err, anomaly.ErrInvalidLocation), errors.Is(err, anomaly.ErrInvalidFingerprint):
		d.addReason(ReasonInvalidContext)
		log.Info("ignoring invalid request context", "kind", kind, "error", err)
		return false
	default:
		log.Warn("anomaly evaluation unavailable", "kind", kind, "error", err)
		return true
	}
}

func (g *Gate) finish(ctx context.Context, d *Decision, pol *policy.Policy, log *slog.Logger, start time.Time) *Decision {
	traces.Annotate(ctx, traces.Verdict(string(d.Verdict)), traces.PolicyVersion(d.PolicyVersion))
	g.alert(d, pol)

	dependencyReason := false
	for _, r := range d.Reasons {
		if r == ReasonDependencyUnavailable {
			dependencyReason = true
		}
	}
	if d.Verdict != VerdictAllow || dependencyReason {
		if err := g.audit.Record(context.WithoutCancel(ctx), d); err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("audit").Inc()
			log.Error("failed to write decision audit", "verdict", d.Verdict, "reasons", d.Reasons, "error", err)
		}
	}

	metrics.VerdictsTotal.WithLabelValues(string(d.Verdict), metrics.BoolLabel(d.Sensitive)).Inc()
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	if d.Verdict != VerdictAllow {
		log.Info("risk decision", "verdict", d.Verdict, "reasons", d.Reasons, "sensitive", d.Sensitive)
	}
	return d
}

// alert queues one admin notification per emitted signal at or above the
// notification threshold.
func (g *Gate) alert(d *Decision, pol *policy.Policy) {
	if g.alerts == nil {
		return
	}
	for _, sig := range d.Signals {
		if sig.Severity < pol.Decision.AdminNotificationThreshold {
			continue
		}
		g.alerts.Enqueue(&notify.Notification{
			ID:            idgen.WithPrefix("ntf_"),
			SubjectID:     d.SubjectID,
			Action:        d.Action,
			Severity:      sig.Severity,
			Reason:        sig.Action,
			SignalID:      sig.ID,
			Verdict:       string(d.Verdict),
			PolicyVersion: d.PolicyVersion,
			OccurredAt:    sig.OccurredAt,
		})
	}
}

func requestMetadata(req Request) map[string]any {
	meta := map[string]any{}
	if req.Route != "" {
		meta["route"] = req.Route
	}
	if req.IP != "" {
		meta["ip"] = req.IP
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
