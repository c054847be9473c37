// Package anomaly detects impossible travel and tracks device trust.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/crewmarket/riskguard/internal/policy"
	"github.com/crewmarket/riskguard/internal/signals"
	"github.com/crewmarket/riskguard/internal/traces"
)

// Signal actions emitted by the detector.
const (
	ActionImpossibleTravel = "impossible_travel"
	ActionExcessDevices    = "excess_devices"
)

// MaxFingerprintLength bounds an accepted device fingerprint hash.
const MaxFingerprintLength = 256

var (
	ErrInvalidLocation    = errors.New("anomaly: invalid location")
	ErrInvalidFingerprint = errors.New("anomaly: invalid fingerprint")
)

// Detector evaluates location and device context.
type Detector struct {
	policy    policy.Provider
	locations LocationStore
	devices   DeviceStore
	signals   signals.Store
	logger    *slog.Logger
	now       func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(p policy.Provider, locations LocationStore, devices DeviceStore, sigs signals.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		policy:    p,
		locations: locations,
		devices:   devices,
		signals:   sigs,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source (tests).
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Devices exposes the fingerprint store to the scorer and audit endpoints.
func (d *Detector) Devices() DeviceStore {
	return d.devices
}

// MaxClockSkew bounds how far ahead of the engine's clock a reported
// observation time may be. Later times are clamped to now.
const MaxClockSkew = 5 * time.Minute

// leg is the movement between two observations, in observed order.
type leg struct {
	from, to LocationEvent
	distance float64
	elapsed  time.Duration
	speed    float64
}

// EvaluateLocation records the observation and compares it with the
// subject's observations immediately before and after it in observed time.
// It returns a signal when either leg is faster than the policy limit and
// longer than the distance threshold. A zero at means now.
func (d *Detector) EvaluateLocation(ctx context.Context, subjectID string, lat, lng float64, at time.Time) (*signals.Signal, error) {
	ctx, span := traces.StartSpan(ctx, "anomaly.EvaluateLocation", traces.SubjectID(subjectID))
	defer span.End()

	pt := Point{Lat: lat, Lng: lng}
	if !pt.Valid() {
		return nil, fmt.Errorf("%w: (%v, %v)", ErrInvalidLocation, lat, lng)
	}
	now := d.now()
	if at.IsZero() {
		at = now
	} else if at.After(now.Add(MaxClockSkew)) {
		d.logger.Warn("location observed in the future, clamping",
			"subject_id", subjectID, "observed_at", at, "now", now)
		at = now
	}
	ev := &LocationEvent{SubjectID: subjectID, Point: pt, ObservedAt: at.UTC()}

	n, err := d.locations.Record(ctx, ev)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("record location: %w", err)
	}

	travel := d.policy.Current().Travel
	var worst *leg
	if n.Prev != nil {
		if l := measure(*n.Prev, *ev); impossible(l, travel) {
			worst = &l
		}
	}
	if n.Next != nil {
		if l := measure(*ev, *n.Next); impossible(l, travel) && (worst == nil || l.speed > worst.speed) {
			worst = &l
		}
	}
	if worst == nil {
		return nil, nil
	}

	severity := TravelSeverity(worst.speed, travel)
	meta := map[string]any{
		"rule":          ActionImpossibleTravel,
		"distance_km":   math.Round(worst.distance*10) / 10,
		"elapsed_s":     worst.elapsed.Seconds(),
		"from":          worst.from.Point,
		"to":            worst.to.Point,
		"from_observed": worst.from.ObservedAt.UTC().Format(time.RFC3339Nano),
		"to_observed":   worst.to.ObservedAt.UTC().Format(time.RFC3339Nano),
		"late_arrival":  n.Next != nil,
	}
	if !math.IsInf(worst.speed, 1) {
		meta["speed_kmh"] = math.Round(worst.speed)
	}
	sig := signals.New(subjectID, ActionImpossibleTravel, severity, signals.SourceAnomaly, meta, now)
	d.logger.Info("impossible travel detected",
		"subject_id", subjectID, "distance_km", worst.distance, "elapsed", worst.elapsed, "severity", severity)
	return sig, d.record(ctx, sig)
}

func measure(from, to LocationEvent) leg {
	l := leg{from: from, to: to}
	l.distance = DistanceKM(from.Point, to.Point)
	l.elapsed = to.ObservedAt.Sub(from.ObservedAt)
	l.speed = SpeedKMH(l.distance, l.elapsed)
	return l
}

func impossible(l leg, t policy.TravelPolicy) bool {
	return l.distance > t.DistanceThresholdKM && l.speed > t.ImpossibleSpeedKMH
}

// EvaluateDevice counts one use of fingerprint by subjectID. Registration
// is never refused; when this use introduces a fingerprint that takes the
// subject past max_trusted_devices an excess-devices signal is returned.
func (d *Detector) EvaluateDevice(ctx context.Context, subjectID, fingerprint string) (*signals.Signal, error) {
	ctx, span := traces.StartSpan(ctx, "anomaly.EvaluateDevice", traces.SubjectID(subjectID))
	defer span.End()

	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, ErrInvalidFingerprint
	}
	if len(fingerprint) > MaxFingerprintLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidFingerprint, len(fingerprint))
	}

	pol := d.policy.Current().Device
	fp, distinct, err := d.devices.Touch(ctx, subjectID, fingerprint, d.now().UTC(), pol.AutoTrustThreshold)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("touch fingerprint: %w", err)
	}
	if fp.UseCount == pol.AutoTrustThreshold {
		d.logger.Info("device trusted", "subject_id", subjectID, "use_count", fp.UseCount)
	}

	// Only a first sighting can change the distinct count.
	if fp.UseCount != 1 || distinct <= pol.MaxTrustedDevices {
		return nil, nil
	}

	sig := signals.New(subjectID, ActionExcessDevices, pol.ExcessDeviceSeverity, signals.SourceAnomaly, map[string]any{
		"rule":             ActionExcessDevices,
		"distinct_devices": distinct,
		"max_devices":      pol.MaxTrustedDevices,
	}, d.now())
	d.logger.Info("excess devices", "subject_id", subjectID, "distinct", distinct, "max", pol.MaxTrustedDevices)
	return sig, d.record(ctx, sig)
}

func (d *Detector) record(ctx context.Context, sig *signals.Signal) error {
	if err := d.signals.Append(context.WithoutCancel(ctx), sig); err != nil {
		d.logger.Error("anomaly signal not recorded",
			"subject_id", sig.SubjectID, "action", sig.Action, "signal_id", sig.ID,
			"severity", sig.Severity, "error", err)
		return fmt.Errorf("%w: %v", signals.ErrNotRecorded, err)
	}
	return nil
}

// SpeedKMH returns distance/elapsed in km/h. Non-positive elapsed time is
// treated as infinite speed.
func SpeedKMH(distanceKM float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return math.Inf(1)
	}
	return distanceKM / elapsed.Hours()
}

// TravelSeverity maps an over-threshold speed onto the severity scale:
// SeverityFloor at the threshold rising linearly to 10 at
// SaturationRatio × threshold, capped at 10.
func TravelSeverity(speedKMH float64, t policy.TravelPolicy) int {
	if math.IsInf(speedKMH, 1) {
		return signals.MaxSeverity
	}
	ratio := speedKMH / t.ImpossibleSpeedKMH
	span := t.SaturationRatio - 1
	frac := 1.0
	if span > 0 {
		frac = (ratio - 1) / span
	}
	frac = math.Max(0, math.Min(1, frac))
	sev := float64(t.SeverityFloor) + frac*float64(signals.MaxSeverity-t.SeverityFloor)
	return signals.ClampSeverity(int(math.Round(sev)))
}
