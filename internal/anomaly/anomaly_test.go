package anomaly

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmarket/riskguard/internal/logging"
	"github.com/crewmarket/riskguard/internal/policy"
	"github.com/crewmarket/riskguard/internal/signals"
)

func newDetector(t *testing.T) (*Detector, *signals.MemoryStore) {
	t.Helper()
	sigs := signals.NewMemoryStore()
	d := NewDetector(policy.NewStatic(policy.Default()), NewMemoryLocationStore(), NewMemoryDeviceStore(), sigs, logging.Discard())
	return d, sigs
}

func TestDistanceKM(t *testing.T) {
	london := Point{Lat: 51.5074, Lng: -0.1278}
	paris := Point{Lat: 48.8566, Lng: 2.3522}
	assert.InDelta(t, 343.5, DistanceKM(london, paris), 1.0)
	assert.InDelta(t, 0, DistanceKM(london, london), 1e-9)
	assert.InDelta(t, DistanceKM(london, paris), DistanceKM(paris, london), 1e-9)
}

func TestEvaluateLocation_FirstObservationNeverSignals(t *testing.T) {
	d, _ := newDetector(t)
	sig, err := d.EvaluateLocation(context.Background(), "worker_1", 40.7128, -74.0060, time.Now())
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestEvaluateLocation_ImpossibleTravel(t *testing.T) {
	d, sigs := newDetector(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	_, err := d.EvaluateLocation(ctx, "worker_2", 0, 0, t0)
	require.NoError(t, err)

	// About 1000 km east along the equator, one minute later.
	sig, err := d.EvaluateLocation(ctx, "worker_2", 0, 8.9932, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Greater(t, sig.Severity, 0)
	assert.Equal(t, 10, sig.Severity)
	assert.Equal(t, signals.SourceAnomaly, sig.Source)
	assert.Equal(t, ActionImpossibleTravel, sig.Action)

	stored, err := sigs.ListUnresolved(ctx, "worker_2", time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, 1000, stored[0].Metadata["distance_km"], 5)
}

func TestEvaluateLocation_ShortHopIsFine(t *testing.T) {
	d, sigs := newDetector(t)
	ctx := context.Background()
	t0 := time.Now().Add(-2 * time.Hour)

	_, err := d.EvaluateLocation(ctx, "worker_3", 0, 0, t0)
	require.NoError(t, err)
	// About 1 km, one hour later.
	sig, err := d.EvaluateLocation(ctx, "worker_3", 0, 0.009, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, sig)

	stored, _ := sigs.List(ctx, "worker_3", 10)
	assert.Empty(t, stored)
}

func TestEvaluateLocation_FastButShortIsFine(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()
	t0 := time.Now()

	_, err := d.EvaluateLocation(ctx, "worker_4", 0, 0, t0)
	require.NoError(t, err)
	// ~50 km in one second is fast but under the distance threshold.
	sig, err := d.EvaluateLocation(ctx, "worker_4", 0, 0.45, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestEvaluateLocation_ZeroElapsedIsInfiniteSpeed(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()
	t0 := time.Now()

	_, err := d.EvaluateLocation(ctx, "worker_5", 0, 0, t0)
	require.NoError(t, err)
	sig, err := d.EvaluateLocation(ctx, "worker_5", 0, 5, t0)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, 10, sig.Severity)
}

func TestEvaluateLocation_LateReportOfPlausibleTrip(t *testing.T) {
	d, sigs := newDetector(t)
	ctx := context.Background()
	t0 := time.Now().Add(-24 * time.Hour)
	nyc := Point{Lat: 40.7128, Lng: -74.0060}
	london := Point{Lat: 51.5074, Lng: -0.1278}

	// The London report lands first; the earlier New York one arrives late.
	_, err := d.EvaluateLocation(ctx, "worker_8", london.Lat, london.Lng, t0.Add(10*time.Hour))
	require.NoError(t, err)
	sig, err := d.EvaluateLocation(ctx, "worker_8", nyc.Lat, nyc.Lng, t0)
	require.NoError(t, err)
	assert.Nil(t, sig, "a 10h transatlantic flight is plausible in either arrival order")

	stored, _ := sigs.List(ctx, "worker_8", 10)
	assert.Empty(t, stored)
}

func TestEvaluateLocation_LateReportIsStillScored(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()
	t0 := time.Now().Add(-6 * time.Hour)

	_, err := d.EvaluateLocation(ctx, "worker_9", 0, 0, t0)
	require.NoError(t, err)
	_, err = d.EvaluateLocation(ctx, "worker_9", 0, 0, t0.Add(2*time.Hour))
	require.NoError(t, err)

	// 1000 km away, one hour after the first and before the second.
	sig, err := d.EvaluateLocation(ctx, "worker_9", 0, 8.9932, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, true, sig.Metadata["late_arrival"])
	assert.InDelta(t, 3600, sig.Metadata["elapsed_s"], 1)
}

func TestEvaluateLocation_FutureTimestampIsClamped(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.WithClock(func() time.Time { return now })

	// A year ahead: stored as observed now.
	_, err := d.EvaluateLocation(ctx, "worker_10", 0, 0, now.AddDate(1, 0, 0))
	require.NoError(t, err)

	now = now.Add(time.Minute)
	sig, err := d.EvaluateLocation(ctx, "worker_10", 0, 8.9932, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "2026-03-01T12:00:00Z", sig.Metadata["from_observed"])
	assert.Equal(t, false, sig.Metadata["late_arrival"])
}

func TestMemoryLocationStore_Neighbors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLocationStore()
	base := time.Now()

	n, err := store.Record(ctx, &LocationEvent{SubjectID: "s", Point: Point{Lat: 1}, ObservedAt: base})
	require.NoError(t, err)
	assert.Nil(t, n.Prev)
	assert.Nil(t, n.Next)

	_, err = store.Record(ctx, &LocationEvent{SubjectID: "s", Point: Point{Lat: 3}, ObservedAt: base.Add(2 * time.Hour)})
	require.NoError(t, err)

	n, err = store.Record(ctx, &LocationEvent{SubjectID: "s", Point: Point{Lat: 2}, ObservedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, n.Prev)
	require.NotNil(t, n.Next)
	assert.Equal(t, 1.0, n.Prev.Point.Lat)
	assert.Equal(t, 3.0, n.Next.Point.Lat)
}

func TestEvaluateLocation_RejectsInvalidCoordinates(t *testing.T) {
	d, _ := newDetector(t)
	_, err := d.EvaluateLocation(context.Background(), "worker_6", 91, 0, time.Now())
	assert.ErrorIs(t, err, ErrInvalidLocation)
	_, err = d.EvaluateLocation(context.Background(), "worker_6", math.NaN(), 0, time.Now())
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestTravelSeverity(t *testing.T) {
	tp := policy.Default().Travel // 900 km/h, floor 5, saturation ×5
	tests := []struct {
		speed float64
		want  int
	}{
		{900, 5},
		{1200, 5},
		{2700, 8},
		{4500, 10},
		{90000, 10},
		{math.Inf(1), 10},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0f", tt.speed), func(t *testing.T) {
			assert.Equal(t, tt.want, TravelSeverity(tt.speed, tp))
		})
	}

	prev := 0
	for speed := 901.0; speed < 10000; speed += 250 {
		sev := TravelSeverity(speed, tp)
		assert.GreaterOrEqual(t, sev, prev, "severity must not drop as speed rises")
		prev = sev
	}
}

func TestSpeedKMH(t *testing.T) {
	assert.Equal(t, 60.0, SpeedKMH(60, time.Hour))
	assert.True(t, math.IsInf(SpeedKMH(10, 0), 1))
	assert.True(t, math.IsInf(SpeedKMH(10, -time.Second), 1))
}

func TestEvaluateDevice_TrustFlipsAtThreshold(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		sig, err := d.EvaluateDevice(ctx, "worker_7", "fp_laptop")
		require.NoError(t, err)
		assert.Nil(t, sig)
	}

	fps, err := d.Devices().List(ctx, "worker_7")
	require.NoError(t, err)
	require.Len(t, fps, 1)
	assert.Equal(t, 3, fps[0].UseCount)
	assert.True(t, fps[0].Trusted)
}

func TestEvaluateDevice_ExcessDevicesSignalsButNeverRefuses(t *testing.T) {
	d, sigs := newDetector(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		sig, err := d.EvaluateDevice(ctx, "worker_8", fmt.Sprintf("fp_%d", i))
		require.NoError(t, err)
		assert.Nil(t, sig, "device %d is within the cap", i)
	}

	sig, err := d.EvaluateDevice(ctx, "worker_8", "fp_6")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, ActionExcessDevices, sig.Action)
	assert.Equal(t, 3, sig.Severity)

	// Reusing a known device does not re-signal.
	sig, err = d.EvaluateDevice(ctx, "worker_8", "fp_6")
	require.NoError(t, err)
	assert.Nil(t, sig)

	n, err := d.Devices().CountDistinct(ctx, "worker_8")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	stored, _ := sigs.ListUnresolved(ctx, "worker_8", time.Time{})
	assert.Len(t, stored, 1)
}

func TestEvaluateDevice_EmptyFingerprint(t *testing.T) {
	d, _ := newDetector(t)
	_, err := d.EvaluateDevice(context.Background(), "worker_9", "  ")
	assert.ErrorIs(t, err, ErrInvalidFingerprint)
}

func TestEvaluateDevice_OverlongFingerprint(t *testing.T) {
	d, _ := newDetector(t)
	ctx := context.Background()

	_, err := d.EvaluateDevice(ctx, "worker_11", strings.Repeat("f", MaxFingerprintLength+1))
	assert.ErrorIs(t, err, ErrInvalidFingerprint)

	_, err = d.EvaluateDevice(ctx, "worker_11", strings.Repeat("f", MaxFingerprintLength))
	assert.NoError(t, err)
}

func TestMemoryStores_Prune(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	locs := NewMemoryLocationStore()
	_, _ = locs.Record(ctx, &LocationEvent{SubjectID: "s", ObservedAt: now.Add(-48 * time.Hour)})
	_, _ = locs.Record(ctx, &LocationEvent{SubjectID: "s", ObservedAt: now})
	n, err := locs.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	devs := NewMemoryDeviceStore()
	_, _, _ = devs.Touch(ctx, "s", "old", now.Add(-100*24*time.Hour), 3)
	_, _, _ = devs.Touch(ctx, "s", "new", now, 3)
	n, err = devs.Prune(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	count, _ := devs.CountDistinct(ctx, "s")
	assert.Equal(t, 1, count)
}
