package gate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/crewmarket/riskguard/internal/risk"
	"github.com/crewmarket/riskguard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAuditStore_NewestFirst(t *testing.T) {
	s := NewMemoryAuditStore()
	ctx := context.Background()
	base := time.Now()

	for i, v := range []Verdict{VerdictStepUp, VerdictBlock, VerdictStepUp} {
		require.NoError(t, s.Record(ctx, &Decision{
			ID: string(rune('a' + i)), SubjectID: "w1", Verdict: v,
			Reasons: []string{ReasonVelocityExceeded}, EvaluatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	got, err := s.List(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, VerdictBlock, got[1].Verdict)
}

func TestPostgresAuditStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresAuditStore(db)
	ctx := context.Background()
	score := 85
	in := &Decision{
		ID: "dec_pg1", SubjectID: "pg-a1", Action: "withdrawal_request",
		Verdict: VerdictBlock, Reasons: []string{ReasonCriticalRisk}, Sensitive: true,
		Score: &score, Level: risk.LevelCritical, PolicyVersion: "v1",
		EvaluatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.Record(ctx, in))
	require.NoError(t, s.Record(ctx, &Decision{
		ID: "dec_pg2", SubjectID: "pg-a1", Action: "message_send", Verdict: VerdictAllow,
		Reasons: []string{ReasonDependencyUnavailable}, EvaluatedAt: in.EvaluatedAt.Add(time.Second),
	}))

	got, err := s.List(ctx, "pg-a1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "dec_pg2", got[0].ID)
	assert.Nil(t, got[0].Score)
	assert.Equal(t, []string{ReasonCriticalRisk}, got[1].Reasons)
	require.NotNil(t, got[1].Score)
	assert.Equal(t, 85, *got[1].Score)
	assert.Equal(t, risk.LevelCritical, got[1].Level)
}

func TestPostgresAuditStore_LongAction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresAuditStore(db)
	ctx := context.Background()
	action := strings.Repeat("a", 100)
	require.NoError(t, s.Record(ctx, &Decision{
		ID: "dec_long", SubjectID: "pg-a2", Action: action, Verdict: VerdictStepUp,
		Reasons: []string{ReasonVelocityExceeded}, EvaluatedAt: time.Now().UTC(),
	}))

	got, err := s.List(ctx, "pg-a2", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, action, got[0].Action)
}
