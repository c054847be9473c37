package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/crewmarket/riskguard/internal/risk"
)

// AuditStore keeps the decision audit trail for appeal review.
type AuditStore interface {
	Record(ctx context.Context, d *Decision) error
	// List returns the subject's decisions, newest first.
	List(ctx context.Context, subjectID string, limit int) ([]*Decision, error)
}

// MemoryAuditStore is an in-memory AuditStore for demo/test use.
type MemoryAuditStore struct {
	mu        sync.RWMutex
	bySubject map[string][]*Decision
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{bySubject: make(map[string][]*Decision)}
}

func (m *MemoryAuditStore) Record(ctx context.Context, d *Decision) error {
	c := copyDecision(d)
	m.mu.Lock()
	m.bySubject[d.SubjectID] = append(m.bySubject[d.SubjectID], c)
	m.mu.Unlock()
	return nil
}

func (m *MemoryAuditStore) List(ctx context.Context, subjectID string, limit int) ([]*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.bySubject[subjectID]
	out := make([]*Decision, 0, len(all))
	for _, d := range all {
		out = append(out, copyDecision(d))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EvaluatedAt.After(out[j].EvaluatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyDecision(d *Decision) *Decision {
	c := *d
	c.Reasons = append([]string(nil), d.Reasons...)
	if d.Score != nil {
		s := *d.Score
		c.Score = &s
	}
	c.Signals = nil
	return &c
}

// PostgresAuditStore persists decisions in decision_audit.
type PostgresAuditStore struct {
	db *sql.DB
}

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Record(ctx context.Context, d *Decision) error {
	reasons, err := json.Marshal(d.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	var score sql.NullInt32
	if d.Score != nil {
		score = sql.NullInt32{Int32: int32(*d.Score), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_audit
			(id, subject_id, action, verdict, reasons, sensitive, score, level, policy_version, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		d.ID,
		d.SubjectID,
		d.Action,
		string(d.Verdict),
		reasons,
		d.Sensitive,
		score,
		string(d.Level),
		d.PolicyVersion,
		d.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) List(ctx context.Context, subjectID string, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, action, verdict, reasons, sensitive, score, level, policy_version, evaluated_at
		FROM decision_audit
		WHERE subject_id = $1
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		var (
			d       Decision
			verdict string
			level   string
			reasons []byte
			score   sql.NullInt32
		)
		if err := rows.Scan(&d.ID, &d.SubjectID, &d.Action, &verdict, &reasons, &d.Sensitive,
			&score, &level, &d.PolicyVersion, &d.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Verdict = Verdict(verdict)
		d.Level = risk.Level(level)
		if score.Valid {
			v := int(score.Int32)
			d.Score = &v
		}
		if err := json.Unmarshal(reasons, &d.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode reasons: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
