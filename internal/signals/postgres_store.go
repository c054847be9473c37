package signals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists signals in PostgreSQL. Schema lives in
// migrations/ (fraud_signals, fraud_signal_resolutions).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed signal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, sig *Signal) error {
	sig.Normalize()
	metadata := []byte("{}")
	if len(sig.Metadata) > 0 {
		raw, err := json.Marshal(sig.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal signal metadata: %w", err)
		}
		metadata = raw
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_signals
			(id, subject_id, action, severity, source, metadata, occurred_at, valid, validation_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		sig.ID,
		sig.SubjectID,
		sig.Action,
		sig.Severity,
		string(sig.Source),
		metadata,
		sig.OccurredAt,
		sig.Valid,
		sig.ValidationError,
	)
	if err != nil {
		return fmt.Errorf("failed to append signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnresolved(ctx context.Context, subjectID string, since time.Time) ([]*Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.subject_id, s.action, s.severity, s.source, s.metadata,
		       s.occurred_at, s.valid, s.validation_error,
		       NULL, NULL, NULL
		FROM fraud_signals s
		LEFT JOIN fraud_signal_resolutions r ON r.signal_id = s.id
		WHERE s.subject_id = $1
		  AND s.occurred_at >= $2
		  AND r.signal_id IS NULL
		ORDER BY s.occurred_at ASC, s.id ASC
	`, subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved signals: %w", err)
	}
	return scanSignals(rows)
}

func (s *PostgresStore) List(ctx context.Context, subjectID string, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.subject_id, s.action, s.severity, s.source, s.metadata,
		       s.occurred_at, s.valid, s.validation_error,
		       r.resolved_by, r.note, r.resolved_at
		FROM fraud_signals s
		LEFT JOIN fraud_signal_resolutions r ON r.signal_id = s.id
		WHERE s.subject_id = $1
		ORDER BY s.occurred_at DESC, s.id DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	return scanSignals(rows)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.subject_id, s.action, s.severity, s.source, s.metadata,
		       s.occurred_at, s.valid, s.validation_error,
		       r.resolved_by, r.note, r.resolved_at
		FROM fraud_signals s
		LEFT JOIN fraud_signal_resolutions r ON r.signal_id = s.id
		WHERE s.id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	sigs, err := scanSignals(rows)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, ErrNotFound
	}
	return sigs[0], nil
}

func (s *PostgresStore) Resolve(ctx context.Context, res *Resolution) error {
	resolvedAt := res.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_signal_resolutions (signal_id, resolved_by, note, resolved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (signal_id) DO NOTHING
	`, res.SignalID, res.ResolvedBy, res.Note, resolvedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
			return ErrNotFound
		}
		return fmt.Errorf("failed to resolve signal: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func scanSignals(rows *sql.Rows) ([]*Signal, error) {
	defer func() { _ = rows.Close() }()

	var result []*Signal
	for rows.Next() {
		var (
			sig        Signal
			source     string
			metadata   []byte
			resolvedBy sql.NullString
			note       sql.NullString
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(
			&sig.ID, &sig.SubjectID, &sig.Action, &sig.Severity, &source, &metadata,
			&sig.OccurredAt, &sig.Valid, &sig.ValidationError,
			&resolvedBy, &note, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Source = Source(source)
		if len(metadata) > 0 && string(metadata) != "{}" {
			_ = json.Unmarshal(metadata, &sig.Metadata)
		}
		if resolvedAt.Valid {
			sig.Resolution = &Resolution{
				SignalID:   sig.ID,
				ResolvedBy: resolvedBy.String,
				Note:       note.String,
				ResolvedAt: resolvedAt.Time,
			}
		}
		result = append(result, &sig)
	}
	return result, rows.Err()
}
