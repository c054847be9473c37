package anomaly

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresLocationStore persists location events (table location_events).
type PostgresLocationStore struct {
	db *sql.DB
}

func NewPostgresLocationStore(db *sql.DB) *PostgresLocationStore {
	return &PostgresLocationStore{db: db}
}

// Record serializes writers per subject with a transaction-scoped advisory
// lock, so the returned neighbors are the ones this insert lands between.
func (s *PostgresLocationStore) Record(ctx context.Context, ev *LocationEvent) (Neighbors, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Neighbors{}, fmt.Errorf("failed to begin location tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "loc:"+ev.SubjectID); err != nil {
		return Neighbors{}, fmt.Errorf("failed to lock subject locations: %w", err)
	}

	var n Neighbors
	n.Prev, err = neighbor(ctx, tx, `
		SELECT lat, lng, observed_at
		FROM location_events
		WHERE subject_id = $1 AND observed_at <= $2
		ORDER BY observed_at DESC, id DESC
		LIMIT 1
	`, ev)
	if err != nil {
		return Neighbors{}, fmt.Errorf("failed to read previous location: %w", err)
	}
	n.Next, err = neighbor(ctx, tx, `
		SELECT lat, lng, observed_at
		FROM location_events
		WHERE subject_id = $1 AND observed_at > $2
		ORDER BY observed_at ASC, id ASC
		LIMIT 1
	`, ev)
	if err != nil {
		return Neighbors{}, fmt.Errorf("failed to read next location: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO location_events (subject_id, lat, lng, observed_at)
		VALUES ($1, $2, $3, $4)
	`, ev.SubjectID, ev.Point.Lat, ev.Point.Lng, ev.ObservedAt); err != nil {
		return Neighbors{}, fmt.Errorf("failed to insert location: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Neighbors{}, fmt.Errorf("failed to commit location: %w", err)
	}
	return n, nil
}

func neighbor(ctx context.Context, tx *sql.Tx, query string, ev *LocationEvent) (*LocationEvent, error) {
	e := &LocationEvent{SubjectID: ev.SubjectID}
	err := tx.QueryRowContext(ctx, query, ev.SubjectID, ev.ObservedAt).
		Scan(&e.Point.Lat, &e.Point.Lng, &e.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresLocationStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM location_events WHERE observed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune locations: %w", err)
	}
	return res.RowsAffected()
}

// PostgresDeviceStore persists fingerprints (table device_fingerprints).
type PostgresDeviceStore struct {
	db *sql.DB
}

func NewPostgresDeviceStore(db *sql.DB) *PostgresDeviceStore {
	return &PostgresDeviceStore{db: db}
}

func (s *PostgresDeviceStore) Touch(ctx context.Context, subjectID, hash string, at time.Time, autoTrust int) (*Fingerprint, int, error) {
	fp := &Fingerprint{SubjectID: subjectID, Hash: hash}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO device_fingerprints
			(subject_id, fingerprint_hash, first_seen, last_seen, use_count, trusted)
		VALUES ($1, $2, $3, $3, 1, 1 >= $4)
		ON CONFLICT (subject_id, fingerprint_hash) DO UPDATE SET
			use_count = device_fingerprints.use_count + 1,
			last_seen = GREATEST(device_fingerprints.last_seen, EXCLUDED.last_seen),
			trusted   = device_fingerprints.trusted OR device_fingerprints.use_count + 1 >= $4
		RETURNING first_seen, last_seen, use_count, trusted
	`, subjectID, hash, at, autoTrust).Scan(&fp.FirstSeen, &fp.LastSeen, &fp.UseCount, &fp.Trusted)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to touch fingerprint: %w", err)
	}

	distinct, err := s.CountDistinct(ctx, subjectID)
	if err != nil {
		return nil, 0, err
	}
	return fp, distinct, nil
}

func (s *PostgresDeviceStore) CountDistinct(ctx context.Context, subjectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_fingerprints WHERE subject_id = $1`, subjectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return n, nil
}

func (s *PostgresDeviceStore) List(ctx context.Context, subjectID string) ([]*Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint_hash, first_seen, last_seen, use_count, trusted
		FROM device_fingerprints
		WHERE subject_id = $1
		ORDER BY last_seen DESC
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	var out []*Fingerprint
	for rows.Next() {
		fp := &Fingerprint{SubjectID: subjectID}
		if err := rows.Scan(&fp.Hash, &fp.FirstSeen, &fp.LastSeen, &fp.UseCount, &fp.Trusted); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (s *PostgresDeviceStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_fingerprints WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune fingerprints: %w", err)
	}
	return res.RowsAffected()
}
