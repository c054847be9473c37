// Package profile reads the subject attributes the risk scorer weighs.
// Profiles are owned by the profile service; the engine only reads them.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when no profile exists for a subject.
var ErrNotFound = errors.New("profile: not found")

// Profile is a read-only snapshot of the scoring inputs for one subject.
type Profile struct {
	SubjectID           string    `json:"subjectId"`
	AccountCreatedAt    time.Time `json:"accountCreatedAt"`
	ProfileCompleteness int       `json:"profileCompleteness"` // 0-100
	EmailVerified       bool      `json:"emailVerified"`
	PhoneVerified       bool      `json:"phoneVerified"`
	IDVerified          bool      `json:"idVerified"`
	FailedPayments      int       `json:"failedPayments"`
}

// AccountAge returns how old the account is at now.
func (p *Profile) AccountAge(now time.Time) time.Duration {
	return now.Sub(p.AccountCreatedAt)
}

// Source looks up profiles.
type Source interface {
	Get(ctx context.Context, subjectID string) (*Profile, error)
}

// MemorySource is an in-memory Source for demo/test use.
type MemorySource struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewMemorySource() *MemorySource {
	return &MemorySource{profiles: make(map[string]*Profile)}
}

// Put stores a copy of p.
func (m *MemorySource) Put(p *Profile) {
	c := *p
	m.mu.Lock()
	m.profiles[p.SubjectID] = &c
	m.mu.Unlock()
}

func (m *MemorySource) Get(ctx context.Context, subjectID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// PostgresSource reads the subject_profiles table.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Get(ctx context.Context, subjectID string) (*Profile, error) {
	p := &Profile{SubjectID: subjectID}
	err := s.db.QueryRowContext(ctx, `
		SELECT account_created_at, profile_completeness, email_verified,
		       phone_verified, id_verified, failed_payments
		FROM subject_profiles
		WHERE subject_id = $1
	`, subjectID).Scan(
		&p.AccountCreatedAt,
		&p.ProfileCompleteness,
		&p.EmailVerified,
		&p.PhoneVerified,
		&p.IDVerified,
		&p.FailedPayments,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}
