// Package signals is the append-only log of fraud signals.
//
// A signal is a timestamped piece of evidence with a severity from 1 to 10.
// Signals are never updated once written. Manual review records a separate
// resolution; the scorer skips resolved signals.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crewmarket/riskguard/internal/idgen"
)

// Source identifies which component produced a signal.
type Source string

const (
	SourceVelocity Source = "velocity"
	SourceAnomaly  Source = "anomaly"
	SourceManual   Source = "manual"
)

// Severity bounds.
const (
	MinSeverity = 1
	MaxSeverity = 10
)

// Identifier bounds. Longer values are kept and flagged.
const (
	MaxSubjectLength = 128
	MaxActionLength  = 128
)

// maxMetadataBytes bounds the encoded metadata kept per signal.
const maxMetadataBytes = 4096

var (
	ErrNotFound        = errors.New("signals: not found")
	ErrAlreadyResolved = errors.New("signals: already resolved")
	// ErrNotRecorded marks a signal that was produced but could not be
	// appended. Producers return it together with the signal.
	ErrNotRecorded = errors.New("signals: not recorded")
)

// Signal is one immutable piece of evidence about a subject.
type Signal struct {
	ID              string         `json:"id"`
	SubjectID       string         `json:"subjectId"`
	Action          string         `json:"action"`
	Severity        int            `json:"severity"`
	Source          Source         `json:"source"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	OccurredAt      time.Time      `json:"occurredAt"`
	Valid           bool           `json:"valid"`
	ValidationError string         `json:"validationError,omitempty"`

	// Resolution is populated on reads only.
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Resolution records that a reviewer closed out a signal.
type Resolution struct {
	SignalID   string    `json:"signalId"`
	ResolvedBy string    `json:"resolvedBy"`
	Note       string    `json:"note,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Store persists signals.
type Store interface {
	Append(ctx context.Context, sig *Signal) error
	// ListUnresolved returns the subject's unresolved signals that occurred
	// at or after since, oldest first.
	ListUnresolved(ctx context.Context, subjectID string, since time.Time) ([]*Signal, error)
	// List returns the subject's most recent signals first.
	List(ctx context.Context, subjectID string, limit int) ([]*Signal, error)
	// Get returns one signal with its resolution, or ErrNotFound.
	Get(ctx context.Context, id string) (*Signal, error)
	Resolve(ctx context.Context, res *Resolution) error
}

// New builds a signal and validates it. Invalid input is kept and flagged,
// never rejected.
func New(subjectID, action string, severity int, source Source, metadata map[string]any, at time.Time) *Signal {
	sig := &Signal{
		ID:         idgen.WithPrefix("sig_"),
		SubjectID:  subjectID,
		Action:     action,
		Severity:   severity,
		Source:     source,
		Metadata:   metadata,
		OccurredAt: at,
	}
	sig.Normalize()
	return sig
}

// Normalize validates the signal in place. Problems are recorded in
// ValidationError, severity is clamped into range and unencodable metadata
// is replaced by a placeholder.
func (s *Signal) Normalize() {
	var problems []string

	if s.ID == "" {
		s.ID = idgen.WithPrefix("sig_")
	}
	if s.OccurredAt.IsZero() {
		s.OccurredAt = time.Now()
	}
	s.OccurredAt = s.OccurredAt.UTC()

	if strings.TrimSpace(s.SubjectID) == "" {
		problems = append(problems, "missing subject")
	} else if len(s.SubjectID) > MaxSubjectLength {
		problems = append(problems, fmt.Sprintf("subject too long (%d bytes)", len(s.SubjectID)))
	}
	if strings.TrimSpace(s.Action) == "" {
		problems = append(problems, "missing action")
	} else if len(s.Action) > MaxActionLength {
		problems = append(problems, fmt.Sprintf("action too long (%d bytes)", len(s.Action)))
	}
	switch s.Source {
	case SourceVelocity, SourceAnomaly, SourceManual:
	default:
		problems = append(problems, fmt.Sprintf("unknown source %q", s.Source))
	}
	if s.Severity < MinSeverity || s.Severity > MaxSeverity {
		problems = append(problems, fmt.Sprintf("severity %d out of range", s.Severity))
		s.Severity = ClampSeverity(s.Severity)
	}
	if len(s.Metadata) > 0 {
		raw, err := json.Marshal(s.Metadata)
		switch {
		case err != nil:
			problems = append(problems, "metadata not encodable")
			s.Metadata = map[string]any{"unencodable": err.Error()}
		case len(raw) > maxMetadataBytes:
			problems = append(problems, fmt.Sprintf("metadata too large (%d bytes)", len(raw)))
			s.Metadata = map[string]any{"truncated": string(raw[:maxMetadataBytes/2])}
		}
	}

	s.Valid = len(problems) == 0
	s.ValidationError = strings.Join(problems, "; ")
}

// ClampSeverity forces v into [MinSeverity, MaxSeverity].
func ClampSeverity(v int) int {
	if v < MinSeverity {
		return MinSeverity
	}
	if v > MaxSeverity {
		return MaxSeverity
	}
	return v
}

// Resolved reports whether the signal carries a resolution.
func (s *Signal) Resolved() bool {
	return s.Resolution != nil
}

// MaxSeverityOf returns the highest severity among sigs, or 0.
func MaxSeverityOf(sigs []*Signal) int {
	highest := 0
	for _, s := range sigs {
		if s != nil && s.Severity > highest {
			highest = s.Severity
		}
	}
	return highest
}

func copySignal(s *Signal) *Signal {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.Resolution != nil {
		r := *s.Resolution
		c.Resolution = &r
	}
	return &c
}
