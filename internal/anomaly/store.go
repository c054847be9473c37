package anomaly

import (
	"context"
	"time"
)

// LocationEvent is one observed position of a subject. Events are
// append-only.
type LocationEvent struct {
	SubjectID  string    `json:"subjectId"`
	Point      Point     `json:"point"`
	ObservedAt time.Time `json:"observedAt"`
}

// Fingerprint is a device seen for a subject.
type Fingerprint struct {
	SubjectID string    `json:"subjectId"`
	Hash      string    `json:"fingerprintHash"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	UseCount  int       `json:"useCount"`
	Trusted   bool      `json:"trusted"`
}

// Neighbors are the stored events on either side of a new event in
// observed time. Either may be nil.
type Neighbors struct {
	// Prev is the latest event observed at or before the new one.
	Prev *LocationEvent
	// Next is the earliest event observed after it. It is set only when the
	// new event arrived late.
	Next *LocationEvent
}

// LocationStore keeps location history.
type LocationStore interface {
	// Record appends ev and returns its neighbors in observed time as they
	// were before the append. Read and append are atomic per subject.
	Record(ctx context.Context, ev *LocationEvent) (Neighbors, error)
	// Prune deletes events observed before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeviceStore keeps fingerprint usage.
type DeviceStore interface {
	// Touch atomically upserts the fingerprint, bumping use_count and
	// last_seen. trusted becomes true once use_count reaches autoTrust and
	// stays true. It returns the updated row and the subject's distinct
	// fingerprint count after the upsert.
	Touch(ctx context.Context, subjectID, hash string, at time.Time, autoTrust int) (*Fingerprint, int, error)
	// CountDistinct returns how many fingerprints the subject has used.
	CountDistinct(ctx context.Context, subjectID string) (int, error)
	// List returns the subject's fingerprints, most recently seen first.
	List(ctx context.Context, subjectID string) ([]*Fingerprint, error)
	// Prune deletes fingerprints not seen since cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
