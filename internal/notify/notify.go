// Package notify delivers admin alerts raised by the decision gate.
//
// Delivery is best effort. The gate hands notifications to a Dispatcher,
// which queues them and sends from background workers; a full queue drops
// the alert and a failed send is counted and logged, never returned.
package notify

import (
	"context"
	"time"
)

// Notification is one admin alert.
type Notification struct {
	ID            string    `json:"id"`
	SubjectID     string    `json:"subjectId"`
	Action        string    `json:"action"`
	Severity      int       `json:"severity"`
	Reason        string    `json:"reason"`
	SignalID      string    `json:"signalId,omitempty"`
	Verdict       string    `json:"verdict,omitempty"`
	PolicyVersion string    `json:"policyVersion,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Notifier sends a notification somewhere.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n *Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n *Notification) error { return f(ctx, n) }
