// Package counter holds the windowed counters behind velocity limits.
//
// The only mutation is Incr: increment the counter, or reset it to 1 and
// open a new window when the current one has run its period. Both branches
// execute as one atomic step per key, so concurrent callers never lose a
// reset or an increment.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps every backend failure.
var ErrStoreUnavailable = errors.New("counter: store unavailable")

// Window is the state of one counter after an operation.
type Window struct {
	Count int64
	Start time.Time
}

// Store is a counter backend.
type Store interface {
	// Incr atomically increments key. If no window exists or
	// now - Start >= period, the counter restarts at 1 with Start = now.
	// ttl bounds how long an idle key survives and must be >= period.
	Incr(ctx context.Context, key string, period, ttl time.Duration, now time.Time) (Window, error)
	// Peek reads key without modifying it.
	Peek(ctx context.Context, key string) (Window, bool, error)
	// Ping reports backend health.
	Ping(ctx context.Context) error
}

// Key builds the counter key for a (subject, action) pair.
func Key(action, subjectID string) string {
	return "rg:vel:" + action + ":" + subjectID
}
