// Package idgen generates identifiers for signals, decisions and events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dash-free random UUID,
// e.g. "sig_3f2c0d4e9b7a4c1f8e6d5b4a3c2d1e0f".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
