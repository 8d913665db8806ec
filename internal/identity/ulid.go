package identity

import (
	"time"

	"chatmate/internal/identity/ids"
)

// NewULID returns a new ULID (26-char string).
func NewULID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// IsSessionID reports whether s is a well-formed session id.
func IsSessionID(s string) bool {
	return ids.Valid(s)
}
