package realtime

import (
	"time"

	"chatmate/internal/identity/ids"
)

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
