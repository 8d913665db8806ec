package identity

// DefaultLoginCapacity is the number of login records kept per user.
const DefaultLoginCapacity = 10

// LoginHistory is a fixed-capacity, insertion-ordered collection of login records.
//
// Eviction policy: Append beyond capacity drops the oldest entries first,
// whether or not they are still active. The evicted records are returned so the
// caller can retire their sessions in the same write.
//
// The zero value is an empty history with DefaultLoginCapacity.
type LoginHistory struct {
	capacity int
	entries  []LoginRecord
}

// NewLoginHistory builds a history from stored entries (oldest first).
// If entries exceed capacity, only the newest ones are kept.
func NewLoginHistory(capacity int, entries []LoginRecord) LoginHistory {
	if capacity <= 0 {
		capacity = DefaultLoginCapacity
	}
	if len(entries) > capacity {
		entries = entries[len(entries)-capacity:]
	}
	out := make([]LoginRecord, 0, capacity+1)
	out = append(out, entries...)
	return LoginHistory{capacity: capacity, entries: out}
}

// Capacity returns the maximum number of records kept.
func (h LoginHistory) Capacity() int {
	if h.capacity <= 0 {
		return DefaultLoginCapacity
	}
	return h.capacity
}

// Len returns the number of stored records.
func (h LoginHistory) Len() int { return len(h.entries) }

// Entries returns a copy of the records, oldest first.
func (h LoginHistory) Entries() []LoginRecord {
	out := make([]LoginRecord, len(h.entries))
	copy(out, h.entries)
	return out
}

// Append adds rec as the newest record and returns whatever was evicted.
func (h *LoginHistory) Append(rec LoginRecord) []LoginRecord {
	h.entries = append(h.entries, rec)

	over := len(h.entries) - h.Capacity()
	if over <= 0 {
		return nil
	}

	evicted := make([]LoginRecord, over)
	copy(evicted, h.entries[:over])

	kept := make([]LoginRecord, 0, h.Capacity()+1)
	kept = append(kept, h.entries[over:]...)
	h.entries = kept
	return evicted
}

// Index returns the position of the record with sessionID, or -1.
func (h LoginHistory) Index(sessionID string) int {
	if sessionID == "" {
		return -1
	}
	for i := range h.entries {
		if h.entries[i].SessionID == sessionID {
			return i
		}
	}
	return -1
}

// IndexByRefreshHash returns the position of the record currently holding hash, or -1.
func (h LoginHistory) IndexByRefreshHash(hash string) int {
	if hash == "" {
		return -1
	}
	for i := range h.entries {
		if h.entries[i].RefreshTokenHash == hash {
			return i
		}
	}
	return -1
}

// At returns a pointer to the i-th record for in-place mutation.
// The pointer is invalidated by the next Append.
func (h *LoginHistory) At(i int) *LoginRecord {
	if i < 0 || i >= len(h.entries) {
		return nil
	}
	return &h.entries[i]
}

// ActiveSessionIDs returns the ids of active records in stored order.
func (h LoginHistory) ActiveSessionIDs() []string {
	var out []string
	for _, rec := range h.entries {
		if rec.Active {
			out = append(out, rec.SessionID)
		}
	}
	return out
}
