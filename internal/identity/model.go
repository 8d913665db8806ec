package identity

import (
	"slices"
	"time"
)

// Role is a numeric role code carried in access tokens.
type Role int

// Role codes.
const (
	RoleUser   Role = 2001
	RoleEditor Role = 1984
	RoleAdmin  Role = 5150
)

// DefaultRoles is the role set granted at registration.
func DefaultRoles() []Role { return []Role{RoleUser} }

// LoginRecord is one authenticated login ("session").
type LoginRecord struct {
	SessionID string    `json:"sessionId"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent"`
	CreatedAt time.Time `json:"createdAt"`
	Active    bool      `json:"active"`

	// RefreshTokenHash is empty once the session's refresh token was invalidated.
	RefreshTokenHash string `json:"refreshTokenHash"`
}

// Device is a reconciled (network address, client signature) pair.
type Device struct {
	ID            string    `json:"id"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"userAgent"`
	LastActivity  time.Time `json:"lastActivity"`
	Active        bool      `json:"active"`
	ActiveSession string    `json:"activeSession"`
	PastSessions  []string  `json:"pastSessions"`
	Trusted       bool      `json:"trusted"`
}

// SameSignature reports whether d was derived from the given address and client signature.
func (d Device) SameSignature(ip, userAgent string) bool {
	return d.IP == ip && d.UserAgent == userAgent
}

func (d Device) clone() Device {
	d.PastSessions = slices.Clone(d.PastSessions)
	return d
}

// User is the persisted credential record.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Roles        []Role

	// RefreshTokens holds hashes of the currently valid refresh tokens.
	RefreshTokens []string
	Logins        LoginHistory
	Devices       []Device

	// Version is the compare-and-swap counter; Store.Update bumps it.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of u.
func (u User) Clone() User {
	out := u
	out.Roles = slices.Clone(u.Roles)
	out.RefreshTokens = slices.Clone(u.RefreshTokens)
	out.Logins = NewLoginHistory(u.Logins.Capacity(), u.Logins.Entries())
	out.Devices = make([]Device, len(u.Devices))
	for i, d := range u.Devices {
		out.Devices[i] = d.clone()
	}
	return out
}

// RoleCodes returns the non-zero role codes as ints.
func (u User) RoleCodes() []int {
	out := make([]int, 0, len(u.Roles))
	for _, r := range u.Roles {
		if r != 0 {
			out = append(out, int(r))
		}
	}
	return out
}

// HasRefreshToken reports whether hash is in the valid set.
func (u User) HasRefreshToken(hash string) bool {
	return hash != "" && slices.Contains(u.RefreshTokens, hash)
}

// AddRefreshToken adds hash to the valid set.
func (u *User) AddRefreshToken(hash string) {
	if hash == "" || u.HasRefreshToken(hash) {
		return
	}
	u.RefreshTokens = append(u.RefreshTokens, hash)
}

// RemoveRefreshToken drops hash from the valid set and reports whether it was present.
func (u *User) RemoveRefreshToken(hash string) bool {
	n := len(u.RefreshTokens)
	u.RefreshTokens = slices.DeleteFunc(u.RefreshTokens, func(s string) bool { return s == hash })
	return len(u.RefreshTokens) != n
}

// DeviceIndexBySession returns the device currently bound to sessionID, or -1.
func (u User) DeviceIndexBySession(sessionID string) int {
	if sessionID == "" {
		return -1
	}
	return slices.IndexFunc(u.Devices, func(d Device) bool { return d.ActiveSession == sessionID })
}

// DeviceIndexByID returns the device with id, or -1.
func (u User) DeviceIndexByID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(u.Devices, func(d Device) bool { return d.ID == id })
}

// SessionAuthorized reports whether sessionID is bound to an active device and an active login.
func (u User) SessionAuthorized(sessionID string) bool {
	i := u.DeviceIndexBySession(sessionID)
	if i < 0 || !u.Devices[i].Active {
		return false
	}
	j := u.Logins.Index(sessionID)
	return j >= 0 && u.Logins.At(j).Active
}

// DeactivateSession ends one session without a cookie in hand: the login goes
// inactive and any device bound to it loses the binding and its trust. The
// refresh hash stays in the valid set; presenting it later finds no bound
// device and is rejected. It reports whether anything changed.
func (u *User) DeactivateSession(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	changed := false

	if i := u.Logins.Index(sessionID); i >= 0 {
		rec := u.Logins.At(i)
		if rec.Active {
			rec.Active = false
			changed = true
		}
	}

	for i := range u.Devices {
		if u.Devices[i].ActiveSession != sessionID {
			continue
		}
		releaseDevice(&u.Devices[i], sessionID)
		changed = true
	}
	return changed
}

// RetireSession is DeactivateSession for a caller holding the session's
// refresh token: the hash also leaves the valid set and the login record.
func (u *User) RetireSession(sessionID string) bool {
	changed := u.DeactivateSession(sessionID)
	if i := u.Logins.Index(sessionID); i >= 0 {
		rec := u.Logins.At(i)
		if rec.RefreshTokenHash != "" {
			u.RemoveRefreshToken(rec.RefreshTokenHash)
			rec.RefreshTokenHash = ""
			changed = true
		}
	}
	return changed
}

// RetireEvicted undoes what an evicted login still holds: its refresh hash
// leaves the valid set and any device bound to it is released.
func (u *User) RetireEvicted(rec LoginRecord) {
	if rec.RefreshTokenHash != "" {
		u.RemoveRefreshToken(rec.RefreshTokenHash)
	}
	for i := range u.Devices {
		if u.Devices[i].ActiveSession == rec.SessionID {
			releaseDevice(&u.Devices[i], rec.SessionID)
		}
	}
}

// RevokeAllSessions empties the valid token set and retires every login and device binding.
// It returns the ids of sessions that were active before the call.
func (u *User) RevokeAllSessions() []string {
	active := u.Logins.ActiveSessionIDs()

	u.RefreshTokens = nil
	for i := 0; i < u.Logins.Len(); i++ {
		rec := u.Logins.At(i)
		rec.Active = false
		rec.RefreshTokenHash = ""
	}
	for i := range u.Devices {
		d := &u.Devices[i]
		if d.ActiveSession != "" {
			releaseDevice(d, d.ActiveSession)
			continue
		}
		d.Active = false
		d.Trusted = false
	}
	return active
}

// TokenSetConsistent reports whether every active login's refresh hash is in
// RefreshTokens and every hash in RefreshTokens is held by a login still in
// history. Sessions ended by id keep their hash until it is presented again.
func (u User) TokenSetConsistent() bool {
	held := make(map[string]bool)
	for _, rec := range u.Logins.Entries() {
		if rec.RefreshTokenHash == "" {
			continue
		}
		held[rec.RefreshTokenHash] = true
		if rec.Active && !u.HasRefreshToken(rec.RefreshTokenHash) {
			return false
		}
	}
	for _, h := range u.RefreshTokens {
		if !held[h] {
			return false
		}
	}
	return true
}

func releaseDevice(d *Device, sessionID string) {
	d.Active = false
	d.ActiveSession = ""
	d.Trusted = false
	if sessionID != "" && !slices.Contains(d.PastSessions, sessionID) {
		d.PastSessions = append(d.PastSessions, sessionID)
	}
}
