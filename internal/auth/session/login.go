package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatmate/internal/identity"
	"chatmate/internal/security/password"
)

// maxUsernameLen bounds usernames at registration.
const maxUsernameLen = 64

// Register creates an account with the default role set.
func (s *Service) Register(ctx context.Context, username, pw string) (identity.User, error) {
	const op = "session.Register"

	username = strings.TrimSpace(username)
	if username == "" || pw == "" {
		return identity.User{}, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "username and password are required"}
	}
	if len(username) > maxUsernameLen {
		return identity.User{}, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "username too long"}
	}

	hash, err := s.passwords.Hash(pw)
	if err != nil {
		if isPolicyError(err) {
			return identity.User{}, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: err.Error()}
		}
		return identity.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return s.store.CreateUser(ctx, identity.CreateUserInput{
		Username:     username,
		PasswordHash: hash,
		Roles:        identity.DefaultRoles(),
		Now:          s.now(),
	})
}

// LoginInput is one credential login.
type LoginInput struct {
	Username string
	Password string

	// Trust marks the device as allowed to refresh silently.
	Trust bool

	// PriorSessionID, if set, is retired as part of this login.
	PriorSessionID string

	// RefreshCookie is the refresh token the client still carried, if any.
	RefreshCookie string

	IP        string
	UserAgent string
}

// Issued is what a successful login or refresh hands back to the client.
type Issued struct {
	Username     string
	Roles        []int
	SessionID    string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
	Trusted      bool
}

// Login verifies credentials, records a new session and reconciles devices.
//
// Sessions that the login displaces receive a forced logout once the write
// has committed: a stray cookie's theft wipe logs out the whole account,
// history eviction only the evicted session. A lost
// version race is returned as a conflict and not retried.
func (s *Service) Login(ctx context.Context, in LoginInput) (Issued, error) {
	if strings.TrimSpace(in.Username) == "" || in.Password == "" {
		return Issued{}, identity.OpError{Op: "session.Login", Kind: identity.ErrInvalidInput, Msg: "username and password are required"}
	}

	u, err := s.store.GetByUsername(ctx, in.Username)
	if err != nil {
		if identity.IsNotFound(err) {
			s.passwords.VerifyDummy(in.Password)
			return Issued{}, ErrInvalidCredentials
		}
		return Issued{}, err
	}

	ok, err := s.passwords.Verify(u.PasswordHash, in.Password)
	if err != nil && !errors.Is(err, password.ErrInvalidHash) {
		return Issued{}, err
	}
	if !ok {
		return Issued{}, ErrInvalidCredentials
	}

	now := s.now()
	var (
		displaced []string
		wiped     bool
	)

	if in.PriorSessionID != "" {
		u.DeactivateSession(in.PriorSessionID)
	}

	if in.RefreshCookie != "" {
		h := s.hash(in.RefreshCookie)
		switch {
		case !u.HasRefreshToken(h):
			// A cookie this account never issued (or already retired).
			u.RevokeAllSessions()
			wiped = true
		default:
			if i := u.Logins.IndexByRefreshHash(h); i >= 0 {
				u.RetireSession(u.Logins.At(i).SessionID)
			} else {
				u.RemoveRefreshToken(h)
			}
		}
	}

	refreshTok, refreshExp, err := s.refresh.Issue(u.Username, now)
	if err != nil {
		return Issued{}, err
	}
	roles := u.RoleCodes()
	accessTok, accessExp, err := s.access.Issue(u.Username, roles, now)
	if err != nil {
		return Issued{}, err
	}
	sessionID, err := identity.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	rec := identity.LoginRecord{
		SessionID:        sessionID,
		IP:               in.IP,
		UserAgent:        identity.NormalizeUserAgent(in.UserAgent),
		CreatedAt:        now,
		Active:           true,
		RefreshTokenHash: s.hash(refreshTok),
	}
	for _, ev := range u.Logins.Append(rec) {
		u.RetireEvicted(ev)
		if ev.Active {
			displaced = append(displaced, ev.SessionID)
		}
	}
	u.AddRefreshToken(rec.RefreshTokenHash)

	u.Devices = identity.ReconcileDevices(u.Logins.Entries(), u.Devices)
	if i := u.DeviceIndexBySession(sessionID); i >= 0 {
		u.Devices[i].Trusted = in.Trust
	}

	if _, err := s.store.Update(ctx, u); err != nil {
		return Issued{}, err
	}
	if wiped {
		s.notifier.NotifyAccountLogout(u.Username)
	}
	s.notifyForcedLogout(displaced)

	return Issued{
		Username:     u.Username,
		Roles:        roles,
		SessionID:    sessionID,
		AccessToken:  accessTok,
		AccessExp:    accessExp,
		RefreshToken: refreshTok,
		RefreshExp:   refreshExp,
		Trusted:      in.Trust,
	}, nil
}

func isPolicyError(err error) bool {
	return errors.Is(err, password.ErrPasswordTooShort) ||
		errors.Is(err, password.ErrPasswordTooLong) ||
		errors.Is(err, password.ErrWeakPassword)
}
