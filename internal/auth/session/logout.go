package session

import (
	"context"
	"errors"
	"fmt"

	"chatmate/internal/identity"
)

// LogoutInput identifies what the client wants to end. Both fields are optional.
type LogoutInput struct {
	PriorSessionID string
	Cookie         string
}

// Logout deactivates the named session and the session holding the cookie.
// Unknown sessions and tokens are ignored, so repeating a logout is a no-op.
func (s *Service) Logout(ctx context.Context, in LogoutInput) error {
	var errs []error

	if in.PriorSessionID != "" {
		_, _, err := s.mutate(ctx,
			func(ctx context.Context) (identity.User, error) {
				return s.store.GetBySessionID(ctx, in.PriorSessionID)
			},
			func(u *identity.User) bool { return u.DeactivateSession(in.PriorSessionID) },
		)
		if err != nil && !identity.IsNotFound(err) {
			errs = append(errs, err)
		}
	}

	if in.Cookie != "" {
		h := s.hash(in.Cookie)
		_, _, err := s.mutate(ctx,
			func(ctx context.Context) (identity.User, error) {
				return s.store.GetByRefreshHash(ctx, h)
			},
			func(u *identity.User) bool {
				if i := u.Logins.IndexByRefreshHash(h); i >= 0 {
					return u.RetireSession(u.Logins.At(i).SessionID)
				}
				return u.RemoveRefreshToken(h)
			},
		)
		if err != nil && !identity.IsNotFound(err) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ForceLogout deactivates sessionID and, once persisted, tells its live
// connections to log out. It reports whether a session was found.
func (s *Service) ForceLogout(ctx context.Context, sessionID string) (bool, error) {
	if !identity.IsSessionID(sessionID) {
		return false, identity.OpError{Op: "session.ForceLogout", Kind: identity.ErrInvalidInput, Msg: "malformed session id"}
	}

	_, _, err := s.mutate(ctx,
		func(ctx context.Context) (identity.User, error) {
			return s.store.GetBySessionID(ctx, sessionID)
		},
		func(u *identity.User) bool { return u.DeactivateSession(sessionID) },
	)
	if identity.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.notifier.NotifyForcedLogout(sessionID)
	return true, nil
}

// ResetInput changes a password. The caller must already have checked that
// the requester is Username.
type ResetInput struct {
	Username string
	Password string
}

// ResetPassword sets a new password and revokes every session of the user.
// It returns the ids of sessions that were active.
func (s *Service) ResetPassword(ctx context.Context, in ResetInput) ([]string, error) {
	const op = "session.ResetPassword"

	if in.Username == "" || in.Password == "" {
		return nil, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "username and password are required"}
	}
	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		if isPolicyError(err) {
			return nil, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: err.Error()}
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var revoked []string
	_, _, err = s.mutate(ctx,
		func(ctx context.Context) (identity.User, error) {
			return s.store.GetByUsername(ctx, in.Username)
		},
		func(u *identity.User) bool {
			u.PasswordHash = hash
			revoked = u.RevokeAllSessions()
			return true
		},
	)
	if err != nil {
		return nil, err
	}

	s.notifier.NotifyAccountLogout(in.Username)
	return revoked, nil
}
