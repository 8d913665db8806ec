package session

import (
	"context"

	"chatmate/internal/identity"
)

// RefreshInput is a silent refresh request.
type RefreshInput struct {
	Cookie    string
	IP        string
	UserAgent string
}

// Refresh runs the rotation state machine over the presented refresh token.
//
//   - no token: ErrNoRefreshToken, nothing changes.
//   - hash unknown to every user: if the token carries this server's signature,
//     its owner's sessions are all revoked (replay). Otherwise nothing changes.
//   - hash known but held by no login: the hash is dropped from the set.
//   - token invalid or expired: that one session is deactivated.
//   - token names another user: rejected, nothing changes.
//   - device untrusted: that session is deactivated and the device released.
//   - device trusted: the token is rotated in the set and the login.
//
// All rejections wrap ErrRefreshRejected. If the cleanup write fails, that
// error is returned instead.
func (s *Service) Refresh(ctx context.Context, in RefreshInput) (Issued, error) {
	if in.Cookie == "" {
		return Issued{}, ErrNoRefreshToken
	}
	now := s.now()
	h := s.hash(in.Cookie)

	u, err := s.store.GetByRefreshHash(ctx, h)
	if identity.IsNotFound(err) {
		return Issued{}, s.containReplay(ctx, in.Cookie)
	}
	if err != nil {
		return Issued{}, err
	}

	idx := u.Logins.IndexByRefreshHash(h)
	if idx < 0 {
		u.RemoveRefreshToken(h)
		if _, err := s.store.Update(ctx, u); err != nil {
			return Issued{}, err
		}
		return Issued{}, RefreshRejectedError{Reason: ReasonOrphaned, Username: u.Username}
	}
	sessionID := u.Logins.At(idx).SessionID

	claims, err := s.refresh.Verify(in.Cookie, now)
	if err != nil {
		u.RetireSession(sessionID)
		if _, uerr := s.store.Update(ctx, u); uerr != nil {
			return Issued{}, uerr
		}
		return Issued{}, RefreshRejectedError{Reason: ReasonInvalidToken, SessionID: sessionID, Username: u.Username, Cause: ErrInvalidToken}
	}

	if claims.Username != u.Username {
		return Issued{}, RefreshRejectedError{Reason: ReasonIdentityMismatch, SessionID: sessionID, Username: u.Username, Cause: ErrInvalidToken}
	}

	di := u.DeviceIndexBySession(sessionID)
	if di < 0 || !u.Devices[di].Trusted {
		u.RetireSession(sessionID)
		if _, err := s.store.Update(ctx, u); err != nil {
			return Issued{}, err
		}
		return Issued{}, RefreshRejectedError{Reason: ReasonUntrusted, SessionID: sessionID, Username: u.Username, Cause: ErrUntrustedDevice}
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

	next := s.hash(refreshTok)
	u.RemoveRefreshToken(h)
	u.AddRefreshToken(next)

	rec := u.Logins.At(idx)
	rec.RefreshTokenHash = next
	rec.Active = true

	dev := &u.Devices[di]
	dev.LastActivity = now
	dev.Active = true

	if _, err := s.store.Update(ctx, u); err != nil {
		return Issued{}, err
	}

	return Issued{
		Username:     u.Username,
		Roles:        roles,
		SessionID:    sessionID,
		AccessToken:  accessTok,
		AccessExp:    accessExp,
		RefreshToken: refreshTok,
		RefreshExp:   refreshExp,
		Trusted:      true,
	}, nil
}

// containReplay handles a refresh token that no user currently holds.
func (s *Service) containReplay(ctx context.Context, tok string) error {
	claims, err := s.refresh.DecodeSigned(tok)
	if err != nil {
		return RefreshRejectedError{Reason: ReasonForged, Cause: ErrInvalidToken}
	}

	_, _, err = s.mutate(ctx,
		func(ctx context.Context) (identity.User, error) {
			return s.store.GetByUsername(ctx, claims.Username)
		},
		func(u *identity.User) bool {
			u.RevokeAllSessions()
			return true
		},
	)
	if identity.IsNotFound(err) {
		return RefreshRejectedError{Reason: ReasonForged, Username: claims.Username, Cause: ErrInvalidToken}
	}
	if err != nil {
		return err
	}

	s.notifier.NotifyAccountLogout(claims.Username)
	return RefreshRejectedError{Reason: ReasonReplay, Username: claims.Username, Cause: ErrRefreshReuseDetected}
}
