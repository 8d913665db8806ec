package session

import (
	"context"
	"errors"
	"time"

	"chatmate/internal/identity"
	"chatmate/internal/security/password"
	"chatmate/internal/security/token"
)

// Service implements the session operations on top of an identity.Store.
//
// Every mutation is a read-modify-write of one user record, committed with
// Store.Update's version check. Realtime side effects go through the Notifier
// after the commit.
type Service struct {
	cfg       Config
	store     identity.Store
	passwords password.Config
	hasher    token.Hasher

	access  AccessTokenManager
	refresh *RefreshTokenManager

	notifier Notifier
	now      func() time.Time
}

// Option configures optional Service dependencies.
type Option func(*Service)

// WithNotifier routes forced-logout and trust-change events to live connections.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds the token managers from cfg and returns a Service.
func NewService(cfg Config, store identity.Store, passwords password.Config, hasher token.Hasher, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("session: nil store")
	}
	access, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		return nil, err
	}
	refresh, err := NewRefreshTokenManager(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 1
	}

	s := &Service{
		cfg:       cfg,
		store:     store,
		passwords: passwords,
		hasher:    hasher,
		access:    access,
		refresh:   refresh,
		notifier:  noopNotifier{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// PublicKeyHex returns the access-token verification key.
func (s *Service) PublicKeyHex() string { return s.access.PublicKeyHex() }

// VerifyAccess checks an access token's signature and expiry only.
func (s *Service) VerifyAccess(tok string) (AccessClaims, error) {
	if tok == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	return s.access.Verify(tok, s.now())
}

// AuthorizeSession verifies the access token and requires sessionID to be
// bound to an active device and an active login of the token's user.
func (s *Service) AuthorizeSession(ctx context.Context, accessToken, sessionID string) (AccessClaims, error) {
	claims, err := s.VerifyAccess(accessToken)
	if err != nil {
		return AccessClaims{}, err
	}
	if !identity.IsSessionID(sessionID) {
		return AccessClaims{}, ErrSessionNotActive
	}

	u, err := s.store.GetByUsername(ctx, claims.Username)
	if err != nil {
		if identity.IsNotFound(err) {
			return AccessClaims{}, ErrSessionNotActive
		}
		return AccessClaims{}, err
	}
	if !u.SessionAuthorized(sessionID) {
		return AccessClaims{}, ErrSessionNotActive
	}
	return claims, nil
}

func (s *Service) hash(tok string) string { return s.hasher.HashHex(tok) }

// mutate loads a user, applies fn and persists the result, retrying lost
// compare-and-swap races up to MaxCASRetries times. When fn reports no
// change nothing is written. fn must derive everything from the loaded record.
func (s *Service) mutate(
	ctx context.Context,
	load func(context.Context) (identity.User, error),
	fn func(*identity.User) bool,
) (identity.User, bool, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxCASRetries; attempt++ {
		u, err := load(ctx)
		if err != nil {
			return identity.User{}, false, err
		}
		if !fn(&u) {
			return u, false, nil
		}
		saved, err := s.store.Update(ctx, u)
		if err == nil {
			return saved, true, nil
		}
		if !identity.IsVersionConflict(err) {
			return identity.User{}, false, err
		}
		lastErr = err
	}
	return identity.User{}, false, lastErr
}

func (s *Service) notifyForcedLogout(ids []string) {
	for _, id := range ids {
		if id != "" {
			s.notifier.NotifyForcedLogout(id)
		}
	}
}
