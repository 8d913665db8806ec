package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatmate/internal/identity"
)

// RefreshClaims is the refresh token payload. It names the user only.
type RefreshClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// RefreshTokenManager signs and parses HS256 refresh tokens.
type RefreshTokenManager struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
}

// NewRefreshTokenManager builds a manager from cfg.RefreshSecret.
func NewRefreshTokenManager(cfg Config) (*RefreshTokenManager, error) {
	if len(cfg.RefreshSecret) < MinRefreshSecretBytes || cfg.RefreshTokenTTL <= 0 {
		return nil, ErrConfig
	}
	return &RefreshTokenManager{
		secret:    []byte(cfg.RefreshSecret),
		issuer:    cfg.Issuer,
		ttl:       cfg.RefreshTokenTTL,
		clockSkew: cfg.ClockSkew,
	}, nil
}

// Issue mints a refresh token for username. Each token carries a fresh ULID
// "jti" so two logins in the same second still hash differently.
func (m *RefreshTokenManager) Issue(username string, now time.Time) (string, time.Time, error) {
	jti, err := identity.NewULID(now)
	if err != nil {
		return "", time.Time{}, err
	}
	exp := now.Add(m.ttl)

	claims := RefreshClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify fully validates tok: signature, issuer and expiry at now.
func (m *RefreshTokenManager) Verify(tok string, now time.Time) (RefreshClaims, error) {
	return m.parse(tok,
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
}

// DecodeSigned checks only the signature and returns the claims, even for an
// expired token. It is used to attribute a replayed token to its owner.
func (m *RefreshTokenManager) DecodeSigned(tok string) (RefreshClaims, error) {
	return m.parse(tok, jwt.WithoutClaimsValidation())
}

func (m *RefreshTokenManager) parse(tok string, opts ...jwt.ParserOption) (RefreshClaims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	var claims RefreshClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return RefreshClaims{}, errors.Join(ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Username == "" {
		return RefreshClaims{}, ErrInvalidToken
	}
	return claims, nil
}
