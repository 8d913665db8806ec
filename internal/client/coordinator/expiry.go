package coordinator

import (
	"errors"
	"fmt"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// TokenInfo is what the client reads from an access token.
type TokenInfo struct {
	Username  string
	ExpiresAt time.Time
}

// TokenReader extracts TokenInfo from an access token.
type TokenReader func(accessToken string) (TokenInfo, error)

var errNoExpiry = errors.New("access token has no expiry")

// NewPasetoReader verifies v4.public access tokens with the server's public
// key. Expiry is read, not enforced; an expired token yields a past ExpiresAt.
func NewPasetoReader(publicKeyHex string) (TokenReader, error) {
	key, err := paseto.NewV4AsymmetricPublicKeyFromHex(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return func(tok string) (TokenInfo, error) {
		p := paseto.NewParserWithoutExpiryCheck()
		parsed, err := p.ParseV4Public(key, tok, nil)
		if err != nil {
			return TokenInfo{}, err
		}
		exp, err := parsed.GetExpiration()
		if err != nil {
			return TokenInfo{}, errNoExpiry
		}
		sub, _ := parsed.GetSubject()
		return TokenInfo{Username: sub, ExpiresAt: exp}, nil
	}, nil
}
