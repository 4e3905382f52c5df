package authz

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zzenonn/blobmigrate/internal/domain"
)

// Claims carried by locally minted tokens.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// JWTAuthorizer mints ES256 tokens granting every requested scope. It is
// used when the blob store trusts the migration key directly.
type JWTAuthorizer struct {
	key    *ecdsa.PrivateKey
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTAuthorizer creates an authorizer signing with key.
func NewJWTAuthorizer(key *ecdsa.PrivateKey, issuer string, ttl time.Duration) *JWTAuthorizer {
	return &JWTAuthorizer{key: key, issuer: issuer, ttl: ttl, now: time.Now}
}

func (a *JWTAuthorizer) Authorize(ctx context.Context, identity domain.Identity, scopes []string) (Token, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   identity.User,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Scopes: scopes,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(a.key)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign authorization token: %w", err)
	}

	granted := make([]string, len(scopes))
	copy(granted, scopes)
	return Token{Token: signed, GrantedScopes: granted}, nil
}
