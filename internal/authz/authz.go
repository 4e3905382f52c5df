// Package authz obtains short-lived scoped tokens for the blob store.
package authz

import (
	"context"
	"fmt"

	"github.com/zzenonn/blobmigrate/internal/domain"
	"github.com/zzenonn/blobmigrate/internal/errors"
)

// Token is a bearer token and the scopes it was granted for.
type Token struct {
	Token         string   `json:"token"`
	GrantedScopes []string `json:"granted_scopes"`
}

// Authorizer issues tokens for a set of requested scopes.
type Authorizer interface {
	Authorize(ctx context.Context, identity domain.Identity, scopes []string) (Token, error)
}

// RequestToken asks a for a token and rejects empty tokens and empty grants.
func RequestToken(ctx context.Context, a Authorizer, identity domain.Identity, scopes []string) (Token, error) {
	if a == nil {
		return Token{}, errors.ErrAuthzServiceMissing
	}

	tok, err := a.Authorize(ctx, identity, scopes)
	if err != nil {
		return Token{}, err
	}
	if tok.Token == "" {
		return Token{}, fmt.Errorf("%w for scopes %v", errors.ErrAuthorizationFailed, scopes)
	}
	if len(tok.GrantedScopes) == 0 {
		return Token{}, fmt.Errorf("%w: %v", errors.ErrNotAuthorized, scopes)
	}
	return tok, nil
}
