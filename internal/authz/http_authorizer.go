package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/zzenonn/blobmigrate/internal/domain"
	"github.com/zzenonn/blobmigrate/internal/errors"
)

// HTTPAuthorizer requests tokens from the host application's
// authorization action.
type HTTPAuthorizer struct {
	url    string
	client *http.Client
}

// NewHTTPAuthorizer creates an authorizer posting to actionURL.
func NewHTTPAuthorizer(actionURL string, client *http.Client) *HTTPAuthorizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAuthorizer{url: actionURL, client: client}
}

type authorizeRequest struct {
	Scopes []string `json:"scopes"`
}

type actionResponse struct {
	Success bool            `json:"success"`
	Result  Token           `json:"result"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, identity domain.Identity, scopes []string) (Token, error) {
	payload, err := json.Marshal(authorizeRequest{Scopes: scopes})
	if err != nil {
		return Token{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if identity.APIKey != "" {
		req.Header.Set("Authorization", identity.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("authorization request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Token{}, errors.ErrAuthzServiceMissing
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("%w: HTTP %d: %s", errors.ErrAuthorizationFailed, resp.StatusCode, bytes.TrimSpace(body))
	}

	var out actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, fmt.Errorf("invalid authorization response: %w", err)
	}
	if !out.Success {
		return Token{}, fmt.Errorf("%w: %s", errors.ErrAuthorizationFailed, out.Error)
	}
	return out.Result, nil
}
