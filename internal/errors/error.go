package errors

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotSet        = errors.New("required configuration option is not set")
	ErrRecordClaimed       = errors.New("resource is locked by another worker")
	ErrAuthzServiceMissing = errors.New("authorization service is not available")
	ErrAuthorizationFailed = errors.New("failed to obtain an authorization token")
	ErrNotAuthorized       = errors.New("no scopes were granted for the requested action")
	ErrUnreadableBody      = errors.New("download response body is not readable")
	ErrSessionClosed       = errors.New("service session is closed")
	ErrEmptySource         = errors.New("no download handler returned a response")
	ErrRelativeRedirect    = errors.New("download redirect does not name an absolute URL")
)

// UnexpectedResponseError is returned when a download handler answers with a
// status the fetcher does not know how to follow.
type UnexpectedResponseError struct {
	StatusCode int
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected download response status: %d", e.StatusCode)
}

// ConfigNotSetError names the missing configuration key.
func ConfigNotSetError(key string) error {
	return fmt.Errorf("%w: configuration option '%s' is not set", ErrConfigNotSet, key)
}
