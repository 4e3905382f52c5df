package service

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/domain"
	"github.com/zzenonn/blobmigrate/internal/errors"
)

// Session is the privileged execution context a migration run acts under.
// Downstream calls take their identity from it, and it stops handing one
// out once closed.
type Session struct {
	identity domain.Identity
	closed   atomic.Bool
}

// OpenSession starts a session for the service identity.
func OpenSession(identity domain.Identity) (*Session, error) {
	if identity.User == "" {
		return nil, errors.ConfigNotSetError("site.user")
	}
	log.Debugf("Opened service session as %s", identity.User)
	return &Session{identity: identity}, nil
}

// Identity returns the identity of an open session.
func (s *Session) Identity() (domain.Identity, error) {
	if s == nil || s.closed.Load() {
		return domain.Identity{}, errors.ErrSessionClosed
	}
	return s.identity, nil
}

// Close ends the session. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		log.Debugf("Closed service session for %s", s.identity.User)
	}
	return nil
}
