// Package session holds the broker access token the upstream feed and the
// REST pass-through routes authenticate with. There is exactly one session
// per process; it expires after a fixed TTL and can be persisted so a
// restart does not force a new login.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrNoSession is returned by persisters when nothing is stored.
var ErrNoSession = errors.New("session: no access token")

// DefaultTTL matches the broker's daily token lifetime.
const DefaultTTL = 18 * time.Hour

// Session is one authenticated broker session.
type Session struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer usable at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Provider supplies the credential needed to open the upstream feed.
type Provider interface {
	CurrentAccessToken(ctx context.Context) (string, bool)
}

// Persister stores the session outside the process.
type Persister interface {
	Save(ctx context.Context, s Session) error
	// Load returns ErrNoSession when nothing is stored.
	Load(ctx context.Context) (Session, error)
	Clear(ctx context.Context) error
}

// Store is the in-memory session with optional persistence.
type Store struct {
	mu      sync.RWMutex
	current *Session

	ttl     time.Duration
	clock   clockwork.Clock
	persist Persister
	log     *zap.Logger
}

// NewStore creates a store. persist may be nil for a memory-only store.
func NewStore(ttl time.Duration, clock clockwork.Clock, persist Persister, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		clock:   clock,
		persist: persist,
		log:     log,
	}
}

// Set installs a new session for accessToken. The in-memory session is
// replaced even if persisting fails; the persist error is returned.
func (s *Store) Set(ctx context.Context, accessToken, userID string) (Session, error) {
	now := s.clock.Now().UTC()
	sess := Session{
		AccessToken: accessToken,
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(ctx, sess); err != nil {
			return sess, fmt.Errorf("persisting session: %w", err)
		}
	}
	return sess, nil
}

// Get returns the current session. Expired sessions read as absent.
func (s *Store) Get() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.Expired(s.clock.Now()) {
		return Session{}, false
	}
	return *s.current, true
}

// CurrentAccessToken implements Provider.
func (s *Store) CurrentAccessToken(_ context.Context) (string, bool) {
	sess, ok := s.Get()
	if !ok || sess.AccessToken == "" {
		return "", false
	}
	return sess.AccessToken, true
}

// Clear drops the session from memory and the persister.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Clear(ctx); err != nil {
			return fmt.Errorf("clearing persisted session: %w", err)
		}
	}
	return nil
}

// Restore loads a persisted session at startup. A missing or expired
// session is not an error. Returns whether a usable session was restored.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	if s.persist == nil {
		return false, nil
	}
	sess, err := s.persist.Load(ctx)
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading persisted session: %w", err)
	}
	if sess.AccessToken == "" || sess.Expired(s.clock.Now()) {
		s.log.Info("persisted session expired, ignoring", zap.Time("expires_at", sess.ExpiresAt))
		return false, nil
	}

	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()

	s.log.Info("session restored",
		zap.String("user_id", sess.UserID),
		zap.Time("expires_at", sess.ExpiresAt),
	)
	return true, nil
}
