package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"portfolio-copilot/internal/session"
)

// DefaultKey is where the broker session lives.
const DefaultKey = "kite:session"

// Config configures the Redis token store.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Key         string        // defaults to DefaultKey
	DialTimeout time.Duration // defaults to 2s

	// Breaker tuning. Zero values pick defaults.
	MaxFailures  uint32        // consecutive failures before opening (5)
	ResetTimeout time.Duration // open -> half-open delay (10s)

	// OnStateChange is invoked on breaker transitions (optional).
	OnStateChange func(from, to gobreaker.State)
}

// TokenStore persists the broker session in Redis behind a circuit breaker,
// so a Redis outage fails login persistence fast instead of stalling the
// auth routes. It implements session.Persister.
type TokenStore struct {
	client *goredis.Client
	cb     *gobreaker.CircuitBreaker
	key    string
	log    *zap.Logger
}

// New creates the store. It does not contact Redis; call Ping to check.
func New(cfg Config, log *zap.Logger) *TokenStore {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		MaxRetries:  -1,
	})

	maxFailures := cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-session",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, goredis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from, to)
			}
		},
	})

	return &TokenStore{client: client, cb: cb, key: cfg.Key, log: log}
}

// Save stores the session with a Redis TTL matching its expiry.
// An already expired session deletes the key instead.
func (s *TokenStore) Save(ctx context.Context, sess session.Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return s.Clear(ctx)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("redis marshal session: %w", err)
	}
	_, err = s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, s.key, data, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

// Load returns the stored session or session.ErrNoSession.
func (s *TokenStore) Load(ctx context.Context) (session.Session, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Get(ctx, s.key).Bytes()
	})
	if errors.Is(err, goredis.Nil) {
		return session.Session{}, session.ErrNoSession
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("redis load session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(res.([]byte), &sess); err != nil {
		return session.Session{}, fmt.Errorf("redis decode session: %w", err)
	}
	return sess, nil
}

// Clear deletes the stored session.
func (s *TokenStore) Clear(ctx context.Context) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, s.key).Err()
	})
	if err != nil {
		return fmt.Errorf("redis clear session: %w", err)
	}
	return nil
}

// Ping checks connectivity for the liveness checker. It bypasses the breaker
// so a recovered Redis is reported healthy before the breaker half-opens.
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// BreakerState exposes the breaker state for status reporting.
func (s *TokenStore) BreakerState() gobreaker.State {
	return s.cb.State()
}

// Close closes the Redis client.
func (s *TokenStore) Close() error {
	return s.client.Close()
}
