package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionStore persists analysis sessions keyed by artefact id. Sessions are
// read and written as whole units; Update uses optimistic locking on Version
// so a lost race never half-applies a transition.
type SessionStore interface {
	// Create stores a new session with Version set to 1. Fails if a
	// session already exists for the artefact.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session. Returns ErrSessionNotFound if absent.
	Get(ctx context.Context, artefactID uuid.UUID) (*Session, error)

	// Update persists the session if its Version matches the stored one,
	// then increments Version. Returns ErrVersionConflict on mismatch.
	Update(ctx context.Context, s *Session) error

	// Delete removes a session.
	Delete(ctx context.Context, artefactID uuid.UUID) error

	// Close releases store resources.
	Close() error
}

// StoreDriver selects the session store backend.
type StoreDriver string

const (
	DriverMemory StoreDriver = "memory"
	DriverRedis  StoreDriver = "redis"
)

// ErrInvalidStoreConfig is returned by NewSessionStore for an unknown driver
// or missing driver options.
var ErrInvalidStoreConfig = errors.New("invalid session store configuration")

// StoreOption configures NewSessionStore.
type StoreOption func(*storeConfig)

type storeConfig struct {
	redisClient *redis.Client
	redisTTL    time.Duration
}

// WithRedisClient sets the Redis client for the redis driver.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithRedisTTL sets the expiry for stored sessions. Abandoned sessions age
// out instead of accumulating forever.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) { c.redisTTL = ttl }
}

// NewSessionStore builds a session store for the given driver.
func NewSessionStore(driver StoreDriver, opts ...StoreOption) (SessionStore, error) {
	cfg := &storeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory:
		return &memorySessionStore{sessions: make(map[uuid.UUID]*Session)}, nil
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("%w: redis driver requires a client", ErrInvalidStoreConfig)
		}
		ttl := cfg.redisTTL
		if ttl <= 0 {
			ttl = 7 * 24 * time.Hour
		}
		return &redisSessionStore{client: cfg.redisClient, ttl: ttl}, nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidStoreConfig, driver)
	}
}

// memorySessionStore keeps sessions in a map. Used by tests and single-node
// dev setups.
type memorySessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func (s *memorySessionStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ArtefactID]; exists {
		return ErrSessionExists
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.Version = 1
	s.sessions[sess.ArtefactID] = clone(sess)
	return nil
}

func (s *memorySessionStore) Get(ctx context.Context, artefactID uuid.UUID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.sessions[artefactID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return clone(stored), nil
}

func (s *memorySessionStore) Update(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sessions[sess.ArtefactID]
	if !exists {
		return ErrSessionNotFound
	}
	if stored.Version != sess.Version {
		return ErrVersionConflict
	}
	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ArtefactID] = clone(sess)
	return nil
}

func (s *memorySessionStore) Delete(ctx context.Context, artefactID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, artefactID)
	return nil
}

func (s *memorySessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = nil
	return nil
}

// clone deep-copies a session so callers never share the stored maps.
func clone(sess *Session) *Session {
	cp := *sess
	if sess.Answered != nil {
		cp.Answered = make(map[string]bool, len(sess.Answered))
		for k, v := range sess.Answered {
			cp.Answered[k] = v
		}
	}
	if sess.Candidates != nil {
		cp.Candidates = append([]Candidate(nil), sess.Candidates...)
	}
	if sess.LastResponse != nil {
		cp.LastResponse = append(json.RawMessage(nil), sess.LastResponse...)
	}
	return &cp
}

// redisSessionStore persists sessions as JSON values with a TTL, using
// WATCH/MULTI for the optimistic version check.
type redisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func sessionKey(artefactID uuid.UUID) string {
	return "analysis:session:" + artefactID.String()
}

func (s *redisSessionStore) Create(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.Version = 1

	val, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, sessionKey(sess.ArtefactID), val, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

func (s *redisSessionStore) Get(ctx context.Context, artefactID uuid.UUID) (*Session, error) {
	val, err := s.client.Get(ctx, sessionKey(artefactID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *redisSessionStore) Update(ctx context.Context, sess *Session) error {
	key := sessionKey(sess.ArtefactID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		var stored Session
		if err := json.Unmarshal([]byte(val), &stored); err != nil {
			return err
		}
		if stored.Version != sess.Version {
			return ErrVersionConflict
		}

		sess.Version++
		sess.UpdatedAt = time.Now().UTC()
		newVal, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}, key)
}

func (s *redisSessionStore) Delete(ctx context.Context, artefactID uuid.UUID) error {
	return s.client.Del(ctx, sessionKey(artefactID)).Err()
}

func (s *redisSessionStore) Close() error {
	return s.client.Close()
}
