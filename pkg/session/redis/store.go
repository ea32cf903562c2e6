// Package redis provides Redis storage for sessions.
//
// Each record lives under keyPrefix+ID with a Redis TTL derived from its
// expiry date, so Redis evicts expired sessions on its own.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/txn2/session-filestore/pkg/session"
	"github.com/txn2/session-filestore/pkg/session/codec"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces session keys.
const DefaultKeyPrefix = "session:"

// Config holds Redis connection configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store implements session.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	codec     session.Codec
	now       func() time.Time
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return New(client, cfg.KeyPrefix), nil
}

// New creates a Store with a pre-configured client. An empty keyPrefix
// uses DefaultKeyPrefix.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		codec:     codec.JSON{},
		now:       time.Now,
	}
}

// Key returns the Redis key for id.
func (s *Store) Key(id session.ID) string {
	return s.keyPrefix + id.String()
}

// Create persists a new session, replacing any value under the same key.
func (s *Store) Create(ctx context.Context, r *session.Record) error {
	return s.set(ctx, session.OpCreate, r)
}

// Save persists the session, replacing any value under the same key.
func (s *Store) Save(ctx context.Context, r *session.Record) error {
	return s.set(ctx, session.OpSave, r)
}

func (s *Store) set(ctx context.Context, op string, r *session.Record) error {
	data, err := s.codec.Marshal(r)
	if err != nil {
		return session.NewStorageError(op, r.ID, err)
	}

	// A zero expiry keeps the key forever.
	var ttl time.Duration
	if !r.ExpiryDate.IsZero() {
		ttl = r.ExpiryDate.Sub(s.now())
		if ttl <= 0 {
			// Already expired: make sure no stale copy lingers.
			if err := s.client.Del(ctx, s.Key(r.ID)).Err(); err != nil {
				return session.NewStorageError(op, r.ID, fmt.Errorf("deleting expired session: %w", err))
			}
			return nil
		}
	}

	if err := s.client.Set(ctx, s.Key(r.ID), data, ttl).Err(); err != nil {
		return session.NewStorageError(op, r.ID, fmt.Errorf("setting session: %w", err))
	}
	return nil
}

// Load retrieves a session by ID.
func (s *Store) Load(ctx context.Context, id session.ID) (*session.Record, error) {
	data, err := s.client.Get(ctx, s.Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.NewStorageError(session.OpLoad, id, session.ErrNotFound)
	}
	if err != nil {
		return nil, session.NewStorageError(session.OpLoad, id, fmt.Errorf("getting session: %w", err))
	}

	var r session.Record
	if err := s.codec.Unmarshal(data, &r); err != nil {
		return nil, session.NewStorageError(session.OpLoad, id, err)
	}
	return &r, nil
}

// Delete removes a session. Deleting a missing session is an error.
func (s *Store) Delete(ctx context.Context, id session.ID) error {
	n, err := s.client.Del(ctx, s.Key(id)).Result()
	if err != nil {
		return session.NewStorageError(session.OpDelete, id, fmt.Errorf("deleting session: %w", err))
	}
	if n == 0 {
		return session.NewStorageError(session.OpDelete, id, session.ErrNotFound)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)

var _ session.Pinger = (*Store)(nil)
