// Package locked wraps a session.Store with per-session mutual exclusion.
//
// Within one process, operations on the same ID are serialized by a
// reference-counted semaphore. With WithFileLocks, an advisory lock file per
// ID additionally coordinates processes sharing a session directory:
// exclusive for writes and deletes, shared for loads.
//
// The wrapped store is unchanged; the core file store stays lock-free and
// this layer is opt-in.
package locked

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/txn2/session-filestore/pkg/session"
)

const (
	// DefaultLockTimeout bounds how long an operation waits for a lock.
	DefaultLockTimeout = 5 * time.Second

	// lockRetryInterval is how often a held file lock is retried.
	lockRetryInterval = 20 * time.Millisecond

	// lockFileSuffix is appended to the ID to name its lock file.
	lockFileSuffix = ".lock"
)

// ErrInvalidID is returned when an ID cannot be used as a lock file name.
var ErrInvalidID = errors.New("invalid session id for lock file")

// Store serializes access to an inner store per session ID.
type Store struct {
	inner   session.Store
	lockDir string
	timeout time.Duration

	mu    sync.Mutex
	locks map[session.ID]*idLock
}

// idLock is a context-aware mutex shared by all callers of one ID.
type idLock struct {
	sem  chan struct{}
	refs int
}

// Option configures a Store.
type Option func(*Store)

// WithFileLocks enables advisory file locks in dir for cross-process
// coordination. dir is created on first use. Lock files are never removed,
// so every process locks the same inode.
func WithFileLocks(dir string) Option {
	return func(s *Store) {
		s.lockDir = dir
	}
}

// WithLockTimeout sets how long an operation waits for its lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New wraps inner.
func New(inner session.Store, opts ...Option) *Store {
	s := &Store{
		inner:   inner,
		timeout: DefaultLockTimeout,
		locks:   make(map[session.ID]*idLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new record while holding the record's lock.
func (s *Store) Create(ctx context.Context, r *session.Record) error {
	return s.withLock(ctx, r.ID, true, func() error {
		return s.inner.Create(ctx, r)
	})
}

// Save persists the record while holding the record's lock.
func (s *Store) Save(ctx context.Context, r *session.Record) error {
	return s.withLock(ctx, r.ID, true, func() error {
		return s.inner.Save(ctx, r)
	})
}

// Load reads the record while holding the record's lock.
func (s *Store) Load(ctx context.Context, id session.ID) (*session.Record, error) {
	var rec *session.Record
	err := s.withLock(ctx, id, false, func() error {
		var err error
		rec, err = s.inner.Load(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record while holding the record's lock.
func (s *Store) Delete(ctx context.Context, id session.ID) error {
	return s.withLock(ctx, id, true, func() error {
		return s.inner.Delete(ctx, id)
	})
}

// Ping forwards to the inner store when it supports it.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.inner.(session.Pinger); ok {
		return p.Ping(ctx) //nolint:wrapcheck // pass-through
	}
	return nil
}

// withLock runs fn while holding the in-process lock for id and, when
// enabled, the file lock. Lock failures are StorageErrors with OpLock.
func (s *Store) withLock(ctx context.Context, id session.ID, exclusive bool, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	l := s.acquire(id)
	defer s.release(id, l)

	select {
	case l.sem <- struct{}{}:
	case <-lockCtx.Done():
		return session.NewStorageError(session.OpLock, id,
			fmt.Errorf("waiting for session lock: %w", lockCtx.Err()))
	}
	defer func() { <-l.sem }()

	if s.lockDir == "" {
		return fn()
	}
	return s.withFileLock(lockCtx, id, exclusive, fn)
}

func (s *Store) withFileLock(ctx context.Context, id session.ID, exclusive bool, fn func() error) error {
	path, err := s.lockFilePath(id)
	if err != nil {
		return session.NewStorageError(session.OpLock, id, err)
	}
	if err := os.MkdirAll(s.lockDir, 0o750); err != nil {
		return session.NewStorageError(session.OpLock, id, fmt.Errorf("creating lock directory: %w", err))
	}

	fileLock := flock.New(path)
	defer func() { _ = fileLock.Unlock() }()

	var locked bool
	if exclusive {
		locked, err = fileLock.TryLockContext(ctx, lockRetryInterval)
	} else {
		locked, err = fileLock.TryRLockContext(ctx, lockRetryInterval)
	}
	if err != nil {
		return session.NewStorageError(session.OpLock, id, fmt.Errorf("acquiring file lock: %w", err))
	}
	if !locked {
		return session.NewStorageError(session.OpLock, id, fmt.Errorf("acquiring file lock: timeout after %v", s.timeout))
	}

	return fn()
}

// lockFilePath returns the lock file for id, rejecting IDs that would
// escape the lock directory.
func (s *Store) lockFilePath(id session.ID) (string, error) {
	name := id.String()
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, name)
	}
	return filepath.Join(s.lockDir, name+lockFileSuffix), nil
}

func (s *Store) acquire(id session.ID) *idLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &idLock{sem: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	return l
}

func (s *Store) release(id session.ID, l *idLock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
}

// held returns the number of IDs with an active or waiting caller.
func (s *Store) held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)

var _ session.Pinger = (*Store)(nil)
