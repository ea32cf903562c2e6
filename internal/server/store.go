package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/txn2/session-filestore/pkg/config"
	"github.com/txn2/session-filestore/pkg/database/migrate"
	"github.com/txn2/session-filestore/pkg/session"
	"github.com/txn2/session-filestore/pkg/session/codec"
	"github.com/txn2/session-filestore/pkg/session/file"
	"github.com/txn2/session-filestore/pkg/session/locked"
	"github.com/txn2/session-filestore/pkg/session/metrics"
	"github.com/txn2/session-filestore/pkg/session/postgres"
	redisstore "github.com/txn2/session-filestore/pkg/session/redis"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

// NewStore builds the configured backend and wraps it with the lock wrapper
// (when enabled) and Prometheus instrumentation (when reg is non-nil).
// The returned closer releases backend connections.
func NewStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (session.Store, io.Closer, error) {
	store, closer, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Store.Locking.Enabled {
		opts := []locked.Option{locked.WithLockTimeout(cfg.Store.Locking.Timeout)}
		if cfg.Store.Locking.Dir != "" {
			opts = append(opts, locked.WithFileLocks(cfg.Store.Locking.Dir))
		}
		store = locked.New(store, opts...)
		slog.Debug("session store locking enabled", "lock_dir", cfg.Store.Locking.Dir)
	}

	if reg != nil {
		instrumented, err := metrics.New(store, cfg.Store.Backend, reg)
		if err != nil {
			_ = closer.Close()
			return nil, nil, fmt.Errorf("instrumenting session store: %w", err)
		}
		store = instrumented
	}

	return store, closer, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (session.Store, io.Closer, error) {
	switch cfg.Store.Backend {
	case config.BackendFile:
		return newFileStore(cfg.Store.File)
	case config.BackendMemory:
		return session.NewMemoryStore(), nopCloser, nil
	case config.BackendPostgres:
		return newPostgresStore(ctx, cfg.Store.Postgres)
	case config.BackendRedis:
		store, err := redisstore.Dial(ctx, redisstore.Config{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err //nolint:wrapcheck // already wrapped by Dial
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

// NewFileStore builds the file backend alone, without wrappers.
func NewFileStore(fc config.FileConfig) (*file.Store, error) {
	c, err := codec.ByName(fc.Codec)
	if err != nil {
		return nil, fmt.Errorf("selecting codec: %w", err)
	}

	opts := []file.Option{file.WithCodec(c)}
	if fc.FileMode != 0 {
		opts = append(opts, file.WithFileMode(fc.Mode()))
	}
	if fc.DirectWrites {
		opts = append(opts, file.WithDirectWrites())
	}
	return file.New(fc.Dir, fc.Prefix, fc.Suffix, opts...), nil
}

func newFileStore(fc config.FileConfig) (session.Store, io.Closer, error) {
	store, err := NewFileStore(fc)
	if err != nil {
		return nil, nil, err
	}
	return store, nopCloser, nil
}

func newPostgresStore(ctx context.Context, pc config.PostgresConfig) (session.Store, io.Closer, error) {
	db, err := sql.Open("postgres", pc.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(pc.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	if pc.ShouldMigrate() {
		if err := migrate.Run(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	return postgres.New(db, postgres.Config{}), db, nil
}
