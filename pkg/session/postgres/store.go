// Package postgres provides PostgreSQL storage for sessions.
//
// Records are kept in the sessions table created by pkg/database/migrate.
// The store does not sweep expired rows; expiry_date is stored so an
// operator can prune with a plain DELETE.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/session-filestore/pkg/session"
	"github.com/txn2/session-filestore/pkg/session/codec"
)

const defaultTable = "sessions"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements session.Store using PostgreSQL.
type Store struct {
	db    *sql.DB
	table string
	codec session.Codec
}

// Config configures the PostgreSQL session store.
type Config struct {
	// Table overrides the table name. Defaults to "sessions".
	Table string
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	return &Store{
		db:    db,
		table: cfg.Table,
		codec: codec.JSON{},
	}
}

// Create persists a new session, replacing any row with the same ID.
func (s *Store) Create(ctx context.Context, r *session.Record) error {
	return s.upsert(ctx, session.OpCreate, r)
}

// Save persists the session, replacing any row with the same ID.
func (s *Store) Save(ctx context.Context, r *session.Record) error {
	return s.upsert(ctx, session.OpSave, r)
}

func (s *Store) upsert(ctx context.Context, op string, r *session.Record) error {
	data, err := s.codec.Marshal(r)
	if err != nil {
		return session.NewStorageError(op, r.ID, err)
	}

	query, args, err := psq.Insert(s.table).
		Columns("id", "data", "expiry_date", "updated_at").
		Values(r.ID.String(), string(data), nullTime(r.ExpiryDate), sq.Expr("NOW()")).
		Suffix("ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expiry_date = EXCLUDED.expiry_date, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return session.NewStorageError(op, r.ID, fmt.Errorf("building upsert: %w", err))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return session.NewStorageError(op, r.ID, fmt.Errorf("upserting session: %w", err))
	}
	return nil
}

// Load retrieves a session by ID.
func (s *Store) Load(ctx context.Context, id session.ID) (*session.Record, error) {
	query, args, err := psq.Select("data").
		From(s.table).
		Where(sq.Eq{"id": id.String()}).
		ToSql()
	if err != nil {
		return nil, session.NewStorageError(session.OpLoad, id, fmt.Errorf("building select: %w", err))
	}

	var data []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.NewStorageError(session.OpLoad, id, session.ErrNotFound)
	}
	if err != nil {
		return nil, session.NewStorageError(session.OpLoad, id, fmt.Errorf("scanning session: %w", err))
	}

	var r session.Record
	if err := s.codec.Unmarshal(data, &r); err != nil {
		return nil, session.NewStorageError(session.OpLoad, id, err)
	}
	return &r, nil
}

// Delete removes a session. Deleting a missing session is an error.
func (s *Store) Delete(ctx context.Context, id session.ID) error {
	query, args, err := psq.Delete(s.table).Where(sq.Eq{"id": id.String()}).ToSql()
	if err != nil {
		return session.NewStorageError(session.OpDelete, id, fmt.Errorf("building delete: %w", err))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return session.NewStorageError(session.OpDelete, id, fmt.Errorf("deleting session: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return session.NewStorageError(session.OpDelete, id, fmt.Errorf("reading affected rows: %w", err))
	}
	if n == 0 {
		return session.NewStorageError(session.OpDelete, id, session.ErrNotFound)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)

var _ session.Pinger = (*Store)(nil)
