// Package file provides a session store that keeps one file per record.
//
// A record with ID "abc123" in a store created with
//
//	file.New("/var/lib/sessions", "s-", ".json")
//
// lives at /var/lib/sessions/s-abc123.json. The file holds the encoded record
// and nothing else: no header, no checksum, no lock sidecar.
//
// The store does not synchronize access. Two concurrent saves of the same ID
// race on the same path and the last one to land wins. Callers that need
// per-session mutual exclusion can wrap the store with package locked.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/txn2/session-filestore/pkg/session"
	"github.com/txn2/session-filestore/pkg/session/codec"
)

// DefaultFileMode is the permission applied to record files.
const DefaultFileMode os.FileMode = 0o600

// Store implements session.Store on a directory of record files.
// Its configuration is fixed at construction.
type Store struct {
	dir    string
	prefix string
	suffix string

	codec  session.Codec
	mode   os.FileMode
	direct bool
}

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the record encoding. The default is JSON.
func WithCodec(c session.Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

// WithFileMode sets the permission of written files.
func WithFileMode(mode os.FileMode) Option {
	return func(s *Store) {
		s.mode = mode
	}
}

// WithDirectWrites makes writes overwrite the record file in place instead
// of writing a temporary file and renaming it over the target. A crash
// mid-write can then leave a truncated record.
func WithDirectWrites() Option {
	return func(s *Store) {
		s.direct = true
	}
}

// New creates a store that keeps records in dir, naming each file
// prefix + id + suffix. dir must not end in a path separator.
func New(dir, prefix, suffix string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		prefix: prefix,
		suffix: suffix,
		codec:  codec.JSON{},
		mode:   DefaultFileMode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InDir creates a store in dir with an empty prefix and suffix.
func InDir(dir string, opts ...Option) *Store {
	return New(dir, "", "", opts...)
}

// Dir returns the directory holding record files.
func (s *Store) Dir() string { return s.dir }

// Prefix returns the file name prefix.
func (s *Store) Prefix() string { return s.prefix }

// Suffix returns the file name suffix.
func (s *Store) Suffix() string { return s.suffix }

// Path returns the file a record with the given ID is stored at. It is a
// plain concatenation of dir, the OS path separator, prefix, id, and suffix;
// nothing is cleaned or validated.
func (s *Store) Path(id session.ID) string {
	return s.dir + string(os.PathSeparator) + s.prefix + id.String() + s.suffix
}

// Create writes a new record. An existing file for the same ID is
// overwritten, so Create and Save behave identically.
func (s *Store) Create(ctx context.Context, r *session.Record) error {
	return s.write(ctx, session.OpCreate, r)
}

// Save writes the record, replacing the file for its ID.
func (s *Store) Save(ctx context.Context, r *session.Record) error {
	return s.write(ctx, session.OpSave, r)
}

func (s *Store) write(ctx context.Context, op string, r *session.Record) error {
	if err := ctx.Err(); err != nil {
		return session.NewStorageError(op, r.ID, err)
	}

	data, err := s.codec.Marshal(r)
	if err != nil {
		return session.NewStorageError(op, r.ID, err)
	}

	path := s.Path(r.ID)
	if s.direct {
		err = os.WriteFile(path, data, s.mode)
	} else {
		err = atomicWriteFile(path, data, s.mode)
	}
	return session.NewStorageError(op, r.ID, err)
}

// Load reads and decodes the record for id. A missing file is reported as
// an error matching session.ErrNotFound; Load never returns nil, nil.
func (s *Store) Load(ctx context.Context, id session.ID) (*session.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, session.NewStorageError(session.OpLoad, id, err)
	}

	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		return nil, session.NewStorageError(session.OpLoad, id, err)
	}

	var r session.Record
	if err := s.codec.Unmarshal(data, &r); err != nil {
		return nil, session.NewStorageError(session.OpLoad, id, err)
	}
	return &r, nil
}

// Delete removes the record file for id. Removing a file that does not
// exist is an error.
func (s *Store) Delete(ctx context.Context, id session.ID) error {
	if err := ctx.Err(); err != nil {
		return session.NewStorageError(session.OpDelete, id, err)
	}
	return session.NewStorageError(session.OpDelete, id, os.Remove(s.Path(id)))
}

// Ping reports whether the store directory exists.
func (s *Store) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("checking session directory: %w", err)
	}
	if !info.IsDir() {
		return errors.New("session directory is not a directory: " + s.dir)
	}
	return nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)

var _ session.Pinger = (*Store)(nil)
