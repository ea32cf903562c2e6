package session

import (
	"errors"
	"fmt"
	"io/fs"
)

// ErrNotFound is matched by errors reporting that no record exists for an ID.
var ErrNotFound = errors.New("session not found")

// ErrInvalidID is returned by ParseID for malformed identifiers.
var ErrInvalidID = errors.New("invalid session id")

// Operation names carried by StorageError.
const (
	OpCreate = "create"
	OpSave   = "save"
	OpLoad   = "load"
	OpDelete = "delete"
	OpLock   = "lock"
)

// StorageError is the single error kind returned by stores. Encoding,
// decoding, and backend failures all collapse into it; Msg carries the
// underlying failure as text and Err keeps the cause for errors.Is/As.
type StorageError struct {
	Op  string
	ID  ID
	Msg string
	Err error
}

// NewStorageError wraps err as a StorageError for the given operation.
func NewStorageError(op string, id ID, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, ID: id, Msg: err.Error(), Err: err}
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("session store: %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("session store: %s %s: %s", e.Op, e.ID, e.Msg)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets a missing file match ErrNotFound.
func (e *StorageError) Is(target error) bool {
	return target == ErrNotFound && errors.Is(e.Err, fs.ErrNotExist)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
