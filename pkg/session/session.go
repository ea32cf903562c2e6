// Package session defines the record and identifier types shared by every
// session backend, and the Store interface a session layer calls to create,
// load, save, and delete per-client session state.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID is the opaque identifier of one session. Backends only use its string
// form to address a record; they never parse it.
type ID string

// NewID returns a random 128-bit identifier encoded as unpadded base64url,
// which is safe to embed in file names and cookie values.
func NewID() ID {
	u := uuid.New()
	return ID(base64.RawURLEncoding.EncodeToString(u[:]))
}

// idBytes and idLen are the decoded and encoded sizes of a NewID value.
const (
	idBytes = 16
	idLen   = 22
)

var idEncoding = base64.RawURLEncoding.Strict()

// ParseID accepts only identifiers in the form NewID produces: 22
// characters of unpadded base64url that decode to 16 bytes.
func ParseID(s string) (ID, error) {
	if len(s) != idLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalidID, len(s))
	}
	b, err := idEncoding.DecodeString(s)
	if err != nil || len(b) != idBytes {
		return "", fmt.Errorf("%w: not base64url", ErrInvalidID)
	}
	return ID(s), nil
}

// String returns the identifier as used in paths and keys.
func (id ID) String() string {
	return string(id)
}

// Record is the persisted state of one session.
type Record struct {
	// ID names the record. It must survive a round trip unchanged.
	ID ID `json:"id" yaml:"id"`

	// Data holds the session payload. Stores never inspect it.
	Data map[string]any `json:"data" yaml:"data"`

	// ExpiryDate is when the session layer considers the record stale.
	// The zero value means the record does not expire.
	ExpiryDate time.Time `json:"expiry_date" yaml:"expiry_date"`
}

// IsExpired reports whether the record is past its expiry date at now.
func (r *Record) IsExpired(now time.Time) bool {
	if r.ExpiryDate.IsZero() {
		return false
	}
	return !now.Before(r.ExpiryDate)
}

// Store defines the interface for session persistence.
type Store interface {
	// Create persists a newly minted record. Backends in this module treat
	// it as an upsert, identical to Save.
	Create(ctx context.Context, r *Record) error

	// Save persists the record, replacing whatever is stored under its ID.
	Save(ctx context.Context, r *Record) error

	// Load retrieves a record by ID. It never returns nil, nil: an absent
	// record is an error matching ErrNotFound.
	Load(ctx context.Context, id ID) (*Record, error)

	// Delete removes a record. Deleting an absent record is an error
	// matching ErrNotFound.
	Delete(ctx context.Context, id ID) error
}

// Pinger is implemented by stores that can report whether their backing
// resource is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Codec converts records to and from their stored representation.
type Codec interface {
	Marshal(r *Record) ([]byte, error)
	Unmarshal(data []byte, r *Record) error
	// Name identifies the encoding, e.g. "json".
	Name() string
}
