package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const newIDLen = 22

func TestNewID(t *testing.T) {
	safe := regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	seen := make(map[ID]bool)

	for range 100 {
		id := NewID()
		assert.Len(t, id.String(), newIDLen)
		assert.Regexp(t, safe, id.String(), "ID must be filesystem safe")
		assert.False(t, seen[id], "IDs should be unique")
		seen[id] = true
	}
}

func TestParseID(t *testing.T) {
	for range 20 {
		id := NewID()
		got, err := ParseID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"parent dir", "../victim"},
		{"nested parent dir", "../../../../etc/passwd"},
		{"separator at id length", "aaaaaaaaaa/aaaaaaaaaaa"},
		{"backslash at id length", `aaaaaaaaaa\aaaaaaaaaaa`},
		{"dots at id length", "......................"},
		{"padded", "AAAAAAAAAAAAAAAAAAAAAA=="},
		{"standard alphabet", "AAAAAAAAAAAAAAAAAAAA+A"},
		{"too short", "AAAAAAAAAAAAAAAAAAAAA"},
		{"too long", "AAAAAAAAAAAAAAAAAAAAAAA"},
		{"non canonical trailing bits", "AAAAAAAAAAAAAAAAAAAAAB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseID(tt.value)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidID)
			assert.Empty(t, id)
		})
	}
}

func TestRecord_IsExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"zero never expires", time.Time{}, false},
		{"future", now.Add(time.Minute), false},
		{"past", now.Add(-time.Minute), true},
		{"exactly now", now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{ID: "x", ExpiryDate: tt.expiry}
			assert.Equal(t, tt.want, r.IsExpired(now))
		})
	}
}

func TestNewStorageError_Nil(t *testing.T) {
	assert.NoError(t, NewStorageError(OpSave, "x", nil))
}

func TestStorageError_Message(t *testing.T) {
	err := NewStorageError(OpLoad, "abc", errors.New("disk on fire"))
	assert.Equal(t, "session store: load abc: disk on fire", err.Error())

	noID := NewStorageError(OpLock, "", errors.New("timeout"))
	assert.Equal(t, "session store: lock: timeout", noID.Error())
}

func TestStorageError_NotFound(t *testing.T) {
	_, readErr := os.ReadFile("/definitely/not/here")
	require.Error(t, readErr)

	tests := []struct {
		name  string
		cause error
		want  bool
	}{
		{"missing file", readErr, true},
		{"wrapped not exist", fmt.Errorf("reading: %w", fs.ErrNotExist), true},
		{"sentinel", ErrNotFound, true},
		{"permission", fs.ErrPermission, false},
		{"decode", errors.New("decoding json: unexpected EOF"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewStorageError(OpLoad, "id", tt.cause)
			assert.Equal(t, tt.want, IsNotFound(err))
			assert.ErrorIs(t, err, tt.cause)
		})
	}
}

func TestStorageError_As(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewStorageError(OpDelete, "id", context.DeadlineExceeded))

	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, OpDelete, serr.Op)
	assert.Equal(t, ID("id"), serr.ID)
	assert.Equal(t, context.DeadlineExceeded.Error(), serr.Msg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
