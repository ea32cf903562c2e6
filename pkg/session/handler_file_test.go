package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/session-filestore/pkg/session"
	"github.com/txn2/session-filestore/pkg/session/file"
)

// dumpHandler writes the session payload as the response body.
func dumpHandler(w http.ResponseWriter, r *http.Request) {
	h, _ := session.FromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Data())
}

// newFileHandler returns a handler whose sessions live in root/sessions,
// with record files planted next to that directory.
func newFileHandler(t *testing.T) (http.Handler, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "sessions")
	require.NoError(t, os.Mkdir(dir, 0o700))

	outside := file.InDir(root)
	ctx := context.Background()
	require.NoError(t, outside.Save(ctx, &session.Record{
		ID:         "victim",
		Data:       map[string]any{},
		ExpiryDate: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, outside.Save(ctx, &session.Record{
		ID:         "secret",
		Data:       map[string]any{"token": "hunter2"},
		ExpiryDate: time.Now().Add(time.Hour),
	}))

	h := session.NewAwareHandler(http.HandlerFunc(dumpHandler), session.HandlerConfig{
		Store: file.InDir(dir),
	})
	return h, root
}

func serveWithCookie(h http.Handler, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.AddCookie(&http.Cookie{Name: session.DefaultCookieName, Value: value})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestFileHandler_TraversalCookieDoesNotDelete(t *testing.T) {
	h, root := newFileHandler(t)

	w := serveWithCookie(h, "../victim")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.FileExists(t, filepath.Join(root, "victim"), "records outside the session directory must be untouched")
}

func TestFileHandler_TraversalCookieDoesNotRead(t *testing.T) {
	h, root := newFileHandler(t)

	for _, value := range []string{"../secret", "../sessions/../secret", filepath.Join(root, "secret")} {
		w := serveWithCookie(h, value)

		assert.Equal(t, http.StatusOK, w.Code, "cookie %q", value)
		assert.NotContains(t, w.Body.String(), "hunter2", "cookie %q", value)
	}
}

func TestFileHandler_ValidCookieRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := file.InDir(root)
	h := session.NewAwareHandler(http.HandlerFunc(dumpHandler), session.HandlerConfig{Store: store})

	id := session.NewID()
	require.NoError(t, store.Save(context.Background(), &session.Record{
		ID:         id,
		Data:       map[string]any{"user": "alice"},
		ExpiryDate: time.Now().Add(time.Hour),
	}))

	w := serveWithCookie(h, id.String())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")
}
