package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultCookieName is the cookie carrying the session ID.
	DefaultCookieName = "id"

	// DefaultTTL is the inactivity period after which a session expires.
	DefaultTTL = 24 * time.Hour

	// slogKeyError is the slog attribute key for error values.
	slogKeyError = "error"

	// slogKeySessionID is the slog attribute key for session IDs.
	slogKeySessionID = "session_id"

	// slogKeyRecordID is the slog attribute key for the ID inside a record.
	slogKeyRecordID = "record_id"
)

// HandlerConfig configures an AwareHandler.
type HandlerConfig struct {
	Store      Store
	TTL        time.Duration
	CookieName string
	CookiePath string
	Secure     bool
}

// AwareHandler wraps an HTTP handler, loading the caller's session from a
// Store before the request and persisting it before the first response byte.
// Expiry is on inactivity: every persisted request pushes ExpiryDate out by
// TTL.
type AwareHandler struct {
	inner      http.Handler
	store      Store
	ttl        time.Duration
	cookieName string
	cookiePath string
	secure     bool
	now        func() time.Time
}

// NewAwareHandler creates a handler that manages sessions in cfg.Store.
func NewAwareHandler(inner http.Handler, cfg HandlerConfig) *AwareHandler {
	h := &AwareHandler{
		inner:      inner,
		store:      cfg.Store,
		ttl:        cfg.TTL,
		cookieName: cfg.CookieName,
		cookiePath: cfg.CookiePath,
		secure:     cfg.Secure,
		now:        time.Now,
	}
	if h.ttl <= 0 {
		h.ttl = DefaultTTL
	}
	if h.cookieName == "" {
		h.cookieName = DefaultCookieName
	}
	if h.cookiePath == "" {
		h.cookiePath = "/"
	}
	return h
}

// ServeHTTP resolves the session and forwards the request with the session
// handle attached to its context.
func (h *AwareHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handle, err := h.resolve(r)
	if err != nil {
		slog.Error("session: store error", slogKeyError, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	sw := &sessionWriter{
		ResponseWriter: w,
		commit: func() error {
			return h.persist(r.Context(), w, handle)
		},
	}
	h.inner.ServeHTTP(sw, r.WithContext(withHandle(r.Context(), handle)))
	sw.finish()
}

// resolve loads the session named by the request cookie, or starts a new
// one when the cookie is missing or malformed, nothing is stored under it,
// or the stored record has expired.
func (h *AwareHandler) resolve(r *http.Request) (*Handle, error) {
	cookie, err := r.Cookie(h.cookieName)
	if err != nil || cookie.Value == "" {
		return newHandle(), nil
	}

	id, err := ParseID(cookie.Value)
	if err != nil {
		slog.Debug("session: ignoring malformed cookie", slogKeyError, err)
		return newHandle(), nil
	}

	rec, err := h.store.Load(r.Context(), id)
	if err != nil {
		if IsNotFound(err) {
			slog.Debug("session: not found, starting new", slogKeySessionID, id)
			return newHandle(), nil
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if rec.ID != id {
		slog.Warn("session: stored record id mismatch", slogKeySessionID, id, slogKeyRecordID, rec.ID)
		return newHandle(), nil
	}

	if rec.IsExpired(h.now()) {
		if err := h.store.Delete(r.Context(), id); err != nil && !IsNotFound(err) {
			slog.Debug("session: delete expired failed", slogKeySessionID, id, slogKeyError, err)
		}
		return newHandle(), nil
	}

	if rec.Data == nil {
		rec.Data = make(map[string]any)
	}
	return &Handle{record: rec}, nil
}

// persist writes the session state back to the store and sets the cookie.
// It runs once, before the response header is sent.
func (h *AwareHandler) persist(ctx context.Context, w http.ResponseWriter, handle *Handle) error {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	rec := handle.record

	if handle.destroyed {
		if !handle.isNew {
			if err := h.store.Delete(ctx, rec.ID); err != nil && !IsNotFound(err) {
				return fmt.Errorf("deleting session: %w", err)
			}
		}
		http.SetCookie(w, h.cookie("", -1))
		slog.Debug("session: destroyed", slogKeySessionID, rec.ID)
		return nil
	}

	if handle.isNew && !handle.modified {
		return nil
	}

	rec.ExpiryDate = h.now().Add(h.ttl)

	var err error
	if handle.isNew {
		err = h.store.Create(ctx, rec)
	} else {
		err = h.store.Save(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	http.SetCookie(w, h.cookie(rec.ID.String(), int(h.ttl.Seconds())))
	if handle.isNew {
		slog.Debug("session: created", slogKeySessionID, rec.ID)
	}
	return nil
}

func (h *AwareHandler) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.cookieName,
		Value:    value,
		Path:     h.cookiePath,
		MaxAge:   maxAge,
		Secure:   h.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// sessionWriter wraps http.ResponseWriter to persist the session before the
// first write. A persistence failure replaces the response with a 500.
type sessionWriter struct {
	http.ResponseWriter
	once   sync.Once
	failed bool
	commit func() error
}

func (w *sessionWriter) prepare() {
	w.once.Do(func() {
		if err := w.commit(); err != nil {
			slog.Error("session: failed to persist", slogKeyError, err)
			w.failed = true
			http.Error(w.ResponseWriter, "internal server error", http.StatusInternalServerError)
		}
	})
}

// WriteHeader persists the session before delegating to the wrapped writer.
func (w *sessionWriter) WriteHeader(statusCode int) {
	w.prepare()
	if w.failed {
		return
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.prepare()
	if w.failed {
		return 0, errors.New("session persistence failed")
	}
	n, err := w.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("writing response: %w", err)
	}
	return n, nil
}

// Flush implements http.Flusher for streaming compatibility.
func (w *sessionWriter) Flush() {
	w.prepare()
	if f, ok := w.ResponseWriter.(http.Flusher); ok && !w.failed {
		f.Flush()
	}
}

// finish persists sessions for handlers that never wrote a response.
func (w *sessionWriter) finish() {
	w.prepare()
}

// Handle is the request-scoped view of a session.
type Handle struct {
	mu        sync.Mutex
	record    *Record
	isNew     bool
	modified  bool
	destroyed bool
}

func newHandle() *Handle {
	return &Handle{
		record: &Record{ID: NewID(), Data: make(map[string]any)},
		isNew:  true,
	}
}

// ID returns the session identifier.
func (h *Handle) ID() ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.ID
}

// IsNew reports whether the session was started by this request.
func (h *Handle) IsNew() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isNew
}

// Get returns the value stored under key.
func (h *Handle) Get(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.record.Data[key]
	return v, ok
}

// Insert stores value under key.
func (h *Handle) Insert(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record.Data[key] = value
	h.modified = true
}

// Remove deletes key from the session.
func (h *Handle) Remove(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.record.Data[key]; ok {
		delete(h.record.Data, key)
		h.modified = true
	}
}

// Data returns a shallow copy of the session payload.
func (h *Handle) Data() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.record.Data)
}

// Destroy removes the session from the store when the response is written.
func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
}

type handleKey struct{}

func withHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// FromContext returns the session handle attached by AwareHandler.
func FromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(*Handle)
	return h, ok
}
