package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/session-filestore/pkg/config"
	"github.com/txn2/session-filestore/pkg/session"
	"github.com/txn2/session-filestore/pkg/session/file"
	"github.com/txn2/session-filestore/pkg/session/locked"
	"github.com/txn2/session-filestore/pkg/session/metrics"
)

const srvTestCookie = "id"

func newTestServer(t *testing.T, cfg *config.Config) (*Server, session.Store, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	store, closer, err := NewStore(context.Background(), cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closer.Close() })
	return New(cfg, store, reg), store, reg
}

func do(t *testing.T, h http.Handler, method, path string, cookie *http.Cookie) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result()
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == srvTestCookie {
			return c
		}
	}
	t.Fatalf("response has no %q cookie", srvTestCookie)
	return nil
}

func decodeCount(t *testing.T, resp *http.Response) countResponse {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var body countResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestCount_PersistsAcrossRequests(t *testing.T) {
	for _, backend := range []string{config.BackendFile, config.BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.Default(t.TempDir())
			cfg.Store.Backend = backend
			srv, store, _ := newTestServer(t, cfg)

			resp := do(t, srv.Handler(), http.MethodGet, "/count", nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			cookie := sessionCookie(t, resp)
			first := decodeCount(t, resp)
			assert.Equal(t, 1, first.Count)
			assert.True(t, first.New)
			assert.Equal(t, cookie.Value, first.ID)

			resp = do(t, srv.Handler(), http.MethodGet, "/count", cookie)
			second := decodeCount(t, resp)
			assert.Equal(t, 2, second.Count)
			assert.False(t, second.New)
			assert.Equal(t, first.ID, second.ID)

			rec, err := store.Load(context.Background(), session.ID(first.ID))
			require.NoError(t, err)
			assert.InDelta(t, 2, rec.Data[counterKey], 0)
			assert.False(t, rec.ExpiryDate.IsZero())
		})
	}
}

func TestCount_WritesSessionFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Store.File.Prefix = "s-"
	cfg.Store.File.Suffix = ".json"
	srv, _, _ := newTestServer(t, cfg)

	resp := do(t, srv.Handler(), http.MethodGet, "/count", nil)
	body := decodeCount(t, resp)
	assert.FileExists(t, filepath.Join(dir, "s-"+body.ID+".json"))
}

func TestShowAndDestroy(t *testing.T) {
	cfg := config.Default(t.TempDir())
	srv, store, _ := newTestServer(t, cfg)

	resp := do(t, srv.Handler(), http.MethodGet, "/count", nil)
	cookie := sessionCookie(t, resp)
	_ = resp.Body.Close()

	resp = do(t, srv.Handler(), http.MethodGet, "/session", cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var shown sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&shown))
	_ = resp.Body.Close()
	assert.Equal(t, cookie.Value, shown.ID)
	assert.InDelta(t, 1, shown.Data[counterKey], 0)

	resp = do(t, srv.Handler(), http.MethodDelete, "/session", cookie)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Less(t, sessionCookie(t, resp).MaxAge, 0)

	_, err := store.Load(context.Background(), session.ID(cookie.Value))
	assert.True(t, session.IsNotFound(err))
}

func TestShow_NewSessionIsNotStored(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Store.Backend = config.BackendMemory
	srv, store, _ := newTestServer(t, cfg)

	resp := do(t, srv.Handler(), http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Cookies(), "an untouched new session sets no cookie")

	var shown sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&shown))
	assert.True(t, shown.New)
	_, err := store.Load(context.Background(), session.ID(shown.ID))
	assert.True(t, session.IsNotFound(err))
}

func TestHealthEndpoints(t *testing.T) {
	cfg := config.Default(filepath.Join(t.TempDir(), "missing"))
	srv, _, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/healthz", nil).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv.Handler(), http.MethodGet, "/readyz", nil).StatusCode)

	srv.Health().SetReady()
	resp := do(t, srv.Handler(), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "missing session directory fails the store probe")

	cfg = config.Default(t.TempDir())
	srv, _, _ = newTestServer(t, cfg)
	srv.Health().SetReady()
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/readyz", nil).StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := config.Default(t.TempDir())
	srv, _, _ := newTestServer(t, cfg)

	_ = do(t, srv.Handler(), http.MethodGet, "/count", nil).Body.Close()

	resp := do(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `session_store_operations_total{backend="file",op="create",result="ok"} 1`)
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	cfg := config.Default(t.TempDir())
	disabled := false
	cfg.Metrics.Enabled = &disabled
	srv, _, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusNotFound, do(t, srv.Handler(), http.MethodGet, "/metrics", nil).StatusCode)
}

func TestNewStore_Wrapping(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default(t.TempDir())
	store, closer, err := NewStore(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &file.Store{}, store)
	assert.NoError(t, closer.Close())

	cfg.Store.Locking.Enabled = true
	store, _, err = NewStore(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &locked.Store{}, store)

	store, _, err = NewStore(ctx, cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	assert.IsType(t, &metrics.Store{}, store)
}

func TestNewStore_FileOptions(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Store.File.Codec = "yaml"
	cfg.Store.File.Suffix = ".yaml"

	fs, err := NewFileStore(cfg.Store.File)
	require.NoError(t, err)
	require.NoError(t, fs.Save(context.Background(), &session.Record{ID: "abc", Data: map[string]any{"k": "v"}}))
	assert.FileExists(t, filepath.Join(dir, "abc.yaml"))

	cfg.Store.File.Codec = "gob"
	_, _, err = NewStore(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown codec")
}

func TestNewStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default("")
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.Addr = mr.Addr()
	cfg.Store.Redis.KeyPrefix = "test:"

	store, closer, err := NewStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	require.NoError(t, store.Save(context.Background(), &session.Record{ID: "abc"}))
	assert.True(t, mr.Exists("test:abc"))
}

func TestNewStore_Errors(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default("")
	cfg.Store.Backend = "etcd"
	_, _, err := NewStore(ctx, cfg, nil)
	assert.ErrorContains(t, err, "unknown store backend")

	cfg.Store.Backend = config.BackendPostgres
	cfg.Store.Postgres.DSN = "postgres://user@127.0.0.1:1/sessions?sslmode=disable&connect_timeout=1"
	_, _, err = NewStore(ctx, cfg, nil)
	assert.ErrorContains(t, err, "connecting to database")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.Addr = addr
	_, _, err = NewStore(ctx, cfg, nil)
	assert.ErrorContains(t, err, "connecting to redis")

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_store_operations_total", Help: "taken",
	})))
	cfg.Store.Backend = config.BackendMemory
	_, _, err = NewStore(ctx, cfg, reg)
	assert.ErrorContains(t, err, "instrumenting session store")
}

func TestServe_GracefulShutdown(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Server.ShutdownTimeout = time.Second
	srv, _, _ := newTestServer(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/readyz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Equal(t, "draining", srv.Health().State())
}

func TestRun_ListenError(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Server.Address = "256.0.0.1:bad"
	srv, _, _ := newTestServer(t, cfg)

	err := srv.Run(context.Background())
	assert.ErrorContains(t, err, "listening on")
}

func TestAsInt(t *testing.T) {
	assert.Equal(t, 0, asInt(nil, false))
	assert.Equal(t, 3, asInt(3, true))
	assert.Equal(t, 4, asInt(int64(4), true))
	assert.Equal(t, 5, asInt(uint64(5), true))
	assert.Equal(t, 6, asInt(float64(6), true))
	assert.Equal(t, 7, asInt(json.Number("7"), true))
	assert.Equal(t, 0, asInt("eight", true))
}
