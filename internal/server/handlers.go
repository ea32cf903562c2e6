package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/txn2/session-filestore/pkg/session"
)

const counterKey = "counter"

type countResponse struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
	New   bool   `json:"new"`
}

type sessionResponse struct {
	ID   string         `json:"id"`
	New  bool           `json:"new"`
	Data map[string]any `json:"data"`
}

// handleCount increments and reports a per-session counter.
func handleCount(w http.ResponseWriter, r *http.Request) {
	h, ok := session.FromContext(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusInternalServerError)
		return
	}

	n := asInt(h.Get(counterKey)) + 1
	h.Insert(counterKey, n)

	writeJSON(w, http.StatusOK, countResponse{ID: h.ID().String(), Count: n, New: h.IsNew()})
}

// handleShow returns the session payload.
func handleShow(w http.ResponseWriter, r *http.Request) {
	h, ok := session.FromContext(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: h.ID().String(), New: h.IsNew(), Data: h.Data()})
}

// handleDestroy deletes the session and expires its cookie.
func handleDestroy(w http.ResponseWriter, r *http.Request) {
	h, ok := session.FromContext(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusInternalServerError)
		return
	}
	h.Destroy()
	w.WriteHeader(http.StatusNoContent)
}

// asInt reads a counter that may have round-tripped through a codec.
func asInt(v any, ok bool) int {
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n) //nolint:gosec // counters stay small
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", slogKeyError, err)
	}
}
