// Package health provides readiness state tracking, dependency probes, and
// HTTP health check handlers.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// DefaultProbeTimeout bounds a single readiness probe.
const DefaultProbeTimeout = 2 * time.Second

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// Checker tracks the readiness state of the server and the probes that gate
// it. It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{
		probes:  make(map[string]Probe),
		timeout: DefaultProbeTimeout,
	}
}

// AddProbe registers a named probe consulted by readiness checks.
// Registering a name twice replaces the earlier probe.
func (c *Checker) AddProbe(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// SetProbeTimeout changes the per-probe timeout.
func (c *Checker) SetProbeTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// Check runs every probe and returns the failures keyed by probe name.
// An empty result means all probes passed.
func (c *Checker) Check(ctx context.Context) map[string]string {
	c.mu.RLock()
	probes := maps.Clone(c.probes)
	timeout := c.timeout
	c.mu.RUnlock()

	failures := make(map[string]string)
	for _, name := range slices.Sorted(maps.Keys(probes)) {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := probes[name](pctx)
		cancel()
		if err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and every probe passes, and 503 otherwise.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
			return
		}
		if failures := c.Check(r.Context()); len(failures) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Checks: failures})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: c.State()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
