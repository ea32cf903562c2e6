// Package metrics instruments a session.Store with Prometheus counters and
// latency histograms.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/txn2/session-filestore/pkg/session"
)

// Result label values.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultNotFound = "not_found"
)

// Store records metrics for every operation of an inner store.
type Store struct {
	inner    session.Store
	backend  string
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New wraps inner and registers its collectors with reg. backend labels
// every series, so several instrumented stores can share one registry.
func New(inner session.Store, backend string, reg prometheus.Registerer) (*Store, error) {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_store_operations_total",
		Help: "Session store operations by backend, operation, and result.",
	}, []string{"backend", "op", "result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_store_operation_duration_seconds",
		Help:    "Session store operation latency.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"backend", "op"})

	var err error
	if ops, err = registerOrReuse(reg, ops); err != nil {
		return nil, err
	}
	if duration, err = registerOrReuse(reg, duration); err != nil {
		return nil, err
	}

	return &Store{
		inner:    inner,
		backend:  backend,
		ops:      ops,
		duration: duration,
	}, nil
}

// registerOrReuse registers c, returning the existing collector when an
// identical one is already registered.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("registering session store metrics: %w", err)
	}
	return c, nil
}

// Create instruments the inner Create.
func (s *Store) Create(ctx context.Context, r *session.Record) error {
	start := time.Now()
	err := s.inner.Create(ctx, r)
	s.observe(session.OpCreate, start, err)
	return err //nolint:wrapcheck // pass-through
}

// Save instruments the inner Save.
func (s *Store) Save(ctx context.Context, r *session.Record) error {
	start := time.Now()
	err := s.inner.Save(ctx, r)
	s.observe(session.OpSave, start, err)
	return err //nolint:wrapcheck // pass-through
}

// Load instruments the inner Load.
func (s *Store) Load(ctx context.Context, id session.ID) (*session.Record, error) {
	start := time.Now()
	rec, err := s.inner.Load(ctx, id)
	s.observe(session.OpLoad, start, err)
	return rec, err //nolint:wrapcheck // pass-through
}

// Delete instruments the inner Delete.
func (s *Store) Delete(ctx context.Context, id session.ID) error {
	start := time.Now()
	err := s.inner.Delete(ctx, id)
	s.observe(session.OpDelete, start, err)
	return err //nolint:wrapcheck // pass-through
}

// Ping forwards to the inner store when it supports it.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.inner.(session.Pinger); ok {
		return p.Ping(ctx) //nolint:wrapcheck // pass-through
	}
	return nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	s.duration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	s.ops.WithLabelValues(s.backend, op, result(err)).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case session.IsNotFound(err):
		return ResultNotFound
	default:
		return ResultError
	}
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)

var _ session.Pinger = (*Store)(nil)
