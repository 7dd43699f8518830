package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ocx/trafficmesh/internal/circuitbreaker"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("sink closed")

// Named pairs a sink with the name its breaker is keyed by.
type Named struct {
	Name string
	Sink Sink
}

// Multi fans a batch out to every child. Each child sits behind its own
// circuit breaker, so one failing store does not slow the others; while a
// breaker is open its child is skipped.
type Multi struct {
	children []Named
	breakers *circuitbreaker.Manager
	logger   *slog.Logger
}

// NewMulti builds a fan-out. A nil manager uses the default breaker config.
func NewMulti(breakers *circuitbreaker.Manager, children ...Named) *Multi {
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil)
	}
	for _, c := range children {
		breakers.Get(c.Name)
	}
	return &Multi{
		children: children,
		breakers: breakers,
		logger:   slog.Default().With("component", "sink"),
	}
}

// Add appends a child.
func (m *Multi) Add(name string, s Sink) {
	m.breakers.Get(name)
	m.children = append(m.children, Named{Name: name, Sink: s})
}

// Len is the number of children.
func (m *Multi) Len() int { return len(m.children) }

// Write returns the joined errors of the children that failed. Children
// skipped by an open breaker do not contribute an error.
func (m *Multi) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	var errs []error
	for _, c := range m.children {
		child := c
		err := m.breakers.Get(child.Name).Execute(func() error {
			return child.Sink.Write(ctx, records)
		})
		switch {
		case err == nil:
		case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
			m.logger.Debug("sink skipped", "sink", child.Name, "records", len(records))
		default:
			m.logger.Warn("sink write failed", "sink", child.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", child.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every child.
func (m *Multi) Close() error {
	var errs []error
	for _, c := range m.children {
		if err := c.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Health reports the breaker state per child.
func (m *Multi) Health() []circuitbreaker.Stats { return m.breakers.Stats() }

// Healthy reports whether every child is accepting writes.
func (m *Multi) Healthy() bool { return m.breakers.Healthy() }
