// Package sink carries engine records (per-tick KPIs, discrete events,
// message traffic and the run summary) to external stores.
package sink

import (
	"context"
	"time"
)

// Kind classifies a record.
type Kind string

const (
	KindTick    Kind = "tick"
	KindEvent   Kind = "event"
	KindMessage Kind = "message"
	KindSummary Kind = "summary"
)

// Record is one row written to a sink. Fields must be JSON-encodable.
type Record struct {
	RunID  string         `json:"run_id"`
	Kind   Kind           `json:"kind"`
	Type   string         `json:"type,omitempty"`
	Tick   int            `json:"tick"`
	Agent  string         `json:"agent,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Time   time.Time      `json:"time"`
}

// Sink accepts batches of records. Write is called once per tick from the
// engine goroutine; implementations must not retain the slice.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

// Discard drops every record.
type Discard struct{}

func (Discard) Write(context.Context, []Record) error { return nil }
func (Discard) Close() error                          { return nil }
