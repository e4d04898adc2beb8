// Package audit records business events for later review.
//
// A Sink is fire-and-forget from the caller's point of view: callers log
// a sink failure and carry on, so an audit outage never changes the
// outcome of the operation being audited.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tixpay/internal/logging"
)

// Entry is a single audit record.
type Entry struct {
	Action     string         `json:"action"`
	UserID     string         `json:"userId,omitempty"`
	ResourceID string         `json:"resourceId,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Sink receives audit entries.
type Sink interface {
	Log(ctx context.Context, e Entry) error
}

// stamp fills the fields every sink records.
func stamp(ctx context.Context, e Entry) Entry {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = logging.RequestID(ctx)
	}
	return e
}

// LogSink writes entries to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Log(ctx context.Context, e Entry) error {
	e = stamp(ctx, e)
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("action", e.Action),
		slog.String("user_id", e.UserID),
		slog.String("resource_id", e.ResourceID),
		slog.Any("meta", e.Meta),
		slog.String("request_id", e.RequestID),
	)
	return nil
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Log(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, stamp(ctx, e))
	return nil
}

// Entries returns a copy of the recorded entries in order.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Actions returns the recorded actions in order.
func (s *MemorySink) Actions() []string {
	entries := s.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

// Multi fans an entry out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Log(ctx context.Context, e Entry) error {
	e = stamp(ctx, e)
	var errs []error
	for _, s := range m {
		if err := s.Log(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = Multi(nil)
)
