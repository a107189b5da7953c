// Package tracing records a tree of timed phases through a context and logs
// it once the root finishes. It is meant for long pipeline runs, not for
// per-request tracing.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

// Span is one timed phase. Children are the phases started under its context.
type Span struct {
	name    string
	traceID string
	start   time.Time

	mu       sync.Mutex
	duration time.Duration
	ended    bool
	attrs    []any
	children []*Span
}

// StartTrace begins a root span. An empty traceID is replaced by a random one.
func StartTrace(ctx context.Context, name, traceID string) (context.Context, *Span) {
	if traceID == "" {
		traceID = newTraceID()
	}
	s := &Span{name: name, traceID: traceID, start: time.Now()}
	return context.WithValue(ctx, contextKey{}, s), s
}

// Start begins a child of the span in ctx, or a new trace if there is none.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	parent := FromContext(ctx)
	if parent == nil {
		return StartTrace(ctx, name, "")
	}
	s := &Span{name: name, traceID: parent.traceID, start: time.Now()}
	parent.mu.Lock()
	parent.children = append(parent.children, s)
	parent.mu.Unlock()
	return context.WithValue(ctx, contextKey{}, s), s
}

func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(contextKey{}).(*Span)
	return s
}

func (s *Span) TraceID() string { return s.traceID }

// SetAttr attaches a key/value logged with the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

// End fixes the span's duration. Later calls are ignored.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.duration = time.Since(s.start)
		s.ended = true
	}
}

func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Log writes the span and its descendants, depth first.
func (s *Span) Log(logger *slog.Logger) {
	s.log(logger, 0)
}

func (s *Span) log(logger *slog.Logger, depth int) {
	s.mu.Lock()
	args := append([]any{
		"trace_id", s.traceID,
		"span", s.name,
		"depth", depth,
		"duration_ms", s.duration.Milliseconds(),
	}, s.attrs...)
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	logger.Info("span", args...)
	for _, c := range children {
		c.log(logger, depth+1)
	}
}

func newTraceID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
