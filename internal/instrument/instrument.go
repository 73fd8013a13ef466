// Package instrument records timed spans of sync work into _sync_spans.
package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	parentSpanIDKey
	instrumenterKey
	userIDKey
)

// Instrumenter creates spans and one-shot business events.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, kind, recordID string, metadata map[string]any)
}

// Span is one timed operation. End is idempotent.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetRecord(kind, recordID string)
	TraceID() string
	SpanID() string
}

// SpanRecord is a row of the _sync_spans table.
type SpanRecord struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	EventType    string         `json:"event_type"`
	Source       string         `json:"source"`
	Component    string         `json:"component"`
	Action       string         `json:"action"`
	Kind         *string        `json:"kind"`
	RecordID     *string        `json:"record_id"`
	UserID       *string        `json:"user_id"`
	DurationMs   *float64       `json:"duration_ms"`
	Status       *string        `json:"status"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

func newUUID() string {
	return uuid.New().String()
}

// WithTraceID sets the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

func withParentSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, parentSpanIDKey, spanID)
}

func getParentSpanID(ctx context.Context) string {
	if v, ok := ctx.Value(parentSpanIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInstrumenter sets the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context,
// or a NoopInstrumenter if none is set.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return &NoopInstrumenter{}
}

// WithUserID sets the user ID recorded on spans started from ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func getUserID(ctx context.Context) *string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return &v
	}
	return nil
}

// Background returns a context for work started outside a request, such
// as the webhook scheduler, carrying a fresh trace and the instrumenter.
func Background(inst Instrumenter) context.Context {
	ctx := WithTraceID(context.Background(), newUUID())
	if inst == nil {
		return ctx
	}
	return WithInstrumenter(ctx, inst)
}

// InstrumenterImpl enqueues spans to an EventBuffer.
type InstrumenterImpl struct {
	buffer *EventBuffer
}

func NewInstrumenter(buffer *EventBuffer) *InstrumenterImpl {
	return &InstrumenterImpl{buffer: buffer}
}

// StartSpan creates a new span and returns a context in which it is the parent.
func (i *InstrumenterImpl) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	spanID := newUUID()
	span := &SpanImpl{
		traceID:      GetTraceID(ctx),
		spanID:       spanID,
		parentSpanID: getParentSpanID(ctx),
		source:       source,
		component:    component,
		action:       action,
		startTime:    time.Now(),
		metadata:     make(map[string]any),
		buffer:       i.buffer,
		userID:       getUserID(ctx),
	}
	return withParentSpanID(ctx, spanID), span
}

// EmitBusinessEvent records a one-shot event with no duration.
func (i *InstrumenterImpl) EmitBusinessEvent(ctx context.Context, action, kind, recordID string, metadata map[string]any) {
	rec := SpanRecord{
		TraceID:   GetTraceID(ctx),
		SpanID:    newUUID(),
		EventType: "business",
		Source:    "business",
		Component: "sync",
		Action:    action,
		Metadata:  metadata,
		UserID:    getUserID(ctx),
	}
	if parent := getParentSpanID(ctx); parent != "" {
		rec.ParentSpanID = &parent
	}
	if kind != "" {
		rec.Kind = &kind
	}
	if recordID != "" {
		rec.RecordID = &recordID
	}
	i.buffer.Enqueue(rec)
}

// SpanImpl implements Span with timing and metadata.
type SpanImpl struct {
	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	kind         *string
	recordID     *string
	userID       *string
	status       *string
	startTime    time.Time
	metadata     map[string]any
	buffer       *EventBuffer
	mu           sync.Mutex
	ended        bool
}

func (s *SpanImpl) TraceID() string { return s.traceID }
func (s *SpanImpl) SpanID() string  { return s.spanID }

func (s *SpanImpl) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
}

func (s *SpanImpl) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

func (s *SpanImpl) SetRecord(kind, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kind = &kind
	if recordID != "" {
		s.recordID = &recordID
	}
}

func (s *SpanImpl) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	durationMs := float64(time.Since(s.startTime).Microseconds()) / 1000.0
	rec := SpanRecord{
		TraceID:    s.traceID,
		SpanID:     s.spanID,
		EventType:  "system",
		Source:     s.source,
		Component:  s.component,
		Action:     s.action,
		Kind:       s.kind,
		RecordID:   s.recordID,
		UserID:     s.userID,
		DurationMs: &durationMs,
		Status:     s.status,
		Metadata:   s.metadata,
	}
	if s.parentSpanID != "" {
		rec.ParentSpanID = &s.parentSpanID
	}
	s.buffer.Enqueue(rec)
}
