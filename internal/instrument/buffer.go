package instrument

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"paysync/internal/store"
)

var spanColumns = []string{"trace_id", "span_id", "parent_span_id", "event_type", "source", "component", "action", "kind", "record_id", "user_id", "duration_ms", "status", "metadata"}

// EventBuffer collects spans in memory and periodically flushes them
// to the _sync_spans table in a batch insert.
type EventBuffer struct {
	mu      sync.Mutex
	spans   []SpanRecord
	db      *sql.DB
	dialect store.Dialect
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
}

// NewEventBuffer creates a buffer that flushes on a timer or when full.
func NewEventBuffer(db *sql.DB, dialect store.Dialect, maxSize int, flushIntervalMs int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushIntervalMs <= 0 {
		flushIntervalMs = 100
	}
	eb := &EventBuffer{
		db:      db,
		dialect: dialect,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	eb.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	go eb.run()
	return eb
}

func (eb *EventBuffer) run() {
	for {
		select {
		case <-eb.done:
			return
		case <-eb.ticker.C:
			eb.Flush()
		}
	}
}

// Enqueue adds a span to the buffer. A full buffer is flushed asynchronously.
func (eb *EventBuffer) Enqueue(rec SpanRecord) {
	eb.mu.Lock()
	eb.spans = append(eb.spans, rec)
	shouldFlush := len(eb.spans) >= eb.maxSize
	eb.mu.Unlock()
	if shouldFlush {
		go eb.Flush()
	}
}

// Flush writes all buffered spans in a single batch insert.
func (eb *EventBuffer) Flush() {
	eb.mu.Lock()
	if len(eb.spans) == 0 {
		eb.mu.Unlock()
		return
	}
	batch := eb.spans
	eb.spans = nil
	eb.mu.Unlock()

	var placeholders []string
	var args []any
	for i, rec := range batch {
		offset := i * len(spanColumns)
		ph := make([]string, len(spanColumns))
		for j := range spanColumns {
			ph[j] = eb.dialect.Placeholder(offset + j + 1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")

		var metaJSON any
		if len(rec.Metadata) > 0 {
			b, err := json.Marshal(rec.Metadata)
			if err != nil {
				log.Printf("WARN: span %s metadata: %v", rec.SpanID, err)
			} else {
				metaJSON = string(b)
			}
		}
		args = append(args, rec.TraceID, rec.SpanID, rec.ParentSpanID, rec.EventType, rec.Source, rec.Component,
			rec.Action, rec.Kind, rec.RecordID, rec.UserID, rec.DurationMs, rec.Status, metaJSON)
	}

	sqlStr := fmt.Sprintf("INSERT INTO _sync_spans (%s) VALUES %s", strings.Join(spanColumns, ","), strings.Join(placeholders, ","))
	if _, err := eb.db.ExecContext(context.Background(), sqlStr, args...); err != nil {
		log.Printf("ERROR: span buffer insert: %v", err)
	}
}

// Stop halts the background ticker and flushes remaining spans.
func (eb *EventBuffer) Stop() {
	if eb.ticker != nil {
		eb.ticker.Stop()
	}
	close(eb.done)
	eb.Flush()
}
