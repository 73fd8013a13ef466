package instrument

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/config"
	"paysync/internal/store"
	"paysync/internal/store/storetest"
)

// newBuffer returns a buffer whose ticker never fires during a test, so
// only explicit flushes write spans.
func newBuffer(t *testing.T) (*store.Store, *EventBuffer) {
	t.Helper()
	s := storetest.Open(t, nil)
	return s, NewEventBuffer(s.DB, s.Dialect, 500, 60_000)
}

func ptr[T any](v T) *T { return &v }

func TestSpansAreFlushedOnStop(t *testing.T) {
	s, buf := newBuffer(t)
	inst := NewInstrumenter(buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithUserID(ctx, "ops")
	ctx, parent := inst.StartSpan(ctx, "webhook", "processor", "receive")
	_, child := inst.StartSpan(ctx, "engine", "syncer", "sync")
	child.SetRecord("charge", "ch_1")
	child.SetStatus("ok")
	child.End()
	child.End()
	parent.SetMetadata("trigger_id", "t_1")
	parent.End()
	inst.EmitBusinessEvent(ctx, "webhook.processed", "event", "evt_1", nil)

	assert.Equal(t, 0, storetest.Count(t, s, "_sync_spans", ""))
	buf.Stop()

	assert.Equal(t, 3, storetest.Count(t, s, "_sync_spans", "trace_id = ?", "trace-1"))
	assert.Equal(t, 2, storetest.Count(t, s, "_sync_spans", "parent_span_id = ?", parent.SpanID()))
	assert.Equal(t, 1, storetest.Count(t, s, "_sync_spans", "event_type = ?", "business"))

	row, err := store.QueryRow(context.Background(), s.DB,
		"SELECT kind, record_id, user_id, metadata FROM _sync_spans WHERE span_id = ?", child.SpanID())
	require.NoError(t, err)
	assert.Equal(t, "charge", row["kind"])
	assert.Equal(t, "ch_1", row["record_id"])
	assert.Equal(t, "ops", row["user_id"])
	assert.Nil(t, row["metadata"])
}

func TestNoopInstrumenterWhenUnset(t *testing.T) {
	inst := GetInstrumenter(context.Background())
	_, span := inst.StartSpan(context.Background(), "engine", "syncer", "sync")
	span.SetStatus("ok")
	span.End()
	assert.Empty(t, span.SpanID())
}

func TestCleanupOldSpans(t *testing.T) {
	s, buf := newBuffer(t)
	buf.Enqueue(SpanRecord{TraceID: "old", SpanID: "s1", EventType: "system", Source: "engine", Component: "syncer", Action: "sync"})
	buf.Enqueue(SpanRecord{TraceID: "new", SpanID: "s2", EventType: "system", Source: "engine", Component: "syncer", Action: "sync"})
	buf.Stop()

	_, err := s.DB.Exec("UPDATE _sync_spans SET created_at = '2000-01-01T00:00:00.000Z' WHERE trace_id = 'old'")
	require.NoError(t, err)

	n, err := CleanupOldSpans(context.Background(), s.DB, s.Dialect, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = CleanupOldSpans(context.Background(), s.DB, s.Dialect, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, storetest.Count(t, s, "_sync_spans", "trace_id = ?", "new"))
}

func TestMiddlewareTracesRequests(t *testing.T) {
	s, buf := newBuffer(t)
	cfg := config.InstrumentationConfig{Enabled: true, SamplingRate: 1}

	app := fiber.New()
	app.Use(Middleware(cfg, buf))
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendString(GetTraceID(c.UserContext())) })
	app.Get("/fail", func(c *fiber.Ctx) error { return c.SendStatus(502) })

	req := httptest.NewRequest("GET", "/ok", nil)
	req.Header.Set("X-Trace-ID", "incoming")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "incoming", resp.Header.Get("X-Trace-ID"))
	assert.Equal(t, "incoming", string(body))

	resp, err = app.Test(httptest.NewRequest("GET", "/fail", nil), -1)
	require.NoError(t, err)
	resp.Body.Close()
	generated := resp.Header.Get("X-Trace-ID")
	assert.NotEmpty(t, generated)
	assert.NotEqual(t, "incoming", generated)

	buf.Stop()
	assert.Equal(t, 1, storetest.Count(t, s, "_sync_spans", "trace_id = ? AND status = ?", "incoming", "ok"))
	assert.Equal(t, 1, storetest.Count(t, s, "_sync_spans", "trace_id = ? AND status = ?", generated, "error"))
}

func TestMiddlewareDisabled(t *testing.T) {
	_, buf := newBuffer(t)
	defer buf.Stop()

	app := fiber.New()
	app.Use(Middleware(config.InstrumentationConfig{Enabled: false}, buf))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(204) })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil), -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("X-Trace-ID"))
}

func getJSON(t *testing.T, app *fiber.App, path string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func TestSpanHandler(t *testing.T) {
	s, buf := newBuffer(t)
	buf.Enqueue(SpanRecord{TraceID: "tr", SpanID: "root", EventType: "system", Source: "webhook", Component: "processor",
		Action: "receive", DurationMs: ptr(12.5), Status: ptr("error")})
	buf.Enqueue(SpanRecord{TraceID: "tr", SpanID: "a", ParentSpanID: ptr("root"), EventType: "system", Source: "engine",
		Component: "syncer", Action: "sync", Kind: ptr("charge"), RecordID: ptr("ch_1"), DurationMs: ptr(4.0), Status: ptr("ok")})
	buf.Enqueue(SpanRecord{TraceID: "tr", SpanID: "b", ParentSpanID: ptr("a"), EventType: "system", Source: "engine",
		Component: "syncer", Action: "resolve", Kind: ptr("customer"), DurationMs: ptr(1.0), Status: ptr("ok")})
	buf.Enqueue(SpanRecord{TraceID: "other", SpanID: "c", EventType: "business", Source: "webhook", Component: "processor",
		Action: "webhook.failed", Metadata: map[string]any{"error": "boom"}})
	buf.Stop()

	app := fiber.New(fiber.Config{JSONEncoder: json.Marshal, JSONDecoder: json.Unmarshal})
	RegisterSpanRoutes(app, NewSpanHandler(s.DB, s.Dialect))

	t.Run("list", func(t *testing.T) {
		status, out := getJSON(t, app, "/api/_spans?component=syncer&per_page=1")
		require.Equal(t, 200, status)
		assert.Len(t, out["data"], 1)
		pagination := out["pagination"].(map[string]any)
		assert.EqualValues(t, 2, pagination["total"])
		assert.EqualValues(t, 1, pagination["per_page"])

		_, out = getJSON(t, app, "/api/_spans?kind=charge")
		rows := out["data"].([]any)
		require.Len(t, rows, 1)
		assert.Equal(t, "ch_1", rows[0].(map[string]any)["record_id"])
	})

	t.Run("trace", func(t *testing.T) {
		status, out := getJSON(t, app, "/api/_spans/trace/tr")
		require.Equal(t, 200, status)
		data := out["data"].(map[string]any)
		assert.EqualValues(t, 3, data["span_count"])
		assert.EqualValues(t, 12.5, data["total_duration_ms"])

		root := data["root_span"].(map[string]any)
		assert.Equal(t, "root", root["span_id"])
		children := root["children"].([]any)
		require.Len(t, children, 1)
		grandchildren := children[0].(map[string]any)["children"].([]any)
		require.Len(t, grandchildren, 1)
		assert.Equal(t, "b", grandchildren[0].(map[string]any)["span_id"])

		status, _ = getJSON(t, app, "/api/_spans/trace/missing")
		assert.Equal(t, 404, status)
	})

	t.Run("stats", func(t *testing.T) {
		status, out := getJSON(t, app, "/api/_spans/stats")
		require.Equal(t, 200, status)
		data := out["data"].(map[string]any)
		assert.EqualValues(t, 3, data["total_spans"])
		assert.InDelta(t, 0.3333, data["error_rate"], 0.0001)
		byComponent := data["by_component"].([]any)
		require.Len(t, byComponent, 2)
		assert.Equal(t, "syncer", byComponent[0].(map[string]any)["component"])
	})
}
