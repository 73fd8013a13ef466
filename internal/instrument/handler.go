package instrument

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"paysync/internal/store"
)

const spanSelect = "SELECT id, trace_id, span_id, parent_span_id, event_type, source, component, action, kind, record_id, user_id, duration_ms, status, metadata, created_at FROM _sync_spans"

// spanFilters are the query parameters List accepts, each matching a column.
var spanFilters = []string{"source", "component", "action", "kind", "record_id", "event_type", "trace_id", "user_id", "status"}

// SpanHandler exposes read-only endpoints over recorded spans.
type SpanHandler struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSpanHandler(db *sql.DB, dialect store.Dialect) *SpanHandler {
	return &SpanHandler{db: db, dialect: dialect}
}

// RegisterSpanRoutes mounts the span endpoints under /api/_spans.
func RegisterSpanRoutes(app *fiber.App, h *SpanHandler, middleware ...fiber.Handler) {
	g := app.Group("/api/_spans", middleware...)
	g.Get("/", h.List)
	g.Get("/stats", h.Stats)
	g.Get("/trace/:traceId", h.GetTrace)
}

// List handles GET /api/_spans with column filters and pagination.
func (h *SpanHandler) List(c *fiber.Ctx) error {
	ctx := c.UserContext()

	var conditions []string
	var args []any
	for _, col := range spanFilters {
		if v := c.Query(col); v != "" {
			args = append(args, v)
			conditions = append(conditions, fmt.Sprintf("%s = %s", col, h.dialect.Placeholder(len(args))))
		}
	}
	if v := c.Query("from"); v != "" {
		args = append(args, v)
		conditions = append(conditions, "created_at >= "+h.dialect.Placeholder(len(args)))
	}
	if v := c.Query("to"); v != "" {
		args = append(args, v)
		conditions = append(conditions, "created_at <= "+h.dialect.Placeholder(len(args)))
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}

	orderBy := "created_at DESC"
	if c.Query("sort") == "created_at" {
		orderBy = "created_at ASC"
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	countRow, err := store.QueryRow(ctx, h.db, "SELECT COUNT(*) AS count FROM _sync_spans"+where, args...)
	if err != nil {
		return fmt.Errorf("count spans: %w", err)
	}

	dataSQL := fmt.Sprintf("%s%s ORDER BY %s LIMIT %s OFFSET %s", spanSelect, where, orderBy,
		h.dialect.Placeholder(len(args)+1), h.dialect.Placeholder(len(args)+2))
	rows, err := store.QueryRows(ctx, h.db, dataSQL, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return fmt.Errorf("list spans: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"pagination": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    toInt(countRow["count"]),
		},
	})
}

// GetTrace handles GET /api/_spans/trace/:traceId and returns the spans of
// one trace arranged as a tree.
func (h *SpanHandler) GetTrace(c *fiber.Ctx) error {
	traceID := c.Params("traceId")
	rows, err := store.QueryRows(c.UserContext(), h.db,
		spanSelect+" WHERE trace_id = "+h.dialect.Placeholder(1)+" ORDER BY created_at ASC, id ASC", traceID)
	if err != nil {
		return fmt.Errorf("get trace: %w", err)
	}
	if len(rows) == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Trace not found: " + traceID}})
	}

	byID := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		row["children"] = []map[string]any{}
		spanID, _ := row["span_id"].(string)
		byID[spanID] = row
	}

	var root map[string]any
	for _, row := range rows {
		parentID, _ := row["parent_span_id"].(string)
		if parent, ok := byID[parentID]; ok {
			parent["children"] = append(parent["children"].([]map[string]any), row)
		} else if root == nil {
			root = row
		}
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"trace_id":          traceID,
			"root_span":         root,
			"span_count":        len(rows),
			"total_duration_ms": root["duration_ms"],
		},
	})
}

// Stats handles GET /api/_spans/stats: counts, average latency and error
// rate per component.
func (h *SpanHandler) Stats(c *fiber.Ctx) error {
	ctx := c.UserContext()

	conditions := []string{"duration_ms IS NOT NULL"}
	var args []any
	if v := c.Query("kind"); v != "" {
		args = append(args, v)
		conditions = append(conditions, "kind = "+h.dialect.Placeholder(len(args)))
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	rows, err := store.QueryRows(ctx, h.db,
		`SELECT component, COUNT(*) AS count, AVG(duration_ms) AS avg_duration_ms,
		        SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS error_count
		 FROM _sync_spans`+where+` GROUP BY component ORDER BY count DESC`, args...)
	if err != nil {
		return fmt.Errorf("span stats: %w", err)
	}

	total, errors := 0, 0
	byComponent := make([]fiber.Map, 0, len(rows))
	for _, row := range rows {
		n, e := toInt(row["count"]), toInt(row["error_count"])
		total += n
		errors += e
		byComponent = append(byComponent, fiber.Map{
			"component":       row["component"],
			"count":           n,
			"avg_duration_ms": row["avg_duration_ms"],
			"error_count":     e,
		})
	}
	var errorRate float64
	if total > 0 {
		errorRate = math.Round(float64(errors)/float64(total)*10000) / 10000
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"total_spans":  total,
			"error_rate":   errorRate,
			"by_component": byComponent,
		},
	})
}

// toInt safely converts various numeric types to int.
func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}
