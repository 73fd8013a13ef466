package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout matches strftime('%Y-%m-%dT%H:%M:%fZ') so text
// timestamps compare correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) NeedsBoolFix() bool      { return true }
func (d *SQLiteDialect) InlineForeignKeys() bool { return true }

// ColumnType keeps decimals as TEXT so amounts round-trip exactly.
func (d *SQLiteDialect) ColumnType(fieldType string) string {
	switch fieldType {
	case "int", "boolean":
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?1",
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dfltValue any
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = colType
	}
	return cols, rows.Err()
}

// ConstraintExists is never consulted for SQLite since foreign keys are inline.
func (d *SQLiteDialect) ConstraintExists(_ context.Context, _ *sql.DB, _, _ string) (bool, error) {
	return true, nil
}

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=0" // always false
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(phs, ", "))
}

func (d *SQLiteDialect) NotInExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=1" // always true
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s NOT IN (%s)", field, strings.Join(phs, ", "))
}

func (d *SQLiteDialect) IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string {
	ph := pb.Add(days)
	return fmt.Sprintf("%s < strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now', '-' || %s || ' days')", createdAtCol, ph)
}

func (d *SQLiteDialect) BindValue(v any) (any, error) {
	out, handled, err := bindCommon(v)
	if err != nil || !handled {
		return out, err
	}
	if t, ok := out.(time.Time); ok {
		return t.Format(sqliteTimeLayout), nil
	}
	return out, nil
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUniqueViolation) {
		return err
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "PRIMARY KEY constraint failed") ||
		strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _webhook_triggers (
    id          TEXT PRIMARY KEY,
    remote_ip   TEXT NOT NULL DEFAULT '',
    headers     TEXT NOT NULL DEFAULT '{}',
    body        TEXT NOT NULL DEFAULT '',
    valid       INTEGER NOT NULL DEFAULT 0,
    processed   INTEGER NOT NULL DEFAULT 0,
    exception   TEXT NOT NULL DEFAULT '',
    traceback   TEXT NOT NULL DEFAULT '',
    event_id    TEXT,
    account_id  TEXT,
    livemode    INTEGER,
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_webhook_triggers_pending ON _webhook_triggers (created_at) WHERE valid = 1 AND processed = 0;
CREATE INDEX IF NOT EXISTS idx_webhook_triggers_event ON _webhook_triggers (event_id);

CREATE TABLE IF NOT EXISTS _idempotency_keys (
    id          TEXT PRIMARY KEY,
    action      TEXT NOT NULL,
    livemode    INTEGER NOT NULL,
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    UNIQUE (action, livemode)
);

CREATE TABLE IF NOT EXISTS _sync_spans (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    trace_id        TEXT NOT NULL,
    span_id         TEXT NOT NULL,
    parent_span_id  TEXT,
    event_type      TEXT NOT NULL,
    source          TEXT NOT NULL,
    component       TEXT NOT NULL,
    action          TEXT NOT NULL,
    kind            TEXT,
    record_id       TEXT,
    user_id         TEXT,
    duration_ms     REAL,
    status          TEXT,
    metadata        TEXT,
    created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_sync_spans_trace ON _sync_spans (trace_id);
CREATE INDEX IF NOT EXISTS idx_sync_spans_kind_created ON _sync_spans (kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sync_spans_created ON _sync_spans (created_at DESC);
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)
