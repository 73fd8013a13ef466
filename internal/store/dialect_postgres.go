package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) NeedsBoolFix() bool      { return false }
func (d *PostgresDialect) InlineForeignKeys() bool { return false }

func (d *PostgresDialect) ColumnType(fieldType string) string {
	switch fieldType {
	case "string":
		return "TEXT"
	case "int":
		return "BIGINT"
	case "decimal":
		return "NUMERIC"
	case "boolean":
		return "BOOLEAN"
	case "timestamp":
		return "TIMESTAMPTZ"
	case "json":
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 AND table_schema = 'public'`,
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = dataType
	}
	return cols, rows.Err()
}

func (d *PostgresDialect) ConstraintExists(ctx context.Context, db *sql.DB, table, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.table_constraints
		 WHERE table_name = $1 AND constraint_name = $2 AND table_schema = 'public')`,
		table, name,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	ph := pb.Add(textArray(values))
	return fmt.Sprintf("%s = ANY(%s)", field, ph)
}

func (d *PostgresDialect) NotInExpr(field string, pb ParamBuilder, values []any) string {
	ph := pb.Add(textArray(values))
	return fmt.Sprintf("%s != ALL(%s)", field, ph)
}

// textArray converts ids to []string so pgx encodes them as TEXT[].
func textArray(values []any) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%v", v)
	}
	return out
}

func (d *PostgresDialect) IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string {
	ph := pb.Add(days)
	return fmt.Sprintf("%s < now() - (%s || ' days')::interval", createdAtCol, ph)
}

func (d *PostgresDialect) BindValue(v any) (any, error) {
	out, _, err := bindCommon(v)
	return out, err
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUniqueViolation) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		}
		return err
	}
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- PostgreSQL DDL ---

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _webhook_triggers (
    id          TEXT PRIMARY KEY,
    remote_ip   TEXT NOT NULL DEFAULT '',
    headers     JSONB NOT NULL DEFAULT '{}',
    body        TEXT NOT NULL DEFAULT '',
    valid       BOOLEAN NOT NULL DEFAULT false,
    processed   BOOLEAN NOT NULL DEFAULT false,
    exception   TEXT NOT NULL DEFAULT '',
    traceback   TEXT NOT NULL DEFAULT '',
    event_id    TEXT,
    account_id  TEXT,
    livemode    BOOLEAN,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhook_triggers_pending ON _webhook_triggers (created_at) WHERE valid AND NOT processed;
CREATE INDEX IF NOT EXISTS idx_webhook_triggers_event ON _webhook_triggers (event_id);

CREATE TABLE IF NOT EXISTS _idempotency_keys (
    id          TEXT PRIMARY KEY,
    action      TEXT NOT NULL,
    livemode    BOOLEAN NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (action, livemode)
);

CREATE TABLE IF NOT EXISTS _sync_spans (
    id              BIGSERIAL PRIMARY KEY,
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
    duration_ms     DOUBLE PRECISION,
    status          TEXT,
    metadata        JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sync_spans_trace ON _sync_spans (trace_id);
CREATE INDEX IF NOT EXISTS idx_sync_spans_kind_created ON _sync_spans (kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sync_spans_created ON _sync_spans (created_at DESC);
`

// Compile-time check
var _ Dialect = (*PostgresDialect)(nil)
