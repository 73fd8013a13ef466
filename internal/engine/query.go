package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"paysync/internal/metadata"
	"paysync/internal/store"
)

type QueryPlan struct {
	Kind    *metadata.Kind
	Filters []WhereClause
	Page    int
	PerPage int
}

type WhereClause struct {
	Column string
	Value  any
}

type QueryResult struct {
	SQL    string
	Params []any
}

// ParseQueryParams reads filter[column]=value, page and per_page.
func ParseQueryParams(c *fiber.Ctx, k *metadata.Kind) (*QueryPlan, error) {
	plan := &QueryPlan{Kind: k, Page: 1, PerPage: 25}
	columns := make(map[string]bool)
	for _, col := range k.Columns() {
		columns[col] = true
	}

	for key, val := range c.Queries() {
		switch {
		case key == "page":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return nil, NewAppError("INVALID_PAYLOAD", 400, "page must be a positive integer")
			}
			plan.Page = n
		case key == "per_page":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return nil, NewAppError("INVALID_PAYLOAD", 400, "per_page must be a positive integer")
			}
			plan.PerPage = min(n, 100)
		case strings.HasPrefix(key, "filter[") && strings.HasSuffix(key, "]"):
			col := key[len("filter[") : len(key)-1]
			if !columns[col] {
				return nil, NewAppError("UNKNOWN_FIELD", 400, fmt.Sprintf("Unknown filter column: %s", col))
			}
			v, err := coerceValue(k.ColumnType(col), val)
			if err != nil {
				return nil, NewAppError("INVALID_PAYLOAD", 400, fmt.Sprintf("filter %s: %v", col, err))
			}
			plan.Filters = append(plan.Filters, WhereClause{Column: col, Value: v})
		}
	}
	sort.Slice(plan.Filters, func(i, j int) bool { return plan.Filters[i].Column < plan.Filters[j].Column })
	return plan, nil
}

func coerceValue(fieldType, val string) (any, error) {
	switch fieldType {
	case metadata.TypeInt:
		return strconv.ParseInt(val, 10, 64)
	case metadata.TypeBoolean:
		return strconv.ParseBool(val)
	default:
		return val, nil
	}
}

// BuildSelectSQL builds a page of rows ordered by id.
func BuildSelectSQL(d store.Dialect, plan *QueryPlan) QueryResult {
	pb := d.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(plan.Kind.Columns(), ", "), plan.Kind.Table)
	sql += buildWhere(plan, pb)
	limit := pb.Add(plan.PerPage)
	offset := pb.Add((plan.Page - 1) * plan.PerPage)
	sql += fmt.Sprintf(" ORDER BY id LIMIT %s OFFSET %s", limit, offset)
	return QueryResult{SQL: sql, Params: pb.Params()}
}

// BuildCountSQL counts the rows matching the plan's filters.
func BuildCountSQL(d store.Dialect, plan *QueryPlan) QueryResult {
	pb := d.NewParamBuilder()
	sql := "SELECT COUNT(*) AS count FROM " + plan.Kind.Table + buildWhere(plan, pb)
	return QueryResult{SQL: sql, Params: pb.Params()}
}

func buildWhere(plan *QueryPlan, pb store.ParamBuilder) string {
	if len(plan.Filters) == 0 {
		return ""
	}
	parts := make([]string, len(plan.Filters))
	for i, f := range plan.Filters {
		parts[i] = fmt.Sprintf("%s = %s", f.Column, pb.Add(f.Value))
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

// buildInsertSQL inserts cols into table. Columns are emitted in sorted
// order so statements are stable.
func buildInsertSQL(d store.Dialect, table string, cols map[string]any) (string, []any, error) {
	pb := d.NewParamBuilder()
	names := sortedKeys(cols)
	phs := make([]string, len(names))
	for i, name := range names {
		v, err := d.BindValue(cols[name])
		if err != nil {
			return "", nil, fmt.Errorf("bind %s: %w", name, err)
		}
		phs[i] = pb.Add(v)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(phs, ", "))
	return sql, pb.Params(), nil
}

// buildUpdateSQL sets cols on the row with the given id.
func buildUpdateSQL(d store.Dialect, table, id string, cols map[string]any) (string, []any, error) {
	pb := d.NewParamBuilder()
	names := sortedKeys(cols)
	sets := make([]string, 0, len(names))
	for _, name := range names {
		if name == metadata.ColID {
			continue
		}
		v, err := d.BindValue(cols[name])
		if err != nil {
			return "", nil, fmt.Errorf("bind %s: %w", name, err)
		}
		sets = append(sets, fmt.Sprintf("%s = %s", name, pb.Add(v)))
	}
	if len(sets) == 0 {
		return "", nil, nil
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", table, strings.Join(sets, ", "), pb.Add(id))
	return sql, pb.Params(), nil
}

func selectByIDSQL(d store.Dialect, k *metadata.Kind) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", strings.Join(k.Columns(), ", "), k.Table, d.Placeholder(1))
}

// decodeRecord turns a raw row into typed column values: booleans stored
// as integers, JSON text and text timestamps are decoded.
func decodeRecord(d store.Dialect, k *metadata.Kind, row map[string]any) metadata.Record {
	if d.NeedsBoolFix() {
		store.NormalizeBooleans([]map[string]any{row}, k.BooleanColumns())
	}
	rec := metadata.Record(row)
	for col, v := range rec {
		if v == nil {
			continue
		}
		switch k.ColumnType(col) {
		case metadata.TypeJSON:
			if s, ok := v.(string); ok {
				var out any
				if err := json.Unmarshal([]byte(s), &out); err == nil {
					rec[col] = out
				}
			}
		case metadata.TypeTimestamp:
			if t, ok := store.ParseTime(v); ok {
				rec[col] = t.UTC()
			}
		case metadata.TypeDecimal:
			if f, ok := v.(float64); ok {
				rec[col] = decimal.NewFromFloat(f).String()
			}
		}
	}
	return rec
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
