package instrument

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"paysync/internal/store"
)

// CleanupOldSpans deletes spans older than retentionDays from _sync_spans.
func CleanupOldSpans(ctx context.Context, db *sql.DB, dialect store.Dialect, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	pb := dialect.NewParamBuilder()
	whereExpr := dialect.IntervalDeleteExpr("created_at", pb, fmt.Sprintf("%d", retentionDays))
	n, err := store.Exec(ctx, db, "DELETE FROM _sync_spans WHERE "+whereExpr, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("span cleanup: %w", err)
	}
	if n > 0 {
		log.Printf("Span cleanup: deleted %d old spans", n)
	}
	return n, nil
}
