package store

import (
	"context"
	"fmt"
)

// Bootstrap creates the engine's own tables: webhook triggers, idempotency
// keys and sync spans.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	return nil
}
