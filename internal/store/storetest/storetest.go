// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"testing"

	"paysync/internal/config"
	"paysync/internal/metadata"
	"paysync/internal/store"
)

// Open returns a bootstrapped SQLite store in a temp dir, migrated for reg
// when reg is non-nil. The store is closed when the test ends.
func Open(t testing.TB, reg *metadata.Registry) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "test"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if reg != nil {
		if err := store.NewMigrator(s).Migrate(ctx, reg); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	return s
}

// Count returns the number of rows in table matching the optional where clause.
func Count(t testing.TB, s *store.Store, table, where string, args ...any) int {
	t.Helper()
	q := "SELECT COUNT(*) AS n FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	row, err := store.QueryRow(context.Background(), s.DB, q, args...)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	n, _ := row["n"].(int64)
	return int(n)
}
