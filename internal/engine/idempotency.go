package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"paysync/internal/store"
)

// IdempotencyKey returns the key remote create calls for action should
// carry in the given mode. A key younger than the TTL is reused so a
// retried create is deduped upstream; an expired one is replaced.
func (s *Syncer) IdempotencyKey(ctx context.Context, action string, livemode bool) (string, error) {
	d := s.store.Dialect
	db := s.store.DB

	selectSQL := fmt.Sprintf("SELECT id, created_at FROM _idempotency_keys WHERE action = %s AND livemode = %s",
		d.Placeholder(1), d.Placeholder(2))
	for attempt := 0; attempt < 3; attempt++ {
		row, err := store.QueryRow(ctx, db, selectSQL, action, livemode)
		switch {
		case err == nil:
			id, _ := row["id"].(string)
			created, ok := store.ParseTime(row["created_at"])
			if ok && s.now().Sub(created) < s.opts.IdempotencyTTL {
				return id, nil
			}
			if _, err := store.Exec(ctx, db, "DELETE FROM _idempotency_keys WHERE id = "+d.Placeholder(1), id); err != nil {
				return "", fmt.Errorf("expire idempotency key %s: %w", action, err)
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return "", fmt.Errorf("read idempotency key %s: %w", action, err)
		}

		now, err := d.BindValue(s.now().UTC())
		if err != nil {
			return "", err
		}
		key := uuid.NewString()
		pb := d.NewParamBuilder()
		insertSQL := fmt.Sprintf("INSERT INTO _idempotency_keys (id, action, livemode, created_at) VALUES (%s, %s, %s, %s)",
			pb.Add(key), pb.Add(action), pb.Add(livemode), pb.Add(now))
		_, err = store.Exec(ctx, db, insertSQL, pb.Params()...)
		if err == nil {
			return key, nil
		}
		if !errors.Is(d.MapError(err), store.ErrUniqueViolation) {
			return "", fmt.Errorf("store idempotency key %s: %w", action, err)
		}
		// Someone else stored a key for action first; read theirs.
	}
	return "", fmt.Errorf("idempotency key %s: gave up after concurrent replacements", action)
}

// PurgeExpiredIdempotencyKeys deletes keys older than the TTL. Expired keys
// are never reused, so this only bounds the table.
func (s *Syncer) PurgeExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	d := s.store.Dialect
	cutoff, err := d.BindValue(s.now().UTC().Add(-s.opts.IdempotencyTTL))
	if err != nil {
		return 0, err
	}
	n, err := store.Exec(ctx, s.store.DB, "DELETE FROM _idempotency_keys WHERE created_at < "+d.Placeholder(1), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	if n > 0 {
		log.Printf("Idempotency cleanup: deleted %d expired keys", n)
	}
	return n, nil
}
