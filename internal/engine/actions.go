package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"paysync/internal/metadata"
	"paysync/internal/remote"
	"paysync/internal/store"
)

// Customer columns the subscriber actions work with.
const (
	customerKind       = "customer"
	colSubscriberID    = "subscriber_id"
	colDatePurged      = "date_purged"
	customerCreateFmt  = "customer:create:%s"
	defaultListPerPage = 25
)

// Get returns the stored record kind/id.
func (s *Syncer) Get(ctx context.Context, kind, id string) (metadata.Record, error) {
	k := s.registry.Get(kind)
	if k == nil {
		return nil, UnknownKindError(kind)
	}
	return s.load(ctx, s.store.DB, k, id)
}

// List returns one page of stored records and the total matching count.
func (s *Syncer) List(ctx context.Context, plan *QueryPlan) ([]metadata.Record, int64, error) {
	if plan.PerPage <= 0 {
		plan.PerPage = defaultListPerPage
	}
	if plan.Page <= 0 {
		plan.Page = 1
	}
	d := s.store.Dialect

	qr := BuildSelectSQL(d, plan)
	rows, err := store.QueryRows(ctx, s.store.DB, qr.SQL, qr.Params...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", plan.Kind.Name, err)
	}
	cr := BuildCountSQL(d, plan)
	countRow, err := store.QueryRow(ctx, s.store.DB, cr.SQL, cr.Params...)
	if err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", plan.Kind.Name, err)
	}

	out := make([]metadata.Record, len(rows))
	for i, row := range rows {
		out[i] = decodeRecord(d, plan.Kind, row)
	}
	total, _ := countRow["count"].(int64)
	return out, total, nil
}

// DeleteLocal removes kind/id from the local store. It reports whether a
// row was deleted.
func (s *Syncer) DeleteLocal(ctx context.Context, kind, id string) (bool, error) {
	k := s.registry.Get(kind)
	if k == nil {
		return false, UnknownKindError(kind)
	}
	n, err := store.Exec(ctx, s.store.DB, fmt.Sprintf("DELETE FROM %s WHERE id = %s", k.Table, s.store.Dialect.Placeholder(1)), id)
	if err != nil {
		return false, fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return n > 0, nil
}

// UpdateRemote sends fields to the remote and re-syncs the result.
// Local-only and managed fields are never sent.
func (s *Syncer) UpdateRemote(ctx context.Context, env Env, kind, id string, fields map[string]any) (metadata.Record, error) {
	k := s.registry.Get(kind)
	if k == nil {
		return nil, UnknownKindError(kind)
	}
	if env.Client == nil {
		return nil, fmt.Errorf("modify %s %s: no remote client configured", kind, id)
	}
	p, err := env.Client.Modify(ctx, kind, id, remote.Params(k.RemoteWritable(fields)), env.requestOptions()...)
	if err != nil {
		return nil, fmt.Errorf("modify %s %s: %w", kind, id, err)
	}
	return s.SyncFromRemoteData(ctx, env, kind, p)
}

// DeleteRemote deletes kind/id upstream, then locally. An object that is
// already gone upstream is only deleted locally.
func (s *Syncer) DeleteRemote(ctx context.Context, env Env, kind, id string) error {
	if s.registry.Get(kind) == nil {
		return UnknownKindError(kind)
	}
	if env.Client == nil {
		return fmt.Errorf("delete %s %s: no remote client configured", kind, id)
	}
	if _, err := env.Client.Delete(ctx, kind, id, env.requestOptions()...); err != nil {
		if !remote.IsGone(err) {
			return fmt.Errorf("delete %s %s: %w", kind, id, err)
		}
		log.Printf("WARN: %s %s already gone upstream: %v", kind, id, err)
	}
	_, err := s.DeleteLocal(ctx, kind, id)
	return err
}

// SyncAll walks the remote list of kind and syncs every item. It stops at
// the first failure and returns how many records were synced.
func (s *Syncer) SyncAll(ctx context.Context, env Env, kind string, params remote.Params) (int, error) {
	if s.registry.Get(kind) == nil {
		return 0, UnknownKindError(kind)
	}
	if env.Client == nil {
		return 0, fmt.Errorf("list %s: no remote client configured", kind)
	}
	it := env.Client.List(ctx, kind, params, env.requestOptions()...)
	n := 0
	for it.Next() {
		p := it.Current()
		if _, err := s.SyncFromRemoteData(ctx, env, kind, p); err != nil {
			return n, fmt.Errorf("sync %s %s: %w", kind, p.ID(), err)
		}
		n++
	}
	if err := it.Err(); err != nil {
		return n, fmt.Errorf("list %s: %w", kind, err)
	}
	return n, nil
}

// GetOrCreateCustomer returns the live customer for subscriberID in the
// env's mode, creating it upstream when there is none.
func (s *Syncer) GetOrCreateCustomer(ctx context.Context, env Env, subscriberID string, params map[string]any) (metadata.Record, bool, error) {
	k := s.registry.Get(customerKind)
	if k == nil {
		return nil, false, UnknownKindError(customerKind)
	}
	d := s.store.Dialect
	pb := d.NewParamBuilder()
	q := fmt.Sprintf("SELECT id FROM %s WHERE %s = %s AND %s = %s AND %s IS NULL ORDER BY %s LIMIT 1",
		k.Table, colSubscriberID, pb.Add(subscriberID), metadata.ColLiveMode, pb.Add(env.live()), colDatePurged, metadata.ColLocalCreatedAt)
	row, err := store.QueryRow(ctx, s.store.DB, q, pb.Params()...)
	switch {
	case err == nil:
		id, _ := row["id"].(string)
		rec, err := s.load(ctx, s.store.DB, k, id)
		return rec, false, err
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("find customer for %s: %w", subscriberID, err)
	}

	rec, err := s.CreateCustomer(ctx, env, subscriberID, params)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// CreateCustomer creates a customer upstream tagged with subscriberID and
// syncs it. Retries within the idempotency TTL reuse the same key.
func (s *Syncer) CreateCustomer(ctx context.Context, env Env, subscriberID string, params map[string]any) (metadata.Record, error) {
	if env.Client == nil {
		return nil, fmt.Errorf("create customer: no remote client configured")
	}
	key, err := s.IdempotencyKey(ctx, fmt.Sprintf(customerCreateFmt, subscriberID), env.live())
	if err != nil {
		return nil, err
	}

	body := remote.Params{}
	for name, v := range params {
		body[name] = v
	}
	meta := map[string]any{}
	if existing, ok := params["metadata"].(map[string]any); ok {
		for name, v := range existing {
			meta[name] = v
		}
	}
	meta[s.opts.SubscriberKey] = subscriberID
	body["metadata"] = meta

	p, err := env.Client.Create(ctx, customerKind, body, env.requestOptions(remote.WithIdempotencyKey(key))...)
	if err != nil {
		return nil, fmt.Errorf("create customer for %s: %w", subscriberID, err)
	}
	return s.SyncFromRemoteData(ctx, env, customerKind, p)
}

// PurgeCustomer deletes the customer upstream and keeps the local row
// marked as purged.
func (s *Syncer) PurgeCustomer(ctx context.Context, env Env, id string) error {
	if env.Client == nil {
		return fmt.Errorf("purge customer %s: no remote client configured", id)
	}
	if _, err := env.Client.Delete(ctx, customerKind, id, env.requestOptions()...); err != nil {
		if !remote.IsGone(err) {
			return fmt.Errorf("purge customer %s: %w", id, err)
		}
		log.Printf("WARN: customer %s already gone upstream: %v", id, err)
	}
	return s.MarkCustomerPurged(ctx, id)
}

// MarkCustomerPurged stamps date_purged and detaches the subscriber so a
// new customer can be created for them.
func (s *Syncer) MarkCustomerPurged(ctx context.Context, id string) error {
	k := s.registry.Get(customerKind)
	if k == nil {
		return UnknownKindError(customerKind)
	}
	d := s.store.Dialect
	now, err := d.BindValue(s.now().UTC())
	if err != nil {
		return err
	}
	pb := d.NewParamBuilder()
	q := fmt.Sprintf("UPDATE %s SET %s = %s, %s = NULL, %s = %s WHERE id = %s",
		k.Table, colDatePurged, pb.Add(now), colSubscriberID, metadata.ColLocalUpdatedAt, pb.Add(now), pb.Add(id))
	if _, err := store.Exec(ctx, s.store.DB, q, pb.Params()...); err != nil {
		return fmt.Errorf("mark customer %s purged: %w", id, err)
	}
	return nil
}
