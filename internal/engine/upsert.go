package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"paysync/internal/instrument"
	"paysync/internal/metadata"
	"paysync/internal/store"
)

// ownerReference resolves owner_account_id like any other optional reference.
var ownerReference = metadata.Reference{
	Name:     "owner_account",
	Column:   metadata.ColOwnerAccount,
	Target:   metadata.AccountKind,
	OnDelete: metadata.OnDeleteSetNull,
}

// materialize writes p as a record of kind k and runs the post-commit
// pipeline. The record is committed on its own; a failing child leaves it
// in place and returns the error.
func (c *syncCall) materialize(ctx context.Context, k *metadata.Kind, p metadata.Payload) (metadata.Record, error) {
	if k.Hooks.Normalize != nil {
		p = k.Hooks.Normalize(p.Clone())
	}
	id := p.ID()
	if id == "" {
		return nil, &RequiredFieldError{Kind: k.Name, Field: metadata.ColID}
	}

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "upsert", "materialize")
	defer span.End()
	span.SetRecord(k.Name, id)

	key := recordKey{k.Name, id}
	c.resolving[key] = true
	defer delete(c.resolving, key)

	rec, err := c.flatten(ctx, k, p)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if k.HasOwner() {
		if err := c.attachOwner(ctx, k, p, rec); err != nil {
			span.SetStatus("error")
			return nil, err
		}
	}
	if k.Hooks.PreCommit != nil {
		if err := k.Hooks.PreCommit(rec, p); err != nil {
			span.SetStatus("error")
			return nil, fmt.Errorf("%s %s: pre-commit: %w", k.Name, id, err)
		}
	}

	created, err := c.s.write(ctx, k, rec)
	raced := errors.Is(err, store.ErrUniqueViolation)
	if err != nil && !raced {
		span.SetStatus("error")
		return nil, fmt.Errorf("write %s %s: %w", k.Name, id, err)
	}
	// Committed: children and siblings may now resolve it locally.
	delete(c.resolving, key)

	if raced {
		log.Printf("WARN: %s %s was inserted concurrently, keeping the stored row", k.Name, id)
		span.SetMetadata("outcome", "race")
		if err := c.applyPending(ctx, k, id); err != nil {
			span.SetStatus("error")
			return nil, err
		}
		span.SetStatus("ok")
		return c.s.load(ctx, c.s.store.DB, k, id)
	}

	if created {
		c.inserted[key] = true
		span.SetMetadata("outcome", "insert")
	} else {
		span.SetMetadata("outcome", "update")
	}
	stored, err := c.s.load(ctx, c.s.store.DB, k, id)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if err := c.postCommit(ctx, k, stored, p); err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetStatus("ok")
	return stored, nil
}

// flatten maps the payload onto columns. Keys absent from the payload are
// left out so an update keeps what is stored; explicit nulls are kept.
func (c *syncCall) flatten(ctx context.Context, k *metadata.Kind, p metadata.Payload) (metadata.Record, error) {
	desc, err := c.s.registry.Describe(k.Name)
	if err != nil {
		return nil, err
	}
	id := p.ID()

	for _, f := range desc.Plain {
		if raw, ok := f.Extract(p); f.Required && (!ok || raw == nil) {
			return nil, &RequiredFieldError{Kind: k.Name, ID: id, Field: f.SourcePath()}
		}
	}
	for _, ref := range desc.References {
		if raw, ok := p.Lookup(ref.Name); ref.Required && (!ok || raw == nil) {
			return nil, &RequiredFieldError{Kind: k.Name, ID: id, Field: ref.Name}
		}
	}

	rec := metadata.Record{metadata.ColID: id}
	if live := c.liveMode(p); live != nil {
		rec[metadata.ColLiveMode] = *live
	}
	for _, f := range desc.Plain {
		raw, ok := f.Extract(p)
		if !ok {
			continue
		}
		v, err := f.Convert(raw, p)
		if err != nil {
			return nil, fmt.Errorf("%s %s: field %s: %w", k.Name, id, f.Name, err)
		}
		rec[f.Name] = v
	}
	for _, ref := range desc.References {
		raw, ok := p.Lookup(ref.Name)
		if !ok {
			continue
		}
		v, set, err := c.resolveReference(ctx, k, id, ref, raw)
		if err != nil {
			return nil, err
		}
		if set {
			rec[ref.ColumnName()] = v
		}
	}
	return rec, nil
}

func (c *syncCall) liveMode(p metadata.Payload) *bool {
	if b, ok := p[metadata.ColLiveMode].(bool); ok {
		return &b
	}
	return c.env.LiveMode
}

// attachOwner sets owner_account_id from the payload's own account, or the
// account the call is scoped to.
func (c *syncCall) attachOwner(ctx context.Context, k *metadata.Kind, p metadata.Payload, rec metadata.Record) error {
	account := ""
	if k.Hooks.Owner != nil {
		account = k.Hooks.Owner(p)
	}
	if account == "" {
		account = c.env.Account
	}
	if account == "" {
		return nil
	}
	v, set, err := c.resolveReference(ctx, k, rec.ID(), ownerReference, account)
	if err != nil {
		return err
	}
	if set {
		rec[metadata.ColOwnerAccount] = v
	}
	return nil
}

// write inserts or updates rec in one transaction. created reports the
// insert path.
func (s *Syncer) write(ctx context.Context, k *metadata.Kind, rec metadata.Record) (created bool, err error) {
	d := s.store.Dialect
	now := s.now().UTC()
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		exists, err := s.lookup(ctx, tx, k, rec.ID())
		if err != nil {
			return err
		}

		cols := make(map[string]any, len(rec)+2)
		for col, v := range rec {
			cols[col] = v
		}
		cols[metadata.ColLocalUpdatedAt] = now

		var q string
		var args []any
		if exists {
			q, args, err = buildUpdateSQL(d, k.Table, rec.ID(), cols)
		} else {
			for _, f := range k.Fields {
				if _, ok := cols[f.Name]; ok {
					continue
				}
				if v, convErr := metadata.ConvertType(f.Type, f.Nullable, nil); convErr == nil && v != nil {
					cols[f.Name] = v
				}
			}
			cols[metadata.ColLocalCreatedAt] = now
			created = true
			q, args, err = buildInsertSQL(d, k.Table, cols)
		}
		if err != nil {
			return err
		}
		_, err = store.Exec(ctx, tx, q, args...)
		return err
	})
	if err != nil {
		created = false
	}
	return created, err
}

func (s *Syncer) rowExists(ctx context.Context, q store.Querier, k *metadata.Kind, id string) (bool, error) {
	sqlStr := fmt.Sprintf("SELECT 1 AS found FROM %s WHERE id = %s", k.Table, s.store.Dialect.Placeholder(1))
	_, err := store.QueryRow(ctx, q, sqlStr, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Syncer) load(ctx context.Context, q store.Querier, k *metadata.Kind, id string) (metadata.Record, error) {
	row, err := store.QueryRow(ctx, q, selectByIDSQL(s.store.Dialect, k), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError(k.Name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", k.Name, id, err)
	}
	return decodeRecord(s.store.Dialect, k, row), nil
}
