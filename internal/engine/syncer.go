package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"paysync/internal/metadata"
	"paysync/internal/store"
)

type Options struct {
	// SubscriberKey is the customer metadata key carrying the local owner id.
	SubscriberKey string
	// IdempotencyTTL is how long a create key is reused. Defaults to 24h.
	IdempotencyTTL time.Duration
}

// Syncer materializes remote payloads into local records.
type Syncer struct {
	store    *store.Store
	registry *metadata.Registry
	opts     Options
	now      func() time.Time

	// lookup decides insert vs update inside the write transaction.
	lookup func(ctx context.Context, q store.Querier, k *metadata.Kind, id string) (bool, error)
}

func NewSyncer(s *store.Store, reg *metadata.Registry, opts Options) *Syncer {
	if opts.SubscriberKey == "" {
		opts.SubscriberKey = "djstripe_subscriber"
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	sy := &Syncer{store: s, registry: reg, opts: opts, now: time.Now}
	sy.lookup = sy.rowExists
	return sy
}

func (s *Syncer) Registry() *metadata.Registry { return s.registry }
func (s *Syncer) Store() *store.Store          { return s.store }

// SyncFromRemoteData materializes p as a record of kind, resolving and
// creating everything it references.
func (s *Syncer) SyncFromRemoteData(ctx context.Context, env Env, kind string, p metadata.Payload) (metadata.Record, error) {
	k := s.registry.Get(kind)
	if k == nil {
		return nil, UnknownKindError(kind)
	}
	if obj := p.Object(); obj != "" && obj != k.ObjectName() {
		return nil, fmt.Errorf("payload object %q cannot be synced as %s", obj, kind)
	}

	call := s.newCall(env)
	defer call.finish()
	return call.materialize(ctx, k, p)
}

// InsertFromRemoteData is SyncFromRemoteData that also reports whether the
// record was created by this call. A row that was already stored, or that
// another writer inserted between the lookup and the write, gives
// created == false; the stored row is returned either way.
func (s *Syncer) InsertFromRemoteData(ctx context.Context, env Env, kind string, p metadata.Payload) (rec metadata.Record, created bool, err error) {
	k := s.registry.Get(kind)
	if k == nil {
		return nil, false, UnknownKindError(kind)
	}
	if obj := p.Object(); obj != "" && obj != k.ObjectName() {
		return nil, false, fmt.Errorf("payload object %q cannot be synced as %s", obj, kind)
	}

	call := s.newCall(env)
	defer call.finish()
	rec, err = call.materialize(ctx, k, p)
	if err != nil {
		return nil, false, err
	}
	return rec, call.inserted[recordKey{k.Name, rec.ID()}], nil
}

// FetchAndSync retrieves kind/id from the remote and syncs the result.
func (s *Syncer) FetchAndSync(ctx context.Context, env Env, kind, id string) (metadata.Record, error) {
	k := s.registry.Get(kind)
	if k == nil {
		return nil, UnknownKindError(kind)
	}

	call := s.newCall(env)
	defer call.finish()
	p, err := call.fetch(ctx, k, id)
	if err != nil {
		return nil, err
	}
	return call.materialize(ctx, k, p)
}

// syncCall is the state of one top-level sync. It is never shared between
// goroutines and is discarded when the call returns.
type syncCall struct {
	s         *Syncer
	env       Env
	resolving map[recordKey]bool
	pending   []PendingRelation
	// inserted holds the records this call created rather than updated or
	// lost to a concurrent insert.
	inserted map[recordKey]bool
}

func (s *Syncer) newCall(env Env) *syncCall {
	return &syncCall{s: s, env: env, resolving: make(map[recordKey]bool), inserted: make(map[recordKey]bool)}
}

func (c *syncCall) finish() {
	for _, pr := range c.pending {
		log.Printf("WARN: dropping unresolved relation %s %s.%s -> %s %s", pr.Kind, pr.ID, pr.Field, pr.TargetKind, pr.TargetID)
	}
	c.pending = nil
	c.resolving = nil
	c.inserted = nil
}
