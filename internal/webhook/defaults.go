package webhook

import (
	"context"
	"log"
	"strings"

	"paysync/internal/engine"
	"paysync/internal/remote"
)

// RegisterDefaults installs the handler that keeps local records in step
// with the objects events are about: created and updated objects are
// re-retrieved, deleted ones are removed.
func RegisterDefaults(r *Registry, s *engine.Syncer) error {
	d := &defaultHandlers{syncer: s}
	return r.RegisterGlobal(d.handle, WithName("sync-object"))
}

type defaultHandlers struct {
	syncer *engine.Syncer
}

func (d *defaultHandlers) handle(ctx context.Context, ev *Event) error {
	obj := ev.Object()
	if obj == nil {
		return nil
	}

	switch {
	case strings.HasPrefix(ev.Type, "customer.discount."):
		// Discounts live on the customer row.
		return d.resync(ctx, ev, "customer", obj.String("customer"))
	case ev.Type == "customer.deleted":
		if id := obj.ID(); id != "" {
			return d.syncer.MarkCustomerPurged(ctx, id)
		}
		return nil
	}

	k := d.syncer.Registry().KindForObject(obj.Object())
	if k == nil || k.Name == "event" {
		return nil
	}
	id := obj.ID()
	if id == "" {
		return nil
	}

	// A deleted subscription is canceled, not gone.
	if ev.Verb() == "deleted" && ev.Type != "customer.subscription.deleted" {
		_, err := d.syncer.DeleteLocal(ctx, k.Name, id)
		return err
	}
	return d.resync(ctx, ev, k.Name, id)
}

func (d *defaultHandlers) resync(ctx context.Context, ev *Event, kind, id string) error {
	if id == "" {
		return nil
	}
	_, err := d.syncer.FetchAndSync(ctx, ev.Env, kind, id)
	if err == nil || !remote.IsGone(err) {
		return err
	}

	log.Printf("WARN: %s %s from event %s is gone remotely, dropping local copy", kind, id, ev.ID)
	if kind == "customer" {
		return d.syncer.MarkCustomerPurged(ctx, id)
	}
	_, err = d.syncer.DeleteLocal(ctx, kind, id)
	return err
}
