package engine

import (
	"context"
	"fmt"
	"log"

	"paysync/internal/instrument"
	"paysync/internal/metadata"
	"paysync/internal/remote"
)

type recordKey struct {
	kind string
	id   string
}

// PendingRelation is a reference that could not be set because its target
// was still being built higher up the same call. Once the target commits,
// Kind/ID gets Field (a column) set to TargetID.
type PendingRelation struct {
	Kind       string
	ID         string
	Field      string
	TargetKind string
	TargetID   string
}

// resolveReference turns a reference value into the column value to store.
// set is false when the column must be left as it is, which happens when
// the relation was deferred.
func (c *syncCall) resolveReference(ctx context.Context, owner *metadata.Kind, ownerID string, ref metadata.Reference, raw any) (value any, set bool, err error) {
	id, expanded, err := metadata.IDFromValue(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%s %s: reference %s: %w", owner.Name, ownerID, ref.Name, err)
	}
	if id == "" {
		return nil, true, nil
	}

	target := c.s.registry.Get(ref.Target)
	if c.resolving[recordKey{target.Name, id}] {
		c.pending = append(c.pending, PendingRelation{
			Kind:       owner.Name,
			ID:         ownerID,
			Field:      ref.ColumnName(),
			TargetKind: target.Name,
			TargetID:   id,
		})
		return nil, false, nil
	}

	resolved, err := c.resolve(ctx, target, id, expanded)
	if err != nil {
		if !ref.Required && remote.IsGone(err) {
			log.Printf("WARN: %s %s: %s %s is gone upstream, storing no relation: %v", owner.Name, ownerID, target.Name, id, err)
			return nil, true, nil
		}
		return nil, false, err
	}
	return resolved, true, nil
}

// resolve returns the local id of target/id, materializing it from the
// embedded object or a remote fetch when no local row exists yet.
func (c *syncCall) resolve(ctx context.Context, target *metadata.Kind, id string, expanded metadata.Payload) (string, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "resolver", "resolve")
	defer span.End()
	span.SetRecord(target.Name, id)

	exists, err := c.s.rowExists(ctx, c.s.store.DB, target, id)
	if err != nil {
		span.SetStatus("error")
		return "", fmt.Errorf("look up %s %s: %w", target.Name, id, err)
	}
	if exists {
		span.SetMetadata("outcome", "local")
		span.SetStatus("ok")
		return id, nil
	}

	if expanded == nil {
		span.SetMetadata("outcome", "fetched")
		expanded, err = c.fetch(ctx, target, id)
		if err != nil {
			span.SetStatus("error")
			return "", err
		}
	} else {
		span.SetMetadata("outcome", "expanded")
	}

	rec, err := c.materialize(ctx, target, expanded)
	if err != nil {
		span.SetStatus("error")
		return "", err
	}
	span.SetStatus("ok")
	return rec.ID(), nil
}

func (c *syncCall) fetch(ctx context.Context, k *metadata.Kind, id string) (metadata.Payload, error) {
	if c.env.Client == nil {
		return nil, fmt.Errorf("retrieve %s %s: no remote client configured", k.Name, id)
	}
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "remote", "retrieve")
	defer span.End()
	span.SetRecord(k.Name, id)

	p, err := c.env.Client.Retrieve(ctx, k.Name, id, c.env.requestOptions()...)
	if err != nil {
		span.SetStatus("error")
		return nil, fmt.Errorf("retrieve %s %s: %w", k.Name, id, err)
	}
	span.SetStatus("ok")
	return p, nil
}

// Resolve implements metadata.Materializer for post-commit hooks. A target
// that is gone upstream resolves to "".
func (c *syncCall) Resolve(ctx context.Context, kind string, raw any) (string, error) {
	k := c.s.registry.Get(kind)
	if k == nil {
		return "", UnknownKindError(kind)
	}
	id, expanded, err := metadata.IDFromValue(raw)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", kind, err)
	}
	if id == "" {
		return "", nil
	}
	if c.resolving[recordKey{kind, id}] {
		return "", fmt.Errorf("resolve %s %s: record is still being synced", kind, id)
	}

	resolved, err := c.resolve(ctx, k, id, expanded)
	if err != nil {
		if remote.IsGone(err) {
			log.Printf("WARN: %s %s is gone upstream, skipping: %v", kind, id, err)
			return "", nil
		}
		return "", err
	}
	return resolved, nil
}
