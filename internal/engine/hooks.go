package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"paysync/internal/metadata"
	"paysync/internal/store"
)

// postCommit finishes a committed record: deferred relations pointing at
// it, owned children, join tables, then the kind's own hook.
func (c *syncCall) postCommit(ctx context.Context, k *metadata.Kind, rec metadata.Record, p metadata.Payload) error {
	if err := c.applyPending(ctx, k, rec.ID()); err != nil {
		return err
	}
	for _, cl := range k.Children {
		if err := c.syncChildren(ctx, k, rec, p, cl); err != nil {
			return err
		}
	}
	for _, rel := range k.ManyToMany {
		if err := c.syncManyToMany(ctx, k, rec, p, rel); err != nil {
			return err
		}
	}
	if k.Hooks.PostCommit != nil {
		if err := k.Hooks.PostCommit(ctx, c, rec, p); err != nil {
			return fmt.Errorf("%s %s: post-commit: %w", k.Name, rec.ID(), err)
		}
	}
	return nil
}

// applyPending sets every deferred relation that was waiting for k/id.
func (c *syncCall) applyPending(ctx context.Context, k *metadata.Kind, id string) error {
	var due, rest []PendingRelation
	for _, pr := range c.pending {
		if pr.TargetKind == k.Name && pr.TargetID == id {
			due = append(due, pr)
		} else {
			rest = append(rest, pr)
		}
	}
	c.pending = rest
	if len(due) == 0 {
		return nil
	}

	d := c.s.store.Dialect
	now, err := d.BindValue(c.s.now().UTC())
	if err != nil {
		return err
	}
	for _, pr := range due {
		owner := c.s.registry.Get(pr.Kind)
		pb := d.NewParamBuilder()
		q := fmt.Sprintf("UPDATE %s SET %s = %s, %s = %s WHERE id = %s",
			owner.Table, pr.Field, pb.Add(pr.TargetID), metadata.ColLocalUpdatedAt, pb.Add(now), pb.Add(pr.ID))
		if _, err := store.Exec(ctx, c.s.store.DB, q, pb.Params()...); err != nil {
			return fmt.Errorf("link %s %s.%s to %s %s: %w", pr.Kind, pr.ID, pr.Field, pr.TargetKind, pr.TargetID, err)
		}
	}
	return nil
}

// syncChildren upserts an owned child list and, when the list is complete,
// deletes local children that are no longer in it. An absent list leaves
// the children alone.
func (c *syncCall) syncChildren(ctx context.Context, k *metadata.Kind, parent metadata.Record, p metadata.Payload, cl metadata.ChildList) error {
	raw, ok := p[cl.Field]
	if !ok {
		return nil
	}
	child := c.s.registry.Get(cl.Kind)
	ref := child.GetReference(cl.ParentRef)

	items := p.List(cl.Field)
	keep := make([]any, 0, len(items))
	for _, item := range items {
		cp := item.Clone()
		if cl.Prepare != nil {
			cp = cl.Prepare(parent, cp)
		}
		cp[cl.ParentRef] = parent.ID()
		rec, err := c.materialize(ctx, child, cp)
		if err != nil {
			return fmt.Errorf("%s %s: %s: %w", k.Name, parent.ID(), cl.Field, err)
		}
		keep = append(keep, rec.ID())
	}

	if !cl.Prune {
		return nil
	}
	if listHasMore(raw) {
		log.Printf("WARN: %s %s: %s is truncated, not pruning", k.Name, parent.ID(), cl.Field)
		return nil
	}
	d := c.s.store.Dialect
	pb := d.NewParamBuilder()
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s",
		child.Table, ref.ColumnName(), pb.Add(parent.ID()), d.NotInExpr(metadata.ColID, pb, keep))
	if _, err := store.Exec(ctx, c.s.store.DB, q, pb.Params()...); err != nil {
		return fmt.Errorf("prune %s of %s %s: %w", cl.Field, k.Name, parent.ID(), err)
	}
	return nil
}

// syncManyToMany makes the join table hold exactly the listed targets.
func (c *syncCall) syncManyToMany(ctx context.Context, k *metadata.Kind, parent metadata.Record, p metadata.Payload, rel metadata.ManyToMany) error {
	raw, ok := p[rel.Field]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var rows []metadata.Record
	for _, item := range rawList(raw) {
		id, err := c.Resolve(ctx, rel.Target, item)
		if err != nil {
			return fmt.Errorf("%s %s: %s: %w", k.Name, parent.ID(), rel.Field, err)
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		rows = append(rows, metadata.Record{rel.TargetColumn: id})
	}
	return c.ReplaceRows(ctx, rel.JoinTable, rel.SourceColumn, parent.ID(), rows)
}

// ReplaceRows implements metadata.Materializer.
func (c *syncCall) ReplaceRows(ctx context.Context, table, parentColumn, parentID string, rows []metadata.Record) error {
	d := c.s.store.Dialect
	err := c.s.store.WithTx(ctx, func(tx *sql.Tx) error {
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, parentColumn, d.Placeholder(1))
		if _, err := store.Exec(ctx, tx, del, parentID); err != nil {
			return err
		}
		for _, row := range rows {
			cols := make(map[string]any, len(row)+1)
			for col, v := range row {
				cols[col] = v
			}
			cols[parentColumn] = parentID
			q, args, err := buildInsertSQL(d, table, cols)
			if err != nil {
				return err
			}
			if _, err := store.Exec(ctx, tx, q, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s rows of %s: %w", table, parentID, err)
	}
	return nil
}

// rawList returns the items of a bare array or a list object.
func rawList(raw any) []any {
	switch v := raw.(type) {
	case []any:
		return v
	case map[string]any:
		items, _ := v["data"].([]any)
		return items
	case metadata.Payload:
		items, _ := v["data"].([]any)
		return items
	default:
		return nil
	}
}

func listHasMore(raw any) bool {
	switch v := raw.(type) {
	case map[string]any:
		more, _ := v["has_more"].(bool)
		return more
	case metadata.Payload:
		more, _ := v["has_more"].(bool)
		return more
	default:
		return false
	}
}
