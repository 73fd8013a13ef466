package store

import (
	"context"
	"fmt"
	"strings"

	"paysync/internal/metadata"
)

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

type foreignKey struct {
	table    string
	column   string
	target   string
	onDelete string
}

func (fk foreignKey) name() string {
	return fmt.Sprintf("fk_%s_%s", fk.table, fk.column)
}

func (fk foreignKey) clause() string {
	action := "SET NULL"
	if fk.onDelete == metadata.OnDeleteCascade {
		action = "CASCADE"
	}
	return fmt.Sprintf("REFERENCES %s(id) ON DELETE %s", fk.target, action)
}

// Migrate ensures every kind table, join table and owned child table exists
// with all declared columns. Existing tables only gain missing columns.
func (m *Migrator) Migrate(ctx context.Context, reg *metadata.Registry) error {
	var fks []foreignKey
	for _, k := range reg.All() {
		keys, err := m.migrateKind(ctx, reg, k)
		if err != nil {
			return err
		}
		fks = append(fks, keys...)
	}
	for _, k := range reg.All() {
		for _, rel := range k.ManyToMany {
			keys, err := m.migrateJoinTable(ctx, reg, k, rel)
			if err != nil {
				return err
			}
			fks = append(fks, keys...)
		}
		for _, aux := range k.AuxTables {
			keys, err := m.migrateAuxTable(ctx, reg, k, aux)
			if err != nil {
				return err
			}
			fks = append(fks, keys...)
		}
	}
	if !m.store.Dialect.InlineForeignKeys() {
		return m.addForeignKeys(ctx, fks)
	}
	return nil
}

func (m *Migrator) migrateKind(ctx context.Context, reg *metadata.Registry, k *metadata.Kind) ([]foreignKey, error) {
	d := m.store.Dialect
	var fks []foreignKey
	type column struct{ name, def string }
	var cols []column

	cols = append(cols, column{metadata.ColID, "TEXT PRIMARY KEY"})
	cols = append(cols, column{metadata.ColLiveMode, d.ColumnType(metadata.TypeBoolean)})
	if k.HasOwner() {
		fks = append(fks, foreignKey{k.Table, metadata.ColOwnerAccount, reg.Get(metadata.AccountKind).Table, metadata.OnDeleteSetNull})
		cols = append(cols, column{metadata.ColOwnerAccount, "TEXT"})
	}
	for _, f := range k.Fields {
		cols = append(cols, column{f.Name, d.ColumnType(f.Type)})
	}
	for _, ref := range k.References {
		fks = append(fks, foreignKey{k.Table, ref.ColumnName(), reg.Get(ref.Target).Table, ref.OnDelete})
		cols = append(cols, column{ref.ColumnName(), "TEXT"})
	}
	cols = append(cols, column{metadata.ColLocalCreatedAt, d.ColumnType(metadata.TypeTimestamp) + " NOT NULL"})
	cols = append(cols, column{metadata.ColLocalUpdatedAt, d.ColumnType(metadata.TypeTimestamp) + " NOT NULL"})

	exists, err := d.TableExists(ctx, m.store.DB, k.Table)
	if err != nil {
		return nil, fmt.Errorf("check table exists: %w", err)
	}

	inline := m.inlineRefs(fks)
	if !exists {
		defs := make([]string, len(cols))
		for i, c := range cols {
			defs[i] = c.name + " " + c.def + inline[c.name]
		}
		sqlStr := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", k.Table, strings.Join(defs, ",\n  "))
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return nil, fmt.Errorf("create table %s: %w", k.Table, err)
		}
	} else {
		existing, err := d.GetColumns(ctx, m.store.DB, k.Table)
		if err != nil {
			return nil, fmt.Errorf("get columns for %s: %w", k.Table, err)
		}
		for _, c := range cols {
			if _, ok := existing[c.name]; ok {
				continue
			}
			def := strings.TrimSuffix(c.def, " NOT NULL")
			sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s%s", k.Table, c.name, def, inline[c.name])
			if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
				return nil, fmt.Errorf("add column %s.%s: %w", k.Table, c.name, err)
			}
		}
	}

	for _, fk := range fks {
		if err := m.createIndex(ctx, k.Table, fk.column); err != nil {
			return nil, err
		}
	}
	return fks, nil
}

func (m *Migrator) migrateJoinTable(ctx context.Context, reg *metadata.Registry, k *metadata.Kind, rel metadata.ManyToMany) ([]foreignKey, error) {
	fks := []foreignKey{
		{rel.JoinTable, rel.SourceColumn, k.Table, metadata.OnDeleteCascade},
		{rel.JoinTable, rel.TargetColumn, reg.Get(rel.Target).Table, metadata.OnDeleteCascade},
	}
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, rel.JoinTable)
	if err != nil {
		return nil, fmt.Errorf("check join table exists: %w", err)
	}
	if exists {
		return fks, nil
	}

	inline := m.inlineRefs(fks)
	sqlStr := fmt.Sprintf(
		`CREATE TABLE %s (
			%s TEXT NOT NULL%s,
			%s TEXT NOT NULL%s,
			PRIMARY KEY (%s, %s)
		)`,
		rel.JoinTable,
		rel.SourceColumn, inline[rel.SourceColumn],
		rel.TargetColumn, inline[rel.TargetColumn],
		rel.SourceColumn, rel.TargetColumn,
	)
	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return nil, fmt.Errorf("create join table %s: %w", rel.JoinTable, err)
	}
	return fks, m.createIndex(ctx, rel.JoinTable, rel.TargetColumn)
}

func (m *Migrator) migrateAuxTable(ctx context.Context, reg *metadata.Registry, k *metadata.Kind, aux metadata.AuxTable) ([]foreignKey, error) {
	d := m.store.Dialect
	fks := []foreignKey{{aux.Name, aux.ParentColumn, k.Table, metadata.OnDeleteCascade}}
	for _, ref := range aux.References {
		fks = append(fks, foreignKey{aux.Name, ref.ColumnName(), reg.Get(ref.Target).Table, ref.OnDelete})
	}
	exists, err := d.TableExists(ctx, m.store.DB, aux.Name)
	if err != nil {
		return nil, fmt.Errorf("check table exists: %w", err)
	}
	if exists {
		return fks, nil
	}

	inline := m.inlineRefs(fks)
	defs := []string{aux.ParentColumn + " TEXT NOT NULL" + inline[aux.ParentColumn]}
	for _, f := range aux.Columns {
		defs = append(defs, f.Name+" "+d.ColumnType(f.Type))
	}
	for _, ref := range aux.References {
		defs = append(defs, ref.ColumnName()+" TEXT"+inline[ref.ColumnName()])
	}
	sqlStr := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", aux.Name, strings.Join(defs, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return nil, fmt.Errorf("create table %s: %w", aux.Name, err)
	}
	return fks, m.createIndex(ctx, aux.Name, aux.ParentColumn)
}

// inlineRefs returns the REFERENCES suffix per column when the dialect
// declares foreign keys inside CREATE TABLE.
func (m *Migrator) inlineRefs(fks []foreignKey) map[string]string {
	out := make(map[string]string, len(fks))
	if !m.store.Dialect.InlineForeignKeys() {
		return out
	}
	for _, fk := range fks {
		out[fk.column] = " " + fk.clause()
	}
	return out
}

func (m *Migrator) addForeignKeys(ctx context.Context, fks []foreignKey) error {
	for _, fk := range fks {
		exists, err := m.store.Dialect.ConstraintExists(ctx, m.store.DB, fk.table, fk.name())
		if err != nil {
			return fmt.Errorf("check constraint %s: %w", fk.name(), err)
		}
		if exists {
			continue
		}
		sqlStr := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) %s",
			fk.table, fk.name(), fk.column, fk.clause())
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("add foreign key %s: %w", fk.name(), err)
		}
	}
	return nil
}

func (m *Migrator) createIndex(ctx context.Context, table, column string) error {
	sqlStr := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", table, column, table, column)
	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("create index on %s.%s: %w", table, column, err)
	}
	return nil
}
