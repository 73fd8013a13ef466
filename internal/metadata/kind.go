package metadata

import "context"

// Columns every kind table carries in addition to its declared fields.
const (
	ColID             = "id"
	ColLiveMode       = "livemode"
	ColOwnerAccount   = "owner_account_id"
	ColLocalCreatedAt = "local_created_at"
	ColLocalUpdatedAt = "local_updated_at"

	AccountKind = "account"
)

const (
	OnDeleteCascade = "cascade"
	OnDeleteSetNull = "set_null"
)

// Kind declares how one remote object type is stored locally.
type Kind struct {
	Name       string
	Table      string
	Object     string // remote "object" discriminator; defaults to Name
	Endpoint   string // remote collection path, e.g. "customers"
	Fields     []Field
	References []Reference
	Children   []ChildList
	ManyToMany []ManyToMany
	AuxTables  []AuxTable
	Hooks      Hooks
	NoOwner    bool // kind is never scoped to a connected account
}

// Reference is a single-valued cross-reference to another kind.
type Reference struct {
	Name     string // payload key
	Column   string // defaults to Name + "_id"
	Target   string
	Required bool
	OnDelete string
}

// ColumnName returns the storage column for the reference.
func (r Reference) ColumnName() string {
	if r.Column != "" {
		return r.Column
	}
	return r.Name + "_id"
}

// ChildList is a one-to-many list embedded in the parent payload whose
// items are upserted as records of Kind with ParentRef pointing back.
type ChildList struct {
	Field     string
	Kind      string
	ParentRef string // reference name on the child kind
	Prune     bool   // delete local children missing from the payload
	// Prepare may rewrite a child payload before it is materialized. It
	// receives a copy and must return it.
	Prepare func(parent Record, child Payload) Payload
}

// ManyToMany is a list of references stored through a join table.
type ManyToMany struct {
	Field        string
	Target       string
	JoinTable    string
	SourceColumn string
	TargetColumn string
}

// AuxTable is a keyless child table owned by a kind and rewritten by its
// hooks through Materializer.ReplaceRows.
type AuxTable struct {
	Name         string
	ParentColumn string
	Columns      []Field
	References   []Reference
}

// Hooks are the per-kind extension points of the sync engine.
type Hooks struct {
	// Normalize reshapes the payload before anything else reads it.
	Normalize func(p Payload) Payload
	// PreCommit derives columns from sibling payload data before the write.
	PreCommit func(rec Record, p Payload) error
	// PostCommit runs after the record and its children are committed.
	PostCommit func(ctx context.Context, m Materializer, rec Record, p Payload) error
	// Owner returns the owning account id carried by the payload, if any.
	Owner func(p Payload) string
}

// Materializer is the slice of the sync engine that hooks may call back into.
type Materializer interface {
	// Resolve materializes a reference value (bare id or embedded object)
	// of the given kind and returns its id, or "" for no relation.
	Resolve(ctx context.Context, kind string, raw any) (string, error)
	// ReplaceRows makes rows the complete set of rows in table whose
	// parentColumn equals parentID.
	ReplaceRows(ctx context.Context, table, parentColumn, parentID string, rows []Record) error
}

// Description is the flattened view of a kind handed to the sync engine.
type Description struct {
	Plain      []Field
	References []Reference
	OneToMany  []ChildList
	ManyToMany []ManyToMany
}

// ObjectName returns the remote discriminator for the kind.
func (k *Kind) ObjectName() string {
	if k.Object != "" {
		return k.Object
	}
	return k.Name
}

// GetField returns a pointer to the field with the given column name, or nil.
func (k *Kind) GetField(name string) *Field {
	for i := range k.Fields {
		if k.Fields[i].Name == name {
			return &k.Fields[i]
		}
	}
	return nil
}

// GetReference returns the reference declared under the given payload key, or nil.
func (k *Kind) GetReference(name string) *Reference {
	for i := range k.References {
		if k.References[i].Name == name {
			return &k.References[i]
		}
	}
	return nil
}

// HasOwner reports whether records of the kind carry owner_account_id.
func (k *Kind) HasOwner() bool {
	return !k.NoOwner && k.Name != AccountKind
}

// Columns returns every storage column of the kind table in declaration order.
func (k *Kind) Columns() []string {
	cols := []string{ColID, ColLiveMode}
	if k.HasOwner() {
		cols = append(cols, ColOwnerAccount)
	}
	for _, f := range k.Fields {
		cols = append(cols, f.Name)
	}
	for _, r := range k.References {
		cols = append(cols, r.ColumnName())
	}
	return append(cols, ColLocalCreatedAt, ColLocalUpdatedAt)
}

// ColumnType returns the field type for a storage column.
func (k *Kind) ColumnType(col string) string {
	switch col {
	case ColLiveMode:
		return TypeBoolean
	case ColLocalCreatedAt, ColLocalUpdatedAt:
		return TypeTimestamp
	}
	if f := k.GetField(col); f != nil {
		return f.Type
	}
	return TypeString
}

// BooleanColumns lists the columns that must be decoded as booleans.
func (k *Kind) BooleanColumns() []string {
	cols := []string{ColLiveMode}
	for _, f := range k.Fields {
		if f.Type == TypeBoolean {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// RemoteWritable filters params down to those that may be sent to the
// remote API: local-only and managed fields are dropped.
func (k *Kind) RemoteWritable(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for key, v := range params {
		if f := k.fieldBySource(key); f != nil && (f.LocalOnly || f.Managed) {
			continue
		}
		out[key] = v
	}
	return out
}

func (k *Kind) fieldBySource(key string) *Field {
	for i := range k.Fields {
		if k.Fields[i].SourcePath() == key || k.Fields[i].Name == key {
			return &k.Fields[i]
		}
	}
	return nil
}
