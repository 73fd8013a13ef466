package metadata

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConfigError reports an invalid kind declaration. It is fatal at startup.
type ConfigError struct {
	Kind    string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("kind %s: %s", e.Kind, e.Message)
}

type Registry struct {
	mu       sync.RWMutex
	kinds    map[string]*Kind
	byObject map[string]*Kind
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{
		kinds:    make(map[string]*Kind),
		byObject: make(map[string]*Kind),
	}
}

// Register adds kinds to the registry. All kinds of one call are validated
// together, so they may reference each other in any order. Nothing is
// added when validation fails.
func (r *Registry) Register(kinds ...*Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[string]*Kind, len(r.kinds)+len(kinds))
	for name, k := range r.kinds {
		staged[name] = k
	}
	tables := make(map[string]string)
	for _, k := range staged {
		tables[k.Table] = k.Name
	}
	for _, k := range kinds {
		if k.Name == "" || k.Table == "" {
			return &ConfigError{Kind: k.Name, Message: "name and table are required"}
		}
		if _, dup := staged[k.Name]; dup {
			return &ConfigError{Kind: k.Name, Message: "registered twice"}
		}
		if other, dup := tables[k.Table]; dup {
			return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("table %s already used by %s", k.Table, other)}
		}
		staged[k.Name] = k
		tables[k.Table] = k.Name
	}
	for _, k := range kinds {
		if err := validateKind(k, staged); err != nil {
			return err
		}
	}

	for _, k := range kinds {
		r.kinds[k.Name] = k
		r.byObject[k.ObjectName()] = k
		r.order = append(r.order, k.Name)
	}
	return nil
}

func validateKind(k *Kind, kinds map[string]*Kind) error {
	seen := map[string]string{
		ColID: "common column", ColLiveMode: "common column",
		ColLocalCreatedAt: "common column", ColLocalUpdatedAt: "common column",
	}
	if k.HasOwner() {
		seen[ColOwnerAccount] = "common column"
	}
	claim := func(col, by string) error {
		if prev, dup := seen[col]; dup {
			return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("storage name %s used by both %s and %s", col, prev, by)}
		}
		seen[col] = by
		return nil
	}

	for _, f := range k.Fields {
		if err := claim(f.Name, "field "+f.Name); err != nil {
			return err
		}
	}
	for _, ref := range k.References {
		if strings.Contains(ref.Name, ".") && ref.Column == "" {
			return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("reference %s reads a nested path and needs an explicit column", ref.Name)}
		}
		if err := claim(ref.ColumnName(), "reference "+ref.Name); err != nil {
			return err
		}
		if _, ok := kinds[ref.Target]; !ok {
			return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("reference %s targets unknown kind %s", ref.Name, ref.Target)}
		}
		switch ref.OnDelete {
		case "", OnDeleteCascade, OnDeleteSetNull:
		default:
			return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("reference %s: unknown on_delete %q", ref.Name, ref.OnDelete)}
		}
	}
	if k.HasOwner() {
		if _, ok := kinds[AccountKind]; !ok {
			return &ConfigError{Kind: k.Name, Message: "owned kinds require the account kind"}
		}
	}
	for _, c := range k.Children {
		child, ok := kinds[c.Kind]
		if !ok {
			return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("child list %s uses unknown kind %s", c.Field, c.Kind)}
		}
		ref := child.GetReference(c.ParentRef)
		if ref == nil || ref.Target != k.Name {
			return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("child list %s: %s has no reference %s to %s", c.Field, c.Kind, c.ParentRef, k.Name)}
		}
	}
	for _, m := range k.ManyToMany {
		if _, ok := kinds[m.Target]; !ok {
			return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("many-to-many %s targets unknown kind %s", m.Field, m.Target)}
		}
		if m.JoinTable == "" || m.SourceColumn == "" || m.TargetColumn == "" {
			return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("many-to-many %s needs a join table and both key columns", m.Field)}
		}
	}
	for _, aux := range k.AuxTables {
		for _, ref := range aux.References {
			if _, ok := kinds[ref.Target]; !ok {
				return &ConfigError{Kind: k.Name, Message: fmt.Sprintf("table %s references unknown kind %s", aux.Name, ref.Target)}
			}
		}
	}
	return nil
}

// Get returns the kind with the given name, or nil.
func (r *Registry) Get(name string) *Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[name]
}

// KindForObject maps a remote "object" discriminator to its kind, or nil.
func (r *Registry) KindForObject(object string) *Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byObject[object]
}

// All returns the registered kinds in registration order.
func (r *Registry) All() []*Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Kind, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.kinds[name])
	}
	return out
}

// Names returns the registered kind names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the sync view of a kind. Managed fields are omitted from
// Plain since they are never read from the payload.
func (r *Registry) Describe(name string) (Description, error) {
	k := r.Get(name)
	if k == nil {
		return Description{}, fmt.Errorf("unknown kind %q", name)
	}
	var d Description
	for _, f := range k.Fields {
		if !f.Managed {
			d.Plain = append(d.Plain, f)
		}
	}
	d.References = append(d.References, k.References...)
	d.OneToMany = append(d.OneToMany, k.Children...)
	d.ManyToMany = append(d.ManyToMany, k.ManyToMany...)
	return d, nil
}
