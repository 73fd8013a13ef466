package metadata

import (
	"fmt"
	"strings"
)

// Payload is one remote object as decoded from the API or a webhook body.
type Payload map[string]any

// Record is one stored row, keyed by column name.
type Record map[string]any

// ID returns the payload's "id", or "" when missing.
func (p Payload) ID() string {
	s, _ := p["id"].(string)
	return s
}

// Object returns the payload's "object" discriminator.
func (p Payload) Object() string {
	s, _ := p["object"].(string)
	return s
}

// Has reports whether key is present, even when its value is null.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Lookup follows a dotted path such as "request.id". Missing segments and
// non-object intermediates yield (nil, false).
func (p Payload) Lookup(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at path, or "".
func (p Payload) String(path string) string {
	v, _ := p.Lookup(path)
	s, _ := v.(string)
	return s
}

// Map returns the nested object at path as a Payload.
func (p Payload) Map(path string) (Payload, bool) {
	v, ok := p.Lookup(path)
	if !ok {
		return nil, false
	}
	m, ok := asMap(v)
	if !ok {
		return nil, false
	}
	return Payload(m), true
}

// List returns the items at key, accepting either a bare array or a list
// object of the form {"object": "list", "data": [...]}.
func (p Payload) List(key string) []Payload {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil
	}
	if m, ok := asMap(raw); ok {
		raw = m["data"]
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Payload, 0, len(items))
	for _, item := range items {
		if m, ok := asMap(item); ok {
			out = append(out, Payload(m))
		}
	}
	return out
}

// Clone returns a shallow copy so callers can add defaults without
// mutating the caller's payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// IDFromValue extracts a reference id from a payload value. A string is a
// bare id; an object carries its own "id" and is returned as expanded.
func IDFromValue(raw any) (id string, expanded Payload, err error) {
	switch v := raw.(type) {
	case nil:
		return "", nil, nil
	case string:
		return v, nil, nil
	default:
		m, ok := asMap(v)
		if !ok {
			return "", nil, fmt.Errorf("unexpected reference value of type %T", raw)
		}
		p := Payload(m)
		if p.ID() == "" {
			return "", nil, fmt.Errorf("embedded object has no id")
		}
		return p.ID(), p, nil
	}
}

// ID returns the record's primary key.
func (r Record) ID() string {
	s, _ := r["id"].(string)
	return s
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Payload:
		return m, true
	default:
		return nil, false
	}
}
