package webhook

import (
	"strings"

	"github.com/goccy/go-json"

	"paysync/internal/engine"
	"paysync/internal/metadata"
)

// Event is what handlers receive: the canonical event record after it has
// been committed, plus the payload it was built from.
type Event struct {
	ID      string
	Type    string
	Payload metadata.Payload
	Record  metadata.Record
	Env     engine.Env
	// Trigger is nil for events fetched with ProcessRemote.
	Trigger *Trigger
}

// Category is the type without its last segment, "customer.subscription"
// for "customer.subscription.updated".
func (e *Event) Category() string {
	if i := strings.LastIndex(e.Type, "."); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

// Verb is the last segment of the type.
func (e *Event) Verb() string {
	if i := strings.LastIndex(e.Type, "."); i >= 0 {
		return e.Type[i+1:]
	}
	return e.Type
}

// Object is data.object, the resource the event is about.
func (e *Event) Object() metadata.Payload {
	obj, _ := e.Payload.Map("data.object")
	return obj
}

// LiveMode reports the mode of the event.
func (e *Event) LiveMode() bool {
	live, _ := e.Payload["livemode"].(bool)
	return live
}

// Account is the connected account the event was sent for, if any.
func (e *Event) Account() string {
	return e.Payload.String("account")
}

func (e *Event) conditionEnv() map[string]any {
	env := map[string]any{
		"type":     e.Type,
		"category": e.Category(),
		"verb":     e.Verb(),
		"livemode": e.LiveMode(),
		"account":  e.Account(),
		"object":   plainJSON(map[string]any(e.Object())),
	}
	if prev, ok := e.Payload.Map("data.previous_attributes"); ok {
		env["previous"] = plainJSON(map[string]any(prev))
	}
	return env
}

// plainJSON turns json.Number leaves into int64 or float64 so conditions
// can compare them.
func plainJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = plainJSON(item)
		}
		return out
	case metadata.Payload:
		return plainJSON(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plainJSON(item)
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
