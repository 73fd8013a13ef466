package webhook

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// HandlerFunc reacts to one committed event. A returned error rolls the
// event back.
type HandlerFunc func(ctx context.Context, ev *Event) error

type handler struct {
	name      string
	fn        HandlerFunc
	condition string
	program   *vm.Program
}

type Option func(*handler)

// WithCondition runs the handler only when the expression evaluates to
// true. The expression sees type, category, verb, livemode, account,
// object and previous.
func WithCondition(expression string) Option {
	return func(h *handler) { h.condition = expression }
}

// WithName labels the handler in errors and logs.
func WithName(name string) Option {
	return func(h *handler) { h.name = name }
}

// Registry holds event handlers. Global handlers run first, then handlers
// registered for each prefix of the event type, shortest first.
type Registry struct {
	mu     sync.RWMutex
	global []*handler
	byType map[string][]*handler
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string][]*handler)}
}

// Register adds fn for events whose type equals eventType or starts with
// eventType followed by a dot.
func (r *Registry) Register(eventType string, fn HandlerFunc, opts ...Option) error {
	h, err := newHandler(eventType, fn, opts)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[eventType] = append(r.byType[eventType], h)
	return nil
}

// RegisterGlobal adds fn for every event.
func (r *Registry) RegisterGlobal(fn HandlerFunc, opts ...Option) error {
	h, err := newHandler("*", fn, opts)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, h)
	return nil
}

func newHandler(label string, fn HandlerFunc, opts []Option) (*handler, error) {
	h := &handler{name: label, fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	if h.condition != "" {
		prog, err := expr.Compile(h.condition, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile handler condition for %s: %w", h.name, err)
		}
		h.program = prog
	}
	return h, nil
}

func (r *Registry) handlersFor(eventType string) []*handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]*handler(nil), r.global...)
	parts := strings.Split(eventType, ".")
	for i := 1; i <= len(parts); i++ {
		out = append(out, r.byType[strings.Join(parts[:i], ".")]...)
	}
	return out
}

// Dispatch runs every matching handler in order and stops at the first
// error.
func (r *Registry) Dispatch(ctx context.Context, ev *Event) error {
	var env map[string]any
	for _, h := range r.handlersFor(ev.Type) {
		if h.program != nil {
			if env == nil {
				env = ev.conditionEnv()
			}
			ok, err := h.matches(env)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		if err := h.call(ctx, ev); err != nil {
			return fmt.Errorf("handler %s for %s: %w", h.name, ev.Type, err)
		}
	}
	return nil
}

func (h *handler) matches(env map[string]any) (bool, error) {
	result, err := expr.Run(h.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate handler condition for %s: %w", h.name, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("handler condition for %s did not return bool", h.name)
	}
	return b, nil
}

func (h *handler) call(ctx context.Context, ev *Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: string(debug.Stack())}
		}
	}()
	return h.fn(ctx, ev)
}

// PanicError is a handler panic turned into an error.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
