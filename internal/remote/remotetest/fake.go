// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"paysync/internal/metadata"
	"paysync/internal/remote"
)

// Fake stores objects per kind and counts calls. Errors can be injected
// per (kind, id) with Fail.
type Fake struct {
	mu       sync.Mutex
	objects  map[string]map[string]metadata.Payload
	failures map[string]error
	calls    map[string]int
	PageSize int
	// LastOptions records the options of the most recent call.
	LastOptions remote.RequestOptions
	// LastListParams records the params of the most recent List.
	LastListParams remote.Params
}

func New() *Fake {
	return &Fake{
		objects:  make(map[string]map[string]metadata.Payload),
		failures: make(map[string]error),
		calls:    make(map[string]int),
		PageSize: 2,
	}
}

var _ remote.Client = (*Fake)(nil)

// Put stores an object the fake will serve.
func (f *Fake) Put(kind string, p metadata.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects[kind] == nil {
		f.objects[kind] = make(map[string]metadata.Payload)
	}
	f.objects[kind][p.ID()] = p
}

// Fail makes every call touching (kind, id) return err.
func (f *Fake) Fail(kind, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[kind+"/"+id] = err
}

// Calls returns how often op ("retrieve", "create", ...) ran for kind/id.
// Pass id "" for list and create.
func (f *Fake) Calls(op, kind, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+":"+kind+":"+id]
}

// TotalCalls returns the number of calls of op across all kinds.
func (f *Fake) TotalCalls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key, c := range f.calls {
		if len(key) > len(op) && key[:len(op)+1] == op+":" {
			n += c
		}
	}
	return n
}

func (f *Fake) record(op, kind, id string, opts []remote.RequestOption) error {
	f.calls[op+":"+kind+":"+id]++
	f.LastOptions = remote.Apply(opts)
	return f.failures[kind+"/"+id]
}

func (f *Fake) Retrieve(_ context.Context, kind, id string, opts ...remote.RequestOption) (metadata.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("retrieve", kind, id, opts); err != nil {
		return nil, err
	}
	p, ok := f.objects[kind][id]
	if !ok {
		return nil, remote.NotFound(kind, id)
	}
	return p.Clone(), nil
}

func (f *Fake) List(ctx context.Context, kind string, params remote.Params, opts ...remote.RequestOption) *remote.Iter {
	f.mu.Lock()
	f.LastListParams = params
	f.mu.Unlock()
	return remote.NewIter(ctx, func(_ context.Context, startingAfter string) (remote.Page, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := f.record("list", kind, "", opts); err != nil {
			return remote.Page{}, err
		}
		ids := make([]string, 0, len(f.objects[kind]))
		for id := range f.objects[kind] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		start := 0
		if startingAfter != "" {
			start = sort.SearchStrings(ids, startingAfter) + 1
		}
		end := start + f.PageSize
		if end > len(ids) {
			end = len(ids)
		}
		var page remote.Page
		for _, id := range ids[min(start, len(ids)):end] {
			page.Data = append(page.Data, f.objects[kind][id].Clone())
		}
		page.HasMore = end < len(ids)
		return page, nil
	})
}

func (f *Fake) Create(_ context.Context, kind string, params remote.Params, opts ...remote.RequestOption) (metadata.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", kind, "", opts); err != nil {
		return nil, err
	}
	p := metadata.Payload{}
	for k, v := range params {
		p[k] = v
	}
	if p.ID() == "" {
		p["id"] = fmt.Sprintf("%s_%s", kind, uuid.NewString()[:8])
	}
	p["object"] = kind
	if f.objects[kind] == nil {
		f.objects[kind] = make(map[string]metadata.Payload)
	}
	f.objects[kind][p.ID()] = p
	return p.Clone(), nil
}

func (f *Fake) Modify(_ context.Context, kind, id string, params remote.Params, opts ...remote.RequestOption) (metadata.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("modify", kind, id, opts); err != nil {
		return nil, err
	}
	p, ok := f.objects[kind][id]
	if !ok {
		return nil, remote.NotFound(kind, id)
	}
	for k, v := range params {
		p[k] = v
	}
	return p.Clone(), nil
}

func (f *Fake) Delete(_ context.Context, kind, id string, opts ...remote.RequestOption) (metadata.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", kind, id, opts); err != nil {
		return nil, err
	}
	if _, ok := f.objects[kind][id]; !ok {
		return nil, remote.NotFound(kind, id)
	}
	delete(f.objects[kind], id)
	return metadata.Payload{"id": id, "object": kind, "deleted": true}, nil
}
