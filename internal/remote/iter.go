package remote

import (
	"context"

	"paysync/internal/metadata"
)

// Page is one server page of a list call.
type Page struct {
	Data    []metadata.Payload
	HasMore bool
}

// PageFunc fetches the page that follows startingAfter ("" for the first page).
type PageFunc func(ctx context.Context, startingAfter string) (Page, error)

// Iter lazily walks a paginated list. Reset rewinds it to the first page.
type Iter struct {
	ctx    context.Context
	fetch  PageFunc
	page   []metadata.Payload
	idx    int
	last   string
	more   bool
	err    error
	cur    metadata.Payload
	loaded bool
}

func NewIter(ctx context.Context, fetch PageFunc) *Iter {
	return &Iter{ctx: ctx, fetch: fetch}
}

// Next advances to the next item, fetching pages as needed.
func (it *Iter) Next() bool {
	if it.err != nil {
		return false
	}
	for it.idx >= len(it.page) {
		if it.loaded && !it.more {
			return false
		}
		page, err := it.fetch(it.ctx, it.last)
		if err != nil {
			it.err = err
			return false
		}
		it.loaded = true
		it.page = page.Data
		it.idx = 0
		it.more = page.HasMore && len(page.Data) > 0
		if len(page.Data) == 0 {
			return false
		}
	}
	it.cur = it.page[it.idx]
	it.idx++
	it.last = it.cur.ID()
	return true
}

// Current returns the item Next moved to.
func (it *Iter) Current() metadata.Payload { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *Iter) Err() error { return it.err }

// Reset restarts iteration from the first page.
func (it *Iter) Reset() {
	it.page, it.idx, it.last, it.more, it.err, it.cur, it.loaded = nil, 0, "", false, nil, nil, false
}

// Collect drains the iterator.
func (it *Iter) Collect() ([]metadata.Payload, error) {
	var out []metadata.Payload
	for it.Next() {
		out = append(out, it.Current())
	}
	return out, it.Err()
}
