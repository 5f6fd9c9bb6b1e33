package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// PageFunc fetches one page. (*Client).FetchPage bound to a token is the
// production implementation.
type PageFunc func(ctx context.Context, q PageQuery) (*Page, error)

// FetchOptions bounds one pass over the activity list.
type FetchOptions struct {
	PerPage       int
	After         *time.Time
	Before        *time.Time
	MaxActivities int           // 0 = unbounded
	MaxPages      int           // 0 = unbounded
	PageDelay     time.Duration // minimum spacing between page requests
}

// ActivityIterator is a lazy, finite, single-use sequence of remote
// activities. Pages are requested on demand, so a consumer that stops
// early never causes the next page to be fetched.
//
//	it := NewActivityIterator(ctx, func(ctx context.Context, q PageQuery) (*Page, error) {
//	    return client.FetchPage(ctx, token, q)
//	}, opts)
//	for it.Next() {
//	    a := it.Activity()
//	}
//	if err := it.Err(); err != nil { ... }
//
// It ends on the first short page, at MaxActivities, at MaxPages, or on the
// first error.
type ActivityIterator struct {
	ctx     context.Context
	fetch   PageFunc
	opts    FetchOptions
	limiter *rate.Limiter

	buf      []RemoteActivity
	idx      int
	current  RemoteActivity
	nextPage int
	lastPage bool
	pages    int
	yielded  int
	done     bool
	err      error
}

func NewActivityIterator(ctx context.Context, fetch PageFunc, opts FetchOptions) *ActivityIterator {
	if opts.PerPage <= 0 {
		opts.PerPage = 30
	}
	limit := rate.Inf
	if opts.PageDelay > 0 {
		limit = rate.Every(opts.PageDelay)
	}
	return &ActivityIterator{
		ctx:      ctx,
		fetch:    fetch,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		nextPage: 1,
	}
}

// Next advances to the next activity.
func (it *ActivityIterator) Next() bool {
	if it.done {
		return false
	}
	if it.opts.MaxActivities > 0 && it.yielded >= it.opts.MaxActivities {
		it.done = true
		return false
	}

	for it.idx >= len(it.buf) {
		if it.lastPage || (it.opts.MaxPages > 0 && it.pages >= it.opts.MaxPages) {
			it.done = true
			return false
		}
		if !it.fill() {
			it.done = true
			return false
		}
	}

	it.current = it.buf[it.idx]
	it.idx++
	it.yielded++
	return true
}

func (it *ActivityIterator) fill() bool {
	// The first page goes out immediately; later ones wait out PageDelay.
	if err := it.limiter.Wait(it.ctx); err != nil {
		it.err = err
		return false
	}

	page, err := it.fetch(it.ctx, PageQuery{
		Page:    it.nextPage,
		PerPage: it.opts.PerPage,
		After:   it.opts.After,
		Before:  it.opts.Before,
	})
	if err != nil {
		it.err = err
		return false
	}

	it.pages++
	it.nextPage++
	it.buf = page.Activities
	it.idx = 0
	it.lastPage = len(page.Activities) < it.opts.PerPage
	return len(page.Activities) > 0
}

// Activity returns the element Next moved to.
func (it *ActivityIterator) Activity() RemoteActivity {
	return it.current
}

// Err returns the error that ended the sequence, if any.
func (it *ActivityIterator) Err() error {
	return it.err
}

// Pages is the number of pages fetched so far.
func (it *ActivityIterator) Pages() int {
	return it.pages
}
