package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ppiankov/nadag/internal/cache"
	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
)

// Resolver dereferences document links concurrently. One Resolver serves a
// single query: its memo guarantees the same URL yields the same document
// for the lifetime of that query.
type Resolver struct {
	fetcher     *Fetcher
	memo        cache.Cache
	maxInFlight int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewResolver creates a Resolver. memo may be nil to disable memoization.
// Resolutions are bounded by timeout alone; fetcher's own per-attempt
// timeout does not apply.
func NewResolver(fetcher *Fetcher, memo cache.Cache, maxInFlight int, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Resolver{
		fetcher:     fetcher.WithTimeout(0),
		memo:        memo,
		maxInFlight: maxInFlight,
		timeout:     timeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// ResolveAll resolves every reference and returns one Resolved per input, in
// input order. A missing reference yields an empty Resolved without any
// request. Failures are isolated to their own slot.
func (r *Resolver) ResolveAll(ctx context.Context, refs []model.Ref) []model.Resolved {
	results := make([]model.Resolved, len(refs))
	var wg sync.WaitGroup

	semaphore := make(chan struct{}, r.maxInFlight)

	for i, ref := range refs {
		if ref.Missing() {
			r.count("absent")
			continue
		}
		results[i].URL = ref.Href

		wg.Add(1)
		go func(idx int, href string) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				results[idx].Err = &model.TransportError{URL: href, Err: ctx.Err()}
				r.count("error")
				return
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()

			doc, err := r.Resolve(ctx, href)
			results[idx].Doc = doc
			results[idx].Err = err
		}(i, ref.Href)
	}

	wg.Wait()

	return results
}

// Resolve fetches one document under the resolve timeout, reissuing it
// with a larger limit when the server reports truncation.
func (r *Resolver) Resolve(ctx context.Context, href string) (*model.Document, error) {
	key := cache.Key(href)
	if r.memo != nil {
		if body, ok := r.memo.Get(key); ok {
			if r.metrics != nil {
				r.metrics.MemoLookups.WithLabelValues("hit").Inc()
			}
			r.count("success")
			return decodeDocument(href, body)
		}
		if r.metrics != nil {
			r.metrics.MemoLookups.WithLabelValues("miss").Inc()
		}
	}

	slotCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		slotCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	doc, body, err := r.fetcher.FetchDocument(slotCtx, href, nil)
	if err == nil && doc.Truncated() {
		if r.metrics != nil {
			r.metrics.Truncations.Inc()
		}
		params := url.Values{}
		params.Set("limit", strconv.Itoa(*doc.NumberMatched+1))
		doc, body, err = r.fetcher.FetchDocument(slotCtx, href, params)
	}
	if err != nil {
		switch {
		case model.IsTimeout(err):
			r.count("timeout")
		case errors.Is(slotCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			err = &model.TimeoutError{URL: href, Err: err}
			r.count("timeout")
		default:
			r.count("error")
		}
		r.logger.Warn("resolve failed", "url", href, "error", err)
		return nil, err
	}

	if r.memo != nil {
		r.memo.Set(key, body)
	}
	r.count("success")
	return doc, nil
}

func (r *Resolver) count(outcome string) {
	if r.metrics != nil {
		r.metrics.LinksResolved.WithLabelValues(outcome).Inc()
	}
}

// Hrefs converts raw href strings, "" meaning absent, into references.
func Hrefs(hrefs []string) []model.Ref {
	refs := make([]model.Ref, len(hrefs))
	for i, h := range hrefs {
		refs[i] = model.Ref{Href: h}
	}
	return refs
}
