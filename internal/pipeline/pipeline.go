package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ppiankov/nadag/internal/cache"
	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
	"github.com/ppiankov/nadag/internal/sample"
	"github.com/ppiankov/nadag/internal/sounding"
	"github.com/ppiankov/nadag/internal/worker"
)

// Pipeline orchestrates the assembly of borehole data for bounding boxes
type Pipeline struct {
	config     *model.Config
	fetcher    *Fetcher
	client     *Client
	normalizer *sounding.Normalizer
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewPipeline creates a new pipeline with the given configuration
func NewPipeline(cfg *model.Config, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	var limiter *worker.Limiter
	if cfg.Concurrency.RequestsPerSecond > 0 {
		limiter = worker.NewLimiter(cfg.Concurrency.RequestsPerSecond, cfg.Concurrency.Burst)
	}
	fetcher := NewFetcher(cfg.API, limiter, metrics)

	return &Pipeline{
		config:     cfg,
		fetcher:    fetcher,
		client:     NewClient(cfg, fetcher, logger, metrics),
		normalizer: sounding.NewNormalizer(cfg, logger, metrics),
		clock:      clockwork.NewRealClock(),
		logger:     logger,
		metrics:    metrics,
	}
}

// WithClock replaces the clock used to stamp results.
func (p *Pipeline) WithClock(clock clockwork.Clock) *Pipeline {
	p.clock = clock
	return p
}

// Client returns the feature API client.
func (p *Pipeline) Client() *Client {
	return p.client
}

// Assemble returns every investigation inside bounds with its soundings
// and, when samples.Include is set, its lab samples. Boxes wider or taller
// than maxExtent are split into a grid; a failed cell is logged and
// skipped, and an investigation seen in several cells is kept once.
func (p *Pipeline) Assemble(ctx context.Context, bounds model.Bounds, maxExtent float64, samples model.SampleOptions) (*model.Result, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	crs, err := p.config.CRSURI()
	if err != nil {
		return nil, err
	}
	if maxExtent <= 0 {
		maxExtent = p.config.Grid.MaxQueryExtent
	}

	start := p.clock.Now()
	if p.metrics != nil {
		p.metrics.QueriesRunning.Inc()
		defer p.metrics.QueriesRunning.Dec()
	}

	q := p.newQuery(samples)
	cells := bounds.Split(maxExtent)
	p.logger.Info("assembling", "bounds", bounds.String(), "cells", len(cells), "samples", samples.Include, "aggregate", samples.Aggregate)

	results := worker.NewCellRunner(q, p.config.Concurrency.CellWorkers).Run(ctx, cells)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &model.Result{
		QueryID:        model.QueryID(bounds, crs),
		Bounds:         bounds,
		CRS:            crs,
		FetchedAt:      start.UTC(),
		Investigations: []model.Investigation{},
		Soundings:      []model.MethodExecution{},
	}

	seen := make(map[string]bool)
	var firstErr error
	for _, cr := range results {
		if cr.Error != nil {
			result.Stats.CellsFailed++
			if firstErr == nil {
				firstErr = cr.Error
			}
			p.countCell("failed")
			p.logger.Warn("cell failed", "index", cr.Index, "bounds", cr.Bounds.String(), "error", cr.Error)
			continue
		}
		p.countCell("success")
		out := cr.Output
		result.Stats.Add(out.Stats)

		accepted := make(map[string]bool, len(out.Investigations))
		for _, inv := range out.Investigations {
			if seen[inv.ID] {
				result.Stats.Duplicates++
				continue
			}
			seen[inv.ID] = true
			accepted[inv.ID] = true
			result.Investigations = append(result.Investigations, inv)
		}
		for _, s := range out.Soundings {
			if accepted[s.InvestigationID] {
				result.Soundings = append(result.Soundings, s)
			}
		}
		for _, s := range out.Samples {
			if accepted[s.InvestigationID] {
				result.Samples = append(result.Samples, s)
			}
		}
	}

	result.Stats.Cells = len(cells)
	result.Stats.Investigations = len(result.Investigations)
	result.Stats.Soundings = len(result.Soundings)
	result.Stats.Samples = len(result.Samples)

	if p.metrics != nil {
		p.metrics.QueryDuration.Observe(p.clock.Since(start).Seconds())
	}

	if result.Stats.CellsFailed == len(cells) {
		return nil, fmt.Errorf("all %d cells failed: %w", len(cells), firstErr)
	}

	p.logger.Info("assembled",
		"query_id", result.QueryID,
		"investigations", result.Stats.Investigations,
		"soundings", result.Stats.Soundings,
		"samples", result.Stats.Samples,
		"duplicates", result.Stats.Duplicates,
		"partial", result.Stats.Partial(),
	)
	return result, nil
}

func (p *Pipeline) countCell(outcome string) {
	if p.metrics != nil {
		p.metrics.Cells.WithLabelValues(outcome).Inc()
	}
}

// query carries the per-query state shared by all cells. Its memo is
// discarded with it, so nothing is reused across queries.
type query struct {
	p             *Pipeline
	resolver      *Resolver
	samples       *sample.Builder
	sampleOptions model.SampleOptions
}

func (p *Pipeline) newQuery(opts model.SampleOptions) *query {
	memo := cache.NewMemoryCache(p.config.Cache.TTL, p.config.Cache.CleanupInterval)
	resolver := NewResolver(p.fetcher, memo, p.config.Concurrency.MaxInFlight, p.config.API.ResolveTimeout, p.logger, p.metrics)
	return &query{
		p:             p,
		resolver:      resolver,
		samples:       sample.NewBuilder(p.config, resolver, p.logger, p.metrics),
		sampleOptions: opts,
	}
}

// ProcessCell fetches and assembles the investigations of one grid cell.
func (q *query) ProcessCell(ctx context.Context, index int, bounds model.Bounds) (*model.CellOutput, error) {
	logger := q.p.logger.With("cell", index)

	features, err := q.p.client.FetchCollection(ctx, InvestigationCollection, bounds, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch investigations: %w", err)
	}
	invs, skipped := ParseInvestigations(features)
	if skipped > 0 {
		logger.Warn("investigations without lokalId skipped", "count", skipped)
	}

	out := &model.CellOutput{Investigations: invs, Soundings: []model.MethodExecution{}}
	if len(invs) == 0 {
		return out, nil
	}

	locRefs := make([]model.Ref, len(invs))
	for i := range invs {
		locRefs[i] = invs[i].LocationRef
	}
	locations := q.resolver.ResolveAll(ctx, locRefs)
	out.Stats.CountResolved(locations)
	for i, res := range locations {
		if res.Err == nil {
			applyLocation(&invs[i], res.Doc)
		}
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	byMethod := make([][]model.MethodExecution, len(model.SoundingMethods))
	for i, method := range model.SoundingMethods {
		wg.Add(1)
		go func(idx int, method model.MethodType) {
			defer wg.Done()
			execs, stats := q.soundings(ctx, invs, method)
			byMethod[idx] = execs
			mu.Lock()
			out.Stats.Add(stats)
			mu.Unlock()
		}(i, method)
	}

	var samples []model.SampleRow
	var sampleStats model.Stats
	if q.sampleOptions.Include {
		samples, sampleStats = q.samples.Build(ctx, invs, q.sampleOptions)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, execs := range byMethod {
		out.Soundings = append(out.Soundings, execs...)
	}
	for i := range samples {
		s := &samples[i]
		s.URLs = q.p.client.MethodURLs(model.MethodSA, s.MethodID, s.InvestigationID, s.LocationID, s.OriginalID)
	}
	out.Samples = samples
	out.Stats.Add(sampleStats)

	logger.Debug("cell assembled", "bounds", bounds.String(), "investigations", len(invs), "soundings", len(out.Soundings), "samples", len(samples))
	return out, nil
}

// soundings resolves method and data documents of one sounding type and
// builds a method execution per investigation that performed it. A method
// whose documents cannot be fetched contributes no execution.
func (q *query) soundings(ctx context.Context, invs []model.Investigation, method model.MethodType) ([]model.MethodExecution, model.Stats) {
	var stats model.Stats

	var owners []*model.Investigation
	var refs []model.Ref
	for i := range invs {
		if ref := invs[i].MethodRef(method.RefCode()); !ref.Missing() {
			owners = append(owners, &invs[i])
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil, stats
	}

	methodDocs := q.resolver.ResolveAll(ctx, refs)
	stats.CountResolved(methodDocs)

	dataRefs := make([]model.Ref, len(refs))
	inputs := make([]sounding.Input, len(refs))
	methodProps := make([]model.Properties, len(refs))
	for i, res := range methodDocs {
		if res.Err != nil {
			continue
		}
		props, ok := documentProperties(res.Doc)
		if !ok {
			continue
		}
		methodProps[i] = props
		dataRefs[i] = props.Ref(method.ObservationKey())
		if method == model.MethodCPT {
			if a, ok := props.Float(model.ColAlpha); ok {
				inputs[i].Alpha = &a
			}
		}
	}

	dataDocs := q.resolver.ResolveAll(ctx, dataRefs)
	stats.CountResolved(dataDocs)
	for i := range dataDocs {
		inputs[i].Doc = dataDocs[i].Doc
	}

	tables, degraded := q.p.normalizer.Normalize(inputs, method)
	stats.NormalizeErrors += degraded

	execs := make([]model.MethodExecution, 0, len(refs))
	for i, inv := range owners {
		if methodDocs[i].Err != nil || methodProps[i] == nil || dataDocs[i].Err != nil {
			stats.MethodsFailed++
			q.p.logger.Warn("method skipped", "method", method, "gbhu_id", inv.ID, "url", refs[i].Href)
			continue
		}
		execs = append(execs, q.execution(method, inv, methodProps[i], refs[i], tables[i]))
	}

	stats.Soundings = len(execs)
	if q.p.metrics != nil {
		q.p.metrics.RowsProduced.WithLabelValues(string(method)).Add(float64(len(execs)))
	}
	return execs, stats
}

func (q *query) execution(method model.MethodType, inv *model.Investigation, props model.Properties, ref model.Ref, rows []model.SoundingRow) model.MethodExecution {
	methodID := ""
	for _, r := range rows {
		if r.MethodID != "" {
			methodID = r.MethodID
			break
		}
	}
	if methodID == "" {
		if id, ok := props.LocalID(); ok {
			methodID = id
		} else {
			methodID = ref.Title
		}
	}

	exec := model.MethodExecution{
		MethodType:      method,
		MethodID:        methodID,
		InvestigationID: inv.ID,
		LocationID:      inv.LocationID,
		LocationName:    inv.LocationName,
		OriginalID:      inv.OriginalID,
		Status:          model.StatusConducted,
		StatusID:        model.StatusConductedID,
		MaxDepth:        maxDepth(rows),
		Point:           inv.Point,
		Elevation:       inv.Elevation,
		URLs:            q.p.client.MethodURLs(method, methodID, inv.ID, inv.LocationID, inv.OriginalID),
		Data:            rows,
	}
	if inv.RockDepth != nil {
		exec.RockDepth = inv.RockDepth.Value
		exec.RockDepthQuality = inv.RockDepth.Quality
	}
	return exec
}

func maxDepth(rows []model.SoundingRow) *float64 {
	var m *float64
	for _, r := range rows {
		if r.Depth != nil && (m == nil || *r.Depth > *m) {
			d := *r.Depth
			m = &d
		}
	}
	return m
}
