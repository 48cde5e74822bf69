package sample

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
)

// Resolver dereferences document links, one result per reference in order.
type Resolver interface {
	ResolveAll(ctx context.Context, refs []model.Ref) []model.Resolved
}

// Builder joins investigations, sample series, series segments and lab
// measurements into sample rows.
type Builder struct {
	resolver   Resolver
	columns    map[string]string
	selected   []string
	classifier *Classifier
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewBuilder creates a Builder from the sample column and keyword tables.
func NewBuilder(cfg *model.Config, resolver Resolver, logger *slog.Logger, metrics *observability.Metrics) *Builder {
	columns := make(map[string]string, len(cfg.Columns.Sample))
	for k, v := range cfg.Columns.Sample {
		columns[strings.ToLower(k)] = v
	}
	return &Builder{
		resolver:   resolver,
		columns:    columns,
		selected:   append([]string(nil), cfg.Columns.SampleColumns...),
		classifier: NewClassifier(cfg.Samples.QuickClayKeywords),
		logger:     logger,
		metrics:    metrics,
	}
}

type series struct {
	id            string
	investigation string
	props         model.Properties
	segments      model.Ref
}

type segment struct {
	id     string
	series string
	props  model.Properties
	data   model.Ref
}

// Build returns the sample rows of investigations. It returns nil when no
// investigation carries a sample series reference or nothing joins. A
// failed document removes only the rows that depend on it; those failures
// are counted in the returned Stats. opts.Aggregate collapses rows per series
// part; otherwise opts.MapLayerComposition classifies each row on its own.
// opts.Include is not consulted here.
func (b *Builder) Build(ctx context.Context, investigations []model.Investigation, opts model.SampleOptions) ([]model.SampleRow, model.Stats) {
	var stats model.Stats

	byID := make(map[string]*model.Investigation, len(investigations))
	var owners []*model.Investigation
	var seriesRefs []model.Ref
	for i := range investigations {
		inv := &investigations[i]
		byID[inv.ID] = inv
		if ref := inv.MethodRef(model.RefSamples); !ref.Missing() {
			owners = append(owners, inv)
			seriesRefs = append(seriesRefs, ref)
		}
	}
	if len(seriesRefs) == 0 {
		return nil, stats
	}

	// level 1: sample series of each investigation
	seriesDocs := b.resolver.ResolveAll(ctx, seriesRefs)
	stats.CountResolved(seriesDocs)
	seriesByID := make(map[string]series)
	var seriesOrder []string
	for i, res := range seriesDocs {
		if res.Err != nil || res.Doc == nil {
			stats.SampleFailures++
			continue
		}
		for _, p := range res.Doc.FeatureProperties() {
			id, ok := p.LocalID()
			if !ok {
				continue
			}
			if _, dup := seriesByID[id]; dup {
				continue
			}
			owner, ok := model.KeyOf(p["geotekniskborehullunders"])
			if !ok {
				owner = owners[i].ID
			}
			seriesByID[id] = series{
				id:            id,
				investigation: owner,
				props:         model.Properties{"lokalId": id, "geotekniskborehullunders": owner},
				segments:      p.Ref("harPrøveseriedel"),
			}
			seriesOrder = append(seriesOrder, id)
		}
	}

	// level 2: segments of each series
	segmentRefs := make([]model.Ref, len(seriesOrder))
	for i, id := range seriesOrder {
		segmentRefs[i] = seriesByID[id].segments
	}
	segmentDocs := b.resolver.ResolveAll(ctx, segmentRefs)
	stats.CountResolved(segmentDocs)
	segmentByID := make(map[string]segment)
	var segmentOrder []string
	for i, res := range segmentDocs {
		if res.Err != nil {
			stats.SampleFailures++
			continue
		}
		if res.Doc == nil {
			continue
		}
		for _, p := range res.Doc.FeatureProperties() {
			id, ok := model.KeyOf(p["prøveseriedelId"])
			if !ok {
				continue
			}
			if _, dup := segmentByID[id]; dup {
				continue
			}
			parent, ok := model.KeyOf(p["tilhørerPrøveserie"])
			if !ok {
				parent = seriesOrder[i]
			}
			props := make(model.Properties, len(p)+1)
			for k, v := range p {
				if k != "tilhørerPrøveserie" {
					props[k] = v
				}
			}
			props["ps_id"] = parent
			segmentByID[id] = segment{id: id, series: parent, props: props, data: p.Ref("harData")}
			segmentOrder = append(segmentOrder, id)
		}
	}

	// level 3: measurement rows of each segment
	dataRefs := make([]model.Ref, len(segmentOrder))
	for i, id := range segmentOrder {
		dataRefs[i] = segmentByID[id].data
	}
	dataDocs := b.resolver.ResolveAll(ctx, dataRefs)
	stats.CountResolved(dataDocs)

	var rows []model.SampleRow
	for i, res := range dataDocs {
		if res.Err != nil {
			stats.SampleFailures++
			continue
		}
		if res.Doc == nil {
			continue
		}
		for _, p := range res.Doc.FeatureProperties() {
			psd, ok := model.KeyOf(p["tilhørerPrøveseriedel"])
			if !ok {
				psd = segmentOrder[i]
			}
			seg, ok := segmentByID[psd]
			if !ok {
				continue
			}
			ser, ok := seriesByID[seg.series]
			if !ok {
				continue
			}
			inv, ok := byID[ser.investigation]
			if !ok {
				continue
			}
			row := b.mapRow(merge(inv.Properties, ser.props, seg.props, p))
			fill(&row, inv, ser.id)
			rows = append(rows, row)
		}
	}

	if len(rows) == 0 {
		b.logger.Debug("no sample rows joined", "series", len(seriesOrder), "segments", len(segmentOrder))
		return nil, stats
	}

	switch {
	case opts.Aggregate:
		rows = b.classifier.Aggregate(rows)
	case opts.MapLayerComposition:
		for i := range rows {
			rows[i].LayerComposition = b.classifier.Classify([]string{rows[i].LayerCompositionFull})
		}
	}
	for i := range rows {
		rows[i].Depth = Depth(rows[i].DepthTop, rows[i].DepthBase)
		if math.IsNaN(rows[i].Depth) {
			b.logger.Debug("sample depth not numeric", "method_id", rows[i].MethodID)
		}
	}

	stats.Samples = len(rows)
	if b.metrics != nil {
		b.metrics.RowsProduced.WithLabelValues("samples").Add(float64(len(rows)))
	}
	return rows, stats
}

// merge layers property blocks from outermost to innermost; the innermost
// value wins on a key collision.
func merge(levels ...model.Properties) model.Properties {
	out := model.Properties{}
	for _, level := range levels {
		for k, v := range level {
			out[k] = v
		}
	}
	return out
}

// mapRow keeps the selected columns, lower-cases and renames them. Selected
// columns missing from the merged record are null.
func (b *Builder) mapRow(merged model.Properties) model.SampleRow {
	row := model.SampleRow{
		MethodType: model.MethodSA,
		Status:     model.StatusConducted,
		StatusID:   model.StatusConductedID,
	}
	floats := row.FloatColumns()
	composition := "none"

	for _, col := range b.selected {
		value := merged[col]
		lower := strings.ToLower(col)
		name, ok := b.columns[lower]
		if !ok {
			name = lower
		}

		switch name {
		case model.ColMethodID:
			row.MethodID, _ = model.KeyOf(value)
		case model.ColSeriesID:
			row.SeriesID, _ = model.KeyOf(value)
		case model.ColLayerComposition:
			composition = compositionText(value)
		default:
			field, isFloat := floats[name]
			if !isFloat {
				if row.Extra == nil {
					row.Extra = make(map[string]any)
				}
				row.Extra[name] = value
				continue
			}
			if f, ok := model.ToFloat(value); ok {
				*field = &f
			}
		}
	}

	row.LayerComposition = composition
	row.LayerCompositionFull = composition
	return row
}

func fill(row *model.SampleRow, inv *model.Investigation, seriesID string) {
	row.InvestigationID = inv.ID
	row.LocationID = inv.LocationID
	row.LocationName = inv.LocationName
	row.OriginalID = inv.OriginalID
	if row.SeriesID == "" {
		row.SeriesID = seriesID
	}
	if inv.Point != nil {
		row.Point = &model.Point{X: round1(inv.Point.X), Y: round1(inv.Point.Y)}
	}
	if row.LocationElevation == nil && inv.Elevation != nil {
		e := *inv.Elevation
		row.LocationElevation = &e
	}
	if row.LocationElevation != nil {
		z := *row.LocationElevation
		row.Z = &z
	}
}

// compositionText renders a raw composition value as lower-case text; a
// null value reads "none".
func compositionText(v any) string {
	switch t := v.(type) {
	case nil:
		return "none"
	case string:
		return strings.ToLower(t)
	case float64:
		if math.IsNaN(t) {
			return "nan"
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	s, _ := model.KeyOf(v)
	if s == "" {
		return "none"
	}
	return strings.ToLower(s)
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
