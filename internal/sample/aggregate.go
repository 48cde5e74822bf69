package sample

import (
	"sort"

	"github.com/ppiankov/nadag/internal/model"
)

// Aggregate collapses rows sharing a method id into one row per series
// segment, ordered by method id. Physical properties average, strengths
// take the minimum, the composition is classified across the group and its
// text kept pipe-joined in LayerCompositionFull. Every other field comes
// from the group's first row. Rows without a method id are dropped.
func (c *Classifier) Aggregate(rows []model.SampleRow) []model.SampleRow {
	groups := make(map[string][]model.SampleRow)
	for _, r := range rows {
		if r.MethodID == "" {
			continue
		}
		groups[r.MethodID] = append(groups[r.MethodID], r)
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]model.SampleRow, 0, len(ids))
	for _, id := range ids {
		group := groups[id]
		agg := group[0]

		agg.WaterContent = reduce(group, func(r *model.SampleRow) *float64 { return r.WaterContent }, mean)
		agg.LiquidLimit = reduce(group, func(r *model.SampleRow) *float64 { return r.LiquidLimit }, mean)
		agg.PlasticLimit = reduce(group, func(r *model.SampleRow) *float64 { return r.PlasticLimit }, mean)
		agg.StrengthUndisturbed = reduce(group, func(r *model.SampleRow) *float64 { return r.StrengthUndisturbed }, minimum)
		agg.StrengthUndrained = reduce(group, func(r *model.SampleRow) *float64 { return r.StrengthUndrained }, minimum)
		agg.StrengthRemoulded = reduce(group, func(r *model.SampleRow) *float64 { return r.StrengthRemoulded }, minimum)

		texts := make([]string, len(group))
		for i := range group {
			texts[i] = group[i].LayerCompositionFull
		}
		agg.LayerComposition = c.Classify(unique(texts))
		agg.LayerCompositionFull = JoinFragments(texts)

		out = append(out, agg)
	}
	return out
}

func reduce(group []model.SampleRow, get func(*model.SampleRow) *float64, fn func([]float64) float64) *float64 {
	vals := make([]float64, 0, len(group))
	for i := range group {
		if v := get(&group[i]); v != nil {
			vals = append(vals, *v)
		}
	}
	if len(vals) == 0 {
		return nil
	}
	r := fn(vals)
	return &r
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func minimum(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func unique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
