package sounding

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
)

// Input is one resolved observation document. Alpha is the cone factor of
// the owning CPT method document, copied onto every row.
type Input struct {
	Doc   *model.Document
	Alpha *float64
}

// Normalizer maps raw observation rows onto the canonical sounding schema.
type Normalizer struct {
	columns map[string]string
	flags   model.FlagConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewNormalizer creates a Normalizer from the column and flag tables.
func NewNormalizer(cfg *model.Config, logger *slog.Logger, metrics *observability.Metrics) *Normalizer {
	columns := make(map[string]string, len(cfg.Columns.Sounding))
	for k, v := range cfg.Columns.Sounding {
		columns[strings.ToLower(k)] = v
	}
	return &Normalizer{
		columns: columns,
		flags:   cfg.Flags,
		logger:  logger,
		metrics: metrics,
	}
}

// Normalize returns one table per input, in order. A nil document gives an
// empty table. The second value counts documents that degraded to a
// best-effort table; a bad document never affects its siblings.
func (n *Normalizer) Normalize(inputs []Input, method model.MethodType) ([][]model.SoundingRow, int) {
	tables := make([][]model.SoundingRow, len(inputs))
	degraded := 0
	for i, in := range inputs {
		rows, err := n.NormalizeDocument(in.Doc, method, in.Alpha)
		if err != nil {
			degraded++
			if n.metrics != nil {
				n.metrics.NormalizeErrors.Inc()
			}
			n.logger.Warn("sounding normalized with errors", "method", method, "index", i, "rows", len(rows), "error", err)
		}
		tables[i] = rows
	}
	return tables, degraded
}

// NormalizeDocument normalizes the features of one observation document.
func (n *Normalizer) NormalizeDocument(doc *model.Document, method model.MethodType, alpha *float64) ([]model.SoundingRow, error) {
	if doc == nil {
		return []model.SoundingRow{}, nil
	}
	return n.NormalizeRows(doc.FeatureProperties(), method, alpha)
}

// NormalizeRows lower-cases and renames every property, sorts rows by depth
// and derives the interval flags. Columns that cannot be decoded are left
// absent and reported in the returned error; the rows are still usable.
// Already-canonical column names map onto themselves, so normalizing the
// output of Properties again yields the same rows.
func (n *Normalizer) NormalizeRows(props []model.Properties, method model.MethodType, alpha *float64) ([]model.SoundingRow, error) {
	rows := make([]model.SoundingRow, 0, len(props))
	var badCols []string
	badRows := 0

	for _, p := range props {
		row, bad := n.mapRow(p)
		if len(bad) > 0 {
			badRows++
			badCols = append(badCols, bad...)
		}
		if method == model.MethodCPT && alpha != nil {
			a := *alpha
			row.Alpha = &a
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Depth, rows[j].Depth
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return *a < *b
	})

	if method == model.MethodTOT {
		codes := make([]*string, len(rows))
		for i := range rows {
			codes[i] = rows[i].CommentCode
		}
		flags := DeriveFlags(codes, n.flags)
		for i := range rows {
			rows[i].Hammering = flags.Hammering[i]
			rows[i].IncreasedRotationRate = flags.IncreasedRotationRate[i]
			rows[i].Flushing = flags.Flushing[i]
		}
	} else {
		for i := range rows {
			rows[i].Hammering = false
			rows[i].IncreasedRotationRate = false
			rows[i].Flushing = false
		}
	}

	if badRows > 0 {
		return rows, &model.SchemaError{
			Document: string(method),
			Key:      strings.Join(uniq(badCols), ","),
			Reason:   fmt.Sprintf("not numeric in %d of %d rows", badRows, len(rows)),
		}
	}
	return rows, nil
}

func (n *Normalizer) mapRow(p model.Properties) (model.SoundingRow, []string) {
	var row model.SoundingRow
	var bad []string
	floats := row.FloatColumns()

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		value := p[key]
		lower := strings.ToLower(key)
		name, ok := n.columns[lower]
		if !ok {
			name = lower
		}
		if seen[name] {
			setExtra(&row, lower, value)
			continue
		}

		switch name {
		case model.ColCommentCode:
			seen[name] = true
			if code, ok := FormatCode(value); ok {
				row.CommentCode = &code
			}
		case model.ColMethodID:
			seen[name] = true
			if id, ok := model.KeyOf(value); ok {
				row.MethodID = id
			}
		case model.ColHammering, model.ColIncreasedRotation, model.ColFlushing:
			// derived, recomputed below
		default:
			field, isFloat := floats[name]
			if !isFloat {
				setExtra(&row, name, value)
				continue
			}
			seen[name] = true
			if value == nil {
				continue
			}
			f, ok := model.ToFloat(value)
			if !ok {
				bad = append(bad, name)
				continue
			}
			*field = &f
		}
	}
	return row, bad
}

func setExtra(row *model.SoundingRow, key string, value any) {
	if row.Extra == nil {
		row.Extra = make(map[string]any)
	}
	row.Extra[key] = value
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
