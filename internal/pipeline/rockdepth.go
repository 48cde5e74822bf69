package pipeline

import (
	"fmt"

	"github.com/ppiankov/nadag/internal/model"
)

// Rock depth dataset sources.
const (
	SourceRock   = "nadag"
	SourceNoRock = "nadag_no_rock"
)

// DefaultNoRockDepth is the drilled length from which a borehole without a
// rock record is taken to stop at bedrock.
const DefaultNoRockDepth = 25.0

const maxRockDepth = 500.0

// RockDepthDataset derives depth-to-bedrock points from investigations.
// Investigations with a rock record use it; those without one but drilled
// at least noRockDepth deep assume rock at the drilled length with quality
// 0. Rows at or below 500 m, or below the quality threshold, are dropped.
func RockDepthDataset(invs []model.Investigation, threshold int, noRockDepth float64) ([]model.RockDepthRow, error) {
	if threshold < model.RockQualityUnknown || threshold > model.RockQualityProven {
		return nil, &model.ValidationError{Field: "threshold", Reason: fmt.Sprintf("must be between 0 and 2, got %d", threshold)}
	}

	var withRock, noRock []model.RockDepthRow
	for i := range invs {
		inv := &invs[i]
		switch {
		case inv.RockDepth != nil:
			if inv.RockDepth.Value == nil {
				continue
			}
			q := model.RockQualityUnknown
			if inv.RockDepth.Quality != nil {
				q = *inv.RockDepth.Quality
			}
			withRock = append(withRock, rockRow(inv, *inv.RockDepth.Value, q, SourceRock))
		case inv.DrilledLength != nil && *inv.DrilledLength >= noRockDepth:
			noRock = append(noRock, rockRow(inv, *inv.DrilledLength, model.RockQualityUnknown, SourceNoRock))
		}
	}

	out := make([]model.RockDepthRow, 0, len(withRock)+len(noRock))
	for _, r := range append(withRock, noRock...) {
		if r.RockDepth < maxRockDepth && r.Quality >= threshold {
			out = append(out, r)
		}
	}
	return out, nil
}

func rockRow(inv *model.Investigation, depth float64, quality int, source string) model.RockDepthRow {
	row := model.RockDepthRow{
		InvestigationID: inv.ID,
		Point:           inv.Point,
		Elevation:       inv.Elevation,
		RockDepth:       depth,
		Quality:         quality,
		Source:          source,
	}
	if inv.Elevation != nil {
		e := *inv.Elevation - depth
		row.RockElevation = &e
	}
	return row
}
