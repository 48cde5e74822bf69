package pipeline

import (
	"github.com/ppiankov/nadag/internal/model"
)

// InvestigationCollection holds one feature per borehole investigation.
const InvestigationCollection = "geotekniskborehullunders"

// methodColumns maps investigation link columns to method short codes.
var methodColumns = map[string]string{
	"metode-StatiskSondering":     model.RefStatic,
	"metode-KombinasjonSondering": model.RefCombined,
	"metode-Trykksondering":       model.RefCPT,
	"metode-GeotekniskPrøveserie": model.RefSamples,
}

// ParseInvestigations converts investigation features. Features without a
// lokalId cannot be joined to anything and are skipped; the second value
// counts them.
func ParseInvestigations(features []model.Feature) ([]model.Investigation, int) {
	out := make([]model.Investigation, 0, len(features))
	skipped := 0
	for _, f := range features {
		inv, ok := parseInvestigation(f)
		if !ok {
			skipped++
			continue
		}
		out = append(out, inv)
	}
	return out, skipped
}

func parseInvestigation(f model.Feature) (model.Investigation, bool) {
	p := f.Properties
	if p == nil {
		return model.Investigation{}, false
	}
	id, ok := p.LocalID()
	if !ok {
		return model.Investigation{}, false
	}

	inv := model.Investigation{
		ID:          id,
		LocationRef: p.Ref("undersPkt"),
		Methods:     make(map[string]model.Ref, len(methodColumns)),
		Properties:  p,
	}
	if pt, ok := f.Geometry.Point(); ok {
		inv.Point = &pt
	}
	if v, ok := p.Float("høyde"); ok {
		inv.Elevation = &v
	}
	if v, ok := p.Float("boretLengde"); ok {
		inv.DrilledLength = &v
	}
	if rock, ok := p.Object("boretLengdeTilBerg"); ok {
		rd := &model.RockDepth{}
		if v, ok := rock.Float("borlengdeTilBerg"); ok {
			rd.Value = &v
		}
		q := model.RockQualityUnknown
		if v, ok := rock.Int("borlengdeKvalitet"); ok {
			q = v
		}
		rd.Quality = &q
		inv.RockDepth = rd
	}
	if loc, ok := model.KeyOf(p["underspkt_fk"]); ok {
		inv.LocationID = loc
	}
	for col, code := range methodColumns {
		if ref := p.Ref(col); !ref.Missing() {
			inv.Methods[code] = ref
		}
	}
	return inv, true
}

// documentProperties returns the attribute block of a single-feature
// document, or of the first feature of a collection.
func documentProperties(doc *model.Document) (model.Properties, bool) {
	if doc == nil {
		return nil, false
	}
	if doc.Properties != nil {
		return doc.Properties, true
	}
	if len(doc.Features) > 0 && doc.Features[0].Properties != nil {
		return doc.Features[0].Properties, true
	}
	return nil, false
}

// applyLocation copies the borehole name and original investigation id from
// a resolved location document.
func applyLocation(inv *model.Investigation, doc *model.Document) {
	p, ok := documentProperties(doc)
	if !ok {
		return
	}
	if name, ok := p.String("boreNr"); ok {
		inv.LocationName = name
	}
	if orig, ok := model.KeyOf(p["opprinneligGeotekniskUndersID"]); ok {
		inv.OriginalID = orig
	}
	if inv.LocationID == "" {
		if id, ok := p.LocalID(); ok {
			inv.LocationID = id
		}
	}
}
