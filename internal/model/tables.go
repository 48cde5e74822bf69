package model

import (
	"encoding/json"
	"math"
	"time"
)

// Canonical column names shared by the column mappers and the exporters.
const (
	ColDepth               = "depth"
	ColQC                  = "qc"
	ColFS                  = "fs"
	ColU2                  = "u2"
	ColPenetrationForce    = "penetration_force"
	ColPenetrationRate     = "penetration_rate"
	ColRotationRate        = "rotation_rate"
	ColRotationMoment      = "rotation_moment"
	ColFlushingPressure    = "flushing_pressure"
	ColFlushingFlow        = "flushing_flow"
	ColHalfTurns           = "half_turns"
	ColAlpha               = "alpha"
	ColCommentCode         = "comment_code"
	ColMethodID            = "method_id"
	ColHammering           = "hammering"
	ColIncreasedRotation   = "increased_rotation_rate"
	ColFlushing            = "flushing"
	ColDepthTop            = "depth_top"
	ColDepthBase           = "depth_base"
	ColWaterContent        = "water_content"
	ColLiquidLimit         = "liquid_limit"
	ColPlasticLimit        = "plastic_limit"
	ColStrengthUndisturbed = "strength_undisturbed"
	ColStrengthUndrained   = "strength_undrained"
	ColStrengthRemoulded   = "strength_remoulded"
	ColLayerComposition    = "layer_composition"
	ColLocationElevation   = "location_elevation"
	ColDrilledLength       = "drilled_length"
	ColSeriesID            = "series_id"
)

// MethodType identifies the kind of method execution.
type MethodType string

const (
	MethodRP  MethodType = "rp"  // static penetration (statisk sondering)
	MethodTOT MethodType = "tot" // combined penetration (kombinasjonsondering)
	MethodCPT MethodType = "cpt" // cone penetration (trykksondering)
	MethodSA  MethodType = "sa"  // sample series segment
)

// SoundingMethods lists the sounding types in output order.
var SoundingMethods = []MethodType{MethodRP, MethodTOT, MethodCPT}

// Method reference short codes on an investigation.
const (
	RefStatic   = "ss"
	RefCombined = "ks"
	RefCPT      = "ts"
	RefSamples  = "ps"
)

// RefCode returns the investigation reference code for a sounding method.
func (m MethodType) RefCode() string {
	switch m {
	case MethodRP:
		return RefStatic
	case MethodTOT:
		return RefCombined
	case MethodCPT:
		return RefCPT
	case MethodSA:
		return RefSamples
	}
	return ""
}

// Collection returns the API collection holding method documents of this type.
func (m MethodType) Collection() string {
	switch m {
	case MethodRP:
		return "statisksondering"
	case MethodTOT:
		return "kombinasjonsondering"
	case MethodCPT:
		return "trykksondering"
	case MethodSA:
		return "geotekniskproveseriedel"
	}
	return ""
}

// ObservationKey returns the property holding the link to the method's data
// document, e.g. kombinasjonSonderingObservasjon.
func (m MethodType) ObservationKey() string {
	switch m {
	case MethodRP:
		return "statiskSonderingObservasjon"
	case MethodTOT:
		return "kombinasjonSonderingObservasjon"
	case MethodCPT:
		return "trykksonderingObservasjon"
	}
	return ""
}

// Fixed status of every fetched method execution.
const (
	StatusConducted   = "conducted"
	StatusConductedID = 3
)

// Rock depth quality codes.
const (
	RockQualityUnknown  = 0
	RockQualityInferred = 1
	RockQualityProven   = 2
)

// RockDepth is the depth-to-bedrock record of an investigation.
type RockDepth struct {
	Value   *float64 `json:"value"`
	Quality *int     `json:"quality"`
}

// Investigation is one borehole investigation (geotekniskborehullunders).
type Investigation struct {
	ID            string         `json:"id"`
	Point         *Point         `json:"point,omitempty"`
	Elevation     *float64       `json:"elevation"`
	DrilledLength *float64       `json:"drilled_length"`
	RockDepth     *RockDepth     `json:"rock_depth,omitempty"`
	LocationRef   Ref            `json:"location_ref"`
	LocationID    string         `json:"location_id,omitempty"`
	LocationName  string         `json:"location_name,omitempty"`
	OriginalID    string         `json:"original_id,omitempty"`
	Methods       map[string]Ref `json:"methods"`
	Properties    Properties     `json:"-"`
}

// MethodRef returns the reference for a short code; the zero Ref when the
// method was not performed.
func (i *Investigation) MethodRef(code string) Ref {
	if i.Methods == nil {
		return Ref{}
	}
	return i.Methods[code]
}

// SoundingRow is one depth-indexed observation of a sounding.
// A nil pointer means the column is absent or null for that row.
type SoundingRow struct {
	Depth                 *float64       `json:"depth"`
	PenetrationForce      *float64       `json:"penetration_force,omitempty"`
	PenetrationRate       *float64       `json:"penetration_rate,omitempty"`
	RotationRate          *float64       `json:"rotation_rate,omitempty"`
	RotationMoment        *float64       `json:"rotation_moment,omitempty"`
	FlushingPressure      *float64       `json:"flushing_pressure,omitempty"`
	FlushingFlow          *float64       `json:"flushing_flow,omitempty"`
	HalfTurns             *float64       `json:"half_turns,omitempty"`
	QC                    *float64       `json:"qc,omitempty"`
	FS                    *float64       `json:"fs,omitempty"`
	U2                    *float64       `json:"u2,omitempty"`
	Alpha                 *float64       `json:"alpha,omitempty"`
	CommentCode           *string        `json:"comment_code"`
	MethodID              string         `json:"method_id,omitempty"`
	Hammering             bool           `json:"hammering"`
	IncreasedRotationRate bool           `json:"increased_rotation_rate"`
	Flushing              bool           `json:"flushing"`
	Extra                 map[string]any `json:"extra,omitempty"`
}

// FloatColumns maps canonical numeric column names to their fields.
func (r *SoundingRow) FloatColumns() map[string]**float64 {
	return map[string]**float64{
		ColDepth:            &r.Depth,
		ColPenetrationForce: &r.PenetrationForce,
		ColPenetrationRate:  &r.PenetrationRate,
		ColRotationRate:     &r.RotationRate,
		ColRotationMoment:   &r.RotationMoment,
		ColFlushingPressure: &r.FlushingPressure,
		ColFlushingFlow:     &r.FlushingFlow,
		ColHalfTurns:        &r.HalfTurns,
		ColQC:               &r.QC,
		ColFS:               &r.FS,
		ColU2:               &r.U2,
		ColAlpha:            &r.Alpha,
	}
}

// Properties renders the row back to canonical column/value pairs.
func (r *SoundingRow) Properties() Properties {
	p := Properties{}
	for k, v := range r.Extra {
		p[k] = v
	}
	for name, field := range r.FloatColumns() {
		if *field != nil {
			p[name] = **field
		}
	}
	if r.CommentCode != nil {
		p[ColCommentCode] = *r.CommentCode
	}
	if r.MethodID != "" {
		p[ColMethodID] = r.MethodID
	}
	p[ColHammering] = r.Hammering
	p[ColIncreasedRotation] = r.IncreasedRotationRate
	p[ColFlushing] = r.Flushing
	return p
}

// MethodURLs are the browsable API locations of a method execution.
type MethodURLs struct {
	Investigation string `json:"investigation"`
	Method        string `json:"method"`
	Location      string `json:"location"`
	Documents     string `json:"documents"`
	InfoPage      string `json:"infopage"`
}

// MethodExecution is one sounding run under an investigation, carrying its
// normalized data table.
type MethodExecution struct {
	MethodType       MethodType    `json:"method_type"`
	MethodID         string        `json:"method_id"`
	InvestigationID  string        `json:"gbhu_id"`
	LocationID       string        `json:"location_id,omitempty"`
	LocationName     string        `json:"location_name,omitempty"`
	OriginalID       string        `json:"geotekniskunders_id,omitempty"`
	Status           string        `json:"method_status"`
	StatusID         int           `json:"method_status_id"`
	MaxDepth         *float64      `json:"depth"`
	Point            *Point        `json:"point,omitempty"`
	Elevation        *float64      `json:"z"`
	RockDepth        *float64      `json:"depth_rock"`
	RockDepthQuality *int          `json:"depth_rock_quality"`
	URLs             MethodURLs    `json:"urls"`
	Data             []SoundingRow `json:"data"`
}

// SampleRow is one lab measurement row, or one aggregated row per series
// segment when aggregation is enabled.
type SampleRow struct {
	MethodID             string         `json:"method_id"`
	SeriesID             string         `json:"series_id,omitempty"`
	InvestigationID      string         `json:"gbhu_id"`
	LocationID           string         `json:"location_id,omitempty"`
	LocationName         string         `json:"location_name,omitempty"`
	OriginalID           string         `json:"geotekniskunders_id,omitempty"`
	MethodType           MethodType     `json:"method_type"`
	Status               string         `json:"method_status"`
	StatusID             int            `json:"method_status_id"`
	DepthTop             *float64       `json:"depth_top"`
	DepthBase            *float64       `json:"depth_base"`
	Depth                float64        `json:"-"`
	WaterContent         *float64       `json:"water_content"`
	LiquidLimit          *float64       `json:"liquid_limit"`
	PlasticLimit         *float64       `json:"plastic_limit"`
	StrengthUndisturbed  *float64       `json:"strength_undisturbed"`
	StrengthUndrained    *float64       `json:"strength_undrained"`
	StrengthRemoulded    *float64       `json:"strength_remoulded"`
	LayerComposition     string         `json:"layer_composition"`
	LayerCompositionFull string         `json:"layer_composition_full"`
	DrilledLength        *float64       `json:"drilled_length,omitempty"`
	LocationElevation    *float64       `json:"location_elevation"`
	Point                *Point         `json:"point,omitempty"`
	Z                    *float64       `json:"z"`
	URLs                 MethodURLs     `json:"urls"`
	Extra                map[string]any `json:"extra,omitempty"`
}

// FloatColumns maps canonical numeric column names to their fields.
func (r *SampleRow) FloatColumns() map[string]**float64 {
	return map[string]**float64{
		ColDepthTop:            &r.DepthTop,
		ColDepthBase:           &r.DepthBase,
		ColWaterContent:        &r.WaterContent,
		ColLiquidLimit:         &r.LiquidLimit,
		ColPlasticLimit:        &r.PlasticLimit,
		ColStrengthUndisturbed: &r.StrengthUndisturbed,
		ColStrengthUndrained:   &r.StrengthUndrained,
		ColStrengthRemoulded:   &r.StrengthRemoulded,
		ColDrilledLength:       &r.DrilledLength,
		ColLocationElevation:   &r.LocationElevation,
	}
}

// DepthValue returns the resolved depth, nil when it is not a number.
func (r SampleRow) DepthValue() *float64 {
	if math.IsNaN(r.Depth) {
		return nil
	}
	d := r.Depth
	return &d
}

// MarshalJSON writes a NaN depth as null.
func (r SampleRow) MarshalJSON() ([]byte, error) {
	type plain SampleRow
	return json.Marshal(struct {
		plain
		Depth *float64 `json:"depth"`
	}{plain: plain(r), Depth: r.DepthValue()})
}

// RockDepthRow is one entry of the derived rock depth dataset.
type RockDepthRow struct {
	InvestigationID string   `json:"gbhu_id"`
	Point           *Point   `json:"point,omitempty"`
	Elevation       *float64 `json:"elevation"`
	RockDepth       float64  `json:"rock_depth"`
	RockElevation   *float64 `json:"rock_elevation"`
	Quality         int      `json:"rock_depth_quality"`
	Source          string   `json:"source"`
}

// Stats counts what a query produced and what it had to skip.
type Stats struct {
	Cells             int `json:"cells"`
	CellsFailed       int `json:"cells_failed"`
	Investigations    int `json:"investigations"`
	Duplicates        int `json:"duplicates"`
	DocumentsResolved int `json:"documents_resolved"`
	DocumentsFailed   int `json:"documents_failed"`
	DocumentsTimedOut int `json:"documents_timed_out"`
	MethodsFailed     int `json:"methods_failed"`
	NormalizeErrors   int `json:"normalize_errors"`
	SampleFailures    int `json:"sample_failures"`
	Soundings         int `json:"soundings"`
	Samples           int `json:"samples"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Cells += other.Cells
	s.CellsFailed += other.CellsFailed
	s.Investigations += other.Investigations
	s.Duplicates += other.Duplicates
	s.DocumentsResolved += other.DocumentsResolved
	s.DocumentsFailed += other.DocumentsFailed
	s.DocumentsTimedOut += other.DocumentsTimedOut
	s.MethodsFailed += other.MethodsFailed
	s.NormalizeErrors += other.NormalizeErrors
	s.SampleFailures += other.SampleFailures
	s.Soundings += other.Soundings
	s.Samples += other.Samples
}

// CountResolved tallies the outcome of a resolution round.
func (s *Stats) CountResolved(resolved []Resolved) {
	for _, r := range resolved {
		switch {
		case r.Err != nil && IsTimeout(r.Err):
			s.DocumentsTimedOut++
		case r.Err != nil:
			s.DocumentsFailed++
		case r.Doc != nil:
			s.DocumentsResolved++
		}
	}
}

// Partial reports whether any part of the query was skipped.
func (s Stats) Partial() bool {
	return s.CellsFailed > 0 || s.DocumentsFailed > 0 || s.DocumentsTimedOut > 0 ||
		s.MethodsFailed > 0 || s.NormalizeErrors > 0 || s.SampleFailures > 0
}

// CellOutput is what one grid cell contributes to a Result.
type CellOutput struct {
	Investigations []Investigation
	Soundings      []MethodExecution
	Samples        []SampleRow
	Stats          Stats
}

// Result is the assembled output of one bounding-box query.
type Result struct {
	QueryID        string            `json:"query_id"`
	Bounds         Bounds            `json:"bounds"`
	CRS            string            `json:"crs"`
	FetchedAt      time.Time         `json:"fetched_at"`
	Investigations []Investigation   `json:"investigations"`
	Soundings      []MethodExecution `json:"soundings"`
	Samples        []SampleRow       `json:"samples"`
	Stats          Stats             `json:"stats"`
}
