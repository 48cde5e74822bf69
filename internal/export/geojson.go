package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/nadag/internal/model"
)

// Feature layers in a GeoJSON export.
const (
	LayerInvestigation = "investigation"
	LayerSounding      = "sounding"
	LayerSample        = "sample"
	LayerRockDepth     = "rock_depth"
)

type geoFeature struct {
	Type       string       `json:"type"`
	ID         string       `json:"id,omitempty"`
	Geometry   *geoGeometry `json:"geometry"`
	Properties any          `json:"properties"`
}

type geoGeometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type geoCollection struct {
	Type      string       `json:"type"`
	QueryID   string       `json:"query_id,omitempty"`
	CRS       *geoCRS      `json:"crs,omitempty"`
	FetchedAt string       `json:"fetched_at,omitempty"`
	Stats     *model.Stats `json:"stats,omitempty"`
	Features  []geoFeature `json:"features"`
}

type geoCRS struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties"`
}

type layered struct {
	Layer string
	Row   any
}

// MarshalJSON flattens the row's own fields next to the layer tag.
func (l layered) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(l.Row)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["layer"], _ = json.Marshal(l.Layer)
	return json.Marshal(fields)
}

func geometry(p *model.Point) *geoGeometry {
	if p == nil {
		return nil
	}
	return &geoGeometry{Type: "Point", Coordinates: [2]float64{p.X, p.Y}}
}

func crsMember(crs string) *geoCRS {
	if crs == "" {
		return nil
	}
	return &geoCRS{Type: "name", Properties: map[string]string{"name": crs}}
}

// EncodeGeoJSON writes result as one feature collection. Every feature
// carries a "layer" property telling investigations, soundings and samples
// apart; sounding features embed their depth rows under "data".
func EncodeGeoJSON(w io.Writer, result *model.Result) error {
	fc := geoCollection{
		Type:      "FeatureCollection",
		QueryID:   result.QueryID,
		CRS:       crsMember(result.CRS),
		FetchedAt: result.FetchedAt.Format(time.RFC3339),
		Stats:     &result.Stats,
		Features:  make([]geoFeature, 0, len(result.Investigations)+len(result.Soundings)+len(result.Samples)),
	}
	for _, inv := range result.Investigations {
		fc.Features = append(fc.Features, geoFeature{
			Type: "Feature", ID: inv.ID, Geometry: geometry(inv.Point),
			Properties: layered{Layer: LayerInvestigation, Row: inv},
		})
	}
	for _, s := range result.Soundings {
		fc.Features = append(fc.Features, geoFeature{
			Type: "Feature", ID: string(s.MethodType) + ":" + s.MethodID, Geometry: geometry(s.Point),
			Properties: layered{Layer: LayerSounding, Row: s},
		})
	}
	for _, s := range result.Samples {
		fc.Features = append(fc.Features, geoFeature{
			Type: "Feature", ID: string(s.MethodType) + ":" + s.MethodID, Geometry: geometry(s.Point),
			Properties: layered{Layer: LayerSample, Row: s},
		})
	}
	return encode(w, fc)
}

// EncodeRockDepthGeoJSON writes the rock depth dataset as point features.
func EncodeRockDepthGeoJSON(w io.Writer, crs string, rows []model.RockDepthRow) error {
	fc := geoCollection{
		Type:     "FeatureCollection",
		CRS:      crsMember(crs),
		Features: make([]geoFeature, 0, len(rows)),
	}
	for _, r := range rows {
		fc.Features = append(fc.Features, geoFeature{
			Type: "Feature", ID: r.InvestigationID, Geometry: geometry(r.Point),
			Properties: layered{Layer: LayerRockDepth, Row: r},
		})
	}
	return encode(w, fc)
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode geojson: %w", err)
	}
	return nil
}

// GeoJSONFile writes each result to a file, replacing it atomically.
type GeoJSONFile struct {
	path string
}

// NewGeoJSONFile creates a GeoJSON sink writing to path.
func NewGeoJSONFile(path string) *GeoJSONFile {
	return &GeoJSONFile{path: path}
}

// Write encodes result into the sink's file.
func (g *GeoJSONFile) Write(_ context.Context, result *model.Result) error {
	return writeFile(g.path, func(w io.Writer) error { return EncodeGeoJSON(w, result) })
}

// Close is a no-op.
func (g *GeoJSONFile) Close() error { return nil }

// WriteRockDepthFile writes the rock depth dataset to path.
func WriteRockDepthFile(path, crs string, rows []model.RockDepthRow) error {
	return writeFile(path, func(w io.Writer) error { return EncodeRockDepthGeoJSON(w, crs, rows) })
}

func writeFile(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".nadag-*.geojson")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
