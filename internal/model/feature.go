package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Properties is the free-form attribute block of a feature.
// Accessors never panic on a missing or mistyped key; they report absence
// through their second return value.
type Properties map[string]any

// Ref is a hyperlink to another document in the feature API.
type Ref struct {
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
}

// Missing reports whether the reference points nowhere.
func (r Ref) Missing() bool { return r.Href == "" }

// String returns the string value of key.
func (p Properties) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// Float returns the numeric value of key. Numeric strings are accepted.
func (p Properties) Float(key string) (float64, bool) {
	return ToFloat(p[key])
}

// Int returns the integer value of key.
func (p Properties) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Object returns the nested object under key.
func (p Properties) Object(key string) (Properties, bool) {
	switch t := p[key].(type) {
	case map[string]any:
		return Properties(t), true
	case Properties:
		return t, true
	}
	return nil, false
}

// Ref returns the link stored under key. Both a single link object and a
// list of link objects (first entry wins) are accepted.
func (p Properties) Ref(key string) Ref {
	return toRef(p[key])
}

// LocalID returns identifikasjon.lokalId, the feature API's record id.
func (p Properties) LocalID() (string, bool) {
	ident, ok := p.Object("identifikasjon")
	if !ok {
		return "", false
	}
	return ident.String("lokalId")
}

func toRef(v any) Ref {
	switch t := v.(type) {
	case map[string]any:
		var r Ref
		if s, ok := t["href"].(string); ok {
			r.Href = s
		}
		if s, ok := t["title"].(string); ok {
			r.Title = s
		}
		return r
	case []any:
		if len(t) == 0 {
			return Ref{}
		}
		return toRef(t[0])
	case string:
		return Ref{Href: t}
	}
	return Ref{}
}

// ToFloat converts a decoded JSON scalar to float64. Objects carrying a
// "title" (foreign-key links) and nil values are not numbers.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) {
			return 0, false
		}
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(t, ",", ".")), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// KeyOf extracts an identifier from a foreign-key value, which the API
// encodes either as a plain scalar or as a link object with a title.
func KeyOf(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case map[string]any:
		if s, ok := t["title"].(string); ok && s != "" {
			return s, true
		}
		if s, ok := t["lokalId"].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Geometry is a GeoJSON geometry. Only points are interpreted.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
}

// Point returns the x/y of a Point geometry.
func (g *Geometry) Point() (Point, bool) {
	if g == nil || !strings.EqualFold(g.Type, "Point") {
		return Point{}, false
	}
	var c []float64
	if err := json.Unmarshal(g.Coordinates, &c); err != nil || len(c) < 2 {
		return Point{}, false
	}
	return Point{X: c[0], Y: c[1]}, true
}

// Point is a planar coordinate pair in the query's reference system.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Feature is one record of a feature collection.
type Feature struct {
	Type       string     `json:"type"`
	ID         any        `json:"id,omitempty"`
	Geometry   *Geometry  `json:"geometry"`
	Properties Properties `json:"properties"`
}

// Link is an entry of a document's links array.
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// Document is any JSON body returned by the feature API: either a feature
// collection (features, links, counts) or a single feature (properties).
type Document struct {
	Type           string     `json:"type"`
	Features       []Feature  `json:"features"`
	Links          []Link     `json:"links"`
	NumberReturned *int       `json:"numberReturned,omitempty"`
	NumberMatched  *int       `json:"numberMatched,omitempty"`
	Geometry       *Geometry  `json:"geometry,omitempty"`
	Properties     Properties `json:"properties,omitempty"`
}

// Next returns the continuation link, if any.
func (d *Document) Next() (string, bool) {
	for _, l := range d.Links {
		if l.Rel == "next" && l.Href != "" {
			return l.Href, true
		}
	}
	return "", false
}

// Truncated reports whether the server returned fewer features than matched.
func (d *Document) Truncated() bool {
	if d.NumberReturned == nil || d.NumberMatched == nil {
		return false
	}
	return *d.NumberReturned < *d.NumberMatched
}

// FeatureProperties returns the properties of every feature, in order.
func (d *Document) FeatureProperties() []Properties {
	if d == nil {
		return nil
	}
	out := make([]Properties, 0, len(d.Features))
	for _, f := range d.Features {
		if f.Properties == nil {
			out = append(out, Properties{})
			continue
		}
		out = append(out, f.Properties)
	}
	return out
}

// Resolved is the outcome of resolving one reference: a document, an error,
// or neither when the reference was absent.
type Resolved struct {
	URL string
	Doc *Document
	Err error
}
