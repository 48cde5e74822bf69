package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Bounds is an axis-aligned bounding box in the query's reference system.
type Bounds struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
}

// ParseBounds parses "minx,miny,maxx,maxy".
func ParseBounds(s string) (Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Bounds{}, &ValidationError{Field: "bbox", Reason: fmt.Sprintf("want minx,miny,maxx,maxy, got %q", s)}
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Bounds{}, &ValidationError{Field: "bbox", Reason: fmt.Sprintf("coordinate %q is not a number", p)}
		}
		v[i] = f
	}
	b := Bounds{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}
	return b, b.Validate()
}

// Validate rejects empty or inverted boxes.
func (b Bounds) Validate() error {
	for _, f := range []float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &ValidationError{Field: "bbox", Reason: "coordinates must be finite"}
		}
	}
	if b.MaxX <= b.MinX || b.MaxY <= b.MinY {
		return &ValidationError{Field: "bbox", Reason: fmt.Sprintf("empty or inverted box %s", b)}
	}
	return nil
}

func (b Bounds) Width() float64  { return b.MaxX - b.MinX }
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

func (b Bounds) String() string {
	return fmt.Sprintf("%s,%s,%s,%s", fmtCoord(b.MinX), fmtCoord(b.MinY), fmtCoord(b.MaxX), fmtCoord(b.MaxY))
}

// Polygon renders the box as a closed WKT ring for CQL2 spatial filters.
func (b Bounds) Polygon() string {
	ring := [][2]float64{
		{b.MinX, b.MinY},
		{b.MinX, b.MaxY},
		{b.MaxX, b.MaxY},
		{b.MaxX, b.MinY},
		{b.MinX, b.MinY},
	}
	pts := make([]string, len(ring))
	for i, p := range ring {
		pts[i] = fmtCoord(p[0]) + " " + fmtCoord(p[1])
	}
	return "POLYGON((" + strings.Join(pts, ",") + "))"
}

// IntersectsFilter returns the CQL2 text filter selecting features whose
// position lies in the box.
func (b Bounds) IntersectsFilter() string {
	return "S_INTERSECTS(posisjon," + b.Polygon() + ")"
}

// Contains reports whether p lies inside the box, edges included.
func (b Bounds) Contains(p Point) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

// Split partitions the box into a grid whose cells are at most maxExtent on
// both axes. Cells are ordered column by column, bottom to top. A box that
// already fits is returned unchanged.
func (b Bounds) Split(maxExtent float64) []Bounds {
	if maxExtent <= 0 {
		return []Bounds{b}
	}
	cols := int(math.Max(1, math.Ceil(b.Width()/maxExtent)))
	rows := int(math.Max(1, math.Ceil(b.Height()/maxExtent)))
	if cols == 1 && rows == 1 {
		return []Bounds{b}
	}

	w := b.Width() / float64(cols)
	h := b.Height() / float64(rows)
	cells := make([]Bounds, 0, cols*rows)
	for i := 0; i < cols; i++ {
		for j := 0; j < rows; j++ {
			c := Bounds{
				MinX: b.MinX + float64(i)*w,
				MinY: b.MinY + float64(j)*h,
				MaxX: b.MinX + float64(i+1)*w,
				MaxY: b.MinY + float64(j+1)*h,
			}
			// pin outer edges so float drift never shrinks the union
			if i == cols-1 {
				c.MaxX = b.MaxX
			}
			if j == rows-1 {
				c.MaxY = b.MaxY
			}
			cells = append(cells, c)
		}
	}
	return cells
}

var queryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/ppiankov/nadag/query"))

// QueryID derives a stable identifier for a query from its box and CRS,
// so repeated runs over the same area share an id across exports.
func QueryID(b Bounds, crs string) string {
	return uuid.NewSHA1(queryNamespace, []byte(crs+"|"+b.String())).String()
}

func fmtCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
