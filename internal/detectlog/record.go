// Package detectlog reads per-frame detection logs produced by an external
// detector and indexes them by frame.
package detectlog

import (
	"fmt"
	"sort"
)

// Designation marks whether a detection was chosen for redaction by the operator.
type Designation int

const (
	// DesignationUnspecified covers absent or unrecognised designation values.
	DesignationUnspecified Designation = iota
	// DesignationSelected marks an operator selected detection.
	DesignationSelected
	// DesignationUnselected marks a detection explicitly left out of the selection.
	DesignationUnselected
)

func (d Designation) String() string {
	switch d {
	case DesignationSelected:
		return "selected"
	case DesignationUnselected:
		return "unselected"
	default:
		return "unspecified"
	}
}

// designationFromCode maps the log's integer code (1 selected, 2 unselected).
func designationFromCode(code int) Designation {
	switch code {
	case 1:
		return DesignationSelected
	case 2:
		return DesignationUnselected
	default:
		return DesignationUnspecified
	}
}

// Code returns the integer written to logs for d.
func (d Designation) Code() int {
	switch d {
	case DesignationSelected:
		return 1
	case DesignationUnselected:
		return 2
	default:
		return 0
	}
}

// Point is a polygon vertex in frame pixel coordinates.
type Point struct {
	X, Y float64
}

// Geometry is either an axis-aligned rectangle or a polygon of at least three points.
type Geometry struct {
	rect    [4]float64
	polygon []Point
}

// Rect builds a rectangle geometry from two corners.
func Rect(x0, y0, x1, y1 float64) Geometry {
	return Geometry{rect: [4]float64{x0, y0, x1, y1}}
}

// Polygon builds a polygon geometry. It returns an error for fewer than three points.
func Polygon(points []Point) (Geometry, error) {
	if len(points) < 3 {
		return Geometry{}, fmt.Errorf("polygon needs at least 3 points, got %d", len(points))
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	return Geometry{polygon: cp}, nil
}

// IsPolygon reports whether g is a polygon.
func (g Geometry) IsPolygon() bool { return len(g.polygon) > 0 }

// Rect returns the rectangle corners. It is only meaningful when !IsPolygon().
func (g Geometry) Rect() (x0, y0, x1, y1 float64) {
	return g.rect[0], g.rect[1], g.rect[2], g.rect[3]
}

// Points returns a copy of the polygon vertices.
func (g Geometry) Points() []Point {
	cp := make([]Point, len(g.polygon))
	copy(cp, g.polygon)
	return cp
}

// Vertex returns polygon vertex i without copying.
func (g Geometry) Vertex(i int) Point { return g.polygon[i] }

// NumVertices returns the polygon vertex count, 0 for rectangles.
func (g Geometry) NumVertices() int { return len(g.polygon) }

// Record is one detection in one frame. Records are immutable once parsed.
type Record struct {
	Frame       int
	TrackID     string
	Geometry    Geometry
	Designation Designation
	// Type, Score and ClassID are advisory and never drive masking.
	Type    int
	Score   float64
	ClassID int
}

// Index maps frame numbers to the records of that frame in source order.
type Index struct {
	frames map[int][]Record
	count  int
}

// NewIndex groups records by frame, preserving their relative order.
func NewIndex(records []Record) *Index {
	ix := &Index{frames: make(map[int][]Record)}
	for _, r := range records {
		ix.frames[r.Frame] = append(ix.frames[r.Frame], r)
		ix.count++
	}
	return ix
}

// Frame returns the records for frame n. The slice must not be modified.
func (ix *Index) Frame(n int) []Record {
	if ix == nil {
		return nil
	}
	return ix.frames[n]
}

// Len returns the total number of records.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return ix.count
}

// Frames returns the indexed frame numbers in ascending order.
func (ix *Index) Frames() []int {
	if ix == nil {
		return nil
	}
	out := make([]int, 0, len(ix.frames))
	for f := range ix.frames {
		out = append(out, f)
	}
	sort.Ints(out)
	return out
}

// Records returns every record ordered by frame, then source order.
func (ix *Index) Records() []Record {
	out := make([]Record, 0, ix.Len())
	for _, f := range ix.Frames() {
		out = append(out, ix.frames[f]...)
	}
	return out
}

// Log is a parsed detection log.
type Log struct {
	Source        string
	SchemaVersion string
	Metadata      map[string]any
	// Skipped counts rows or entries dropped for malformed content.
	Skipped int
	Index   *Index
}
