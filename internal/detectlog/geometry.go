package detectlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var errBadGeometry = errors.New("malformed geometry")

// parseGeometryCell accepts a JSON array or a language-literal array such as
// "(10, 20, 30, 40)" or "[(1, 2), (3, 4), (5, 6)]".
func parseGeometryCell(cell string) (Geometry, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return Geometry{}, errBadGeometry
	}
	var raw any
	if err := json.Unmarshal([]byte(cell), &raw); err == nil {
		return geometryFromValue(raw)
	}
	// Tuples become flow sequences, which YAML parses as lists.
	literal := strings.NewReplacer("(", "[", ")", "]").Replace(cell)
	if err := yaml.Unmarshal([]byte(literal), &raw); err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", errBadGeometry, err)
	}
	return geometryFromValue(raw)
}

// geometryFromValue interprets a decoded bbox: 4 numbers are a rectangle,
// 3 or more coordinate pairs are a polygon.
func geometryFromValue(v any) (Geometry, error) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return Geometry{}, errBadGeometry
	}

	if _, nested := items[0].([]any); !nested {
		if len(items) != 4 {
			return Geometry{}, fmt.Errorf("%w: rectangle needs 4 numbers, got %d", errBadGeometry, len(items))
		}
		var c [4]float64
		for i, it := range items {
			f, ok := toFloat(it)
			if !ok {
				return Geometry{}, errBadGeometry
			}
			c[i] = f
		}
		return Rect(c[0], c[1], c[2], c[3]), nil
	}

	points := make([]Point, 0, len(items))
	for _, it := range items {
		pair, ok := it.([]any)
		if !ok || len(pair) < 2 {
			return Geometry{}, errBadGeometry
		}
		x, okX := toFloat(pair[0])
		y, okY := toFloat(pair[1])
		if !okX || !okY {
			return Geometry{}, errBadGeometry
		}
		points = append(points, Point{X: x, Y: y})
	}
	g, err := Polygon(points)
	if err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", errBadGeometry, err)
	}
	return g, nil
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toInt accepts integral numbers, including "12.0" style cells.
func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// geometryValue renders g for a structured log.
func geometryValue(g Geometry) (any, string) {
	if g.IsPolygon() {
		pts := make([][2]float64, 0, g.NumVertices())
		for i := 0; i < g.NumVertices(); i++ {
			p := g.Vertex(i)
			pts = append(pts, [2]float64{p.X, p.Y})
		}
		return pts, "polygon"
	}
	x0, y0, x1, y1 := g.Rect()
	return []float64{x0, y0, x1, y1}, "rect"
}
