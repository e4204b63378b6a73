package masking

import (
	"image"
	"image/draw"
	"math"

	"golang.org/x/image/vector"

	"github.com/andresmejia3/veil/internal/detectlog"
)

func roundCoord(v float64) int {
	return int(math.RoundToEven(v))
}

// ClipRect rounds and orders the corners, then clamps them to a w×h frame with
// an inclusive lower bound and an exclusive upper bound. The result always has
// at least one pixel of width and height when the frame is non-empty.
func ClipRect(x0, y0, x1, y1 float64, w, h int) image.Rectangle {
	ix0, iy0, ix1, iy1 := roundCoord(x0), roundCoord(y0), roundCoord(x1), roundCoord(y1)
	if ix1 < ix0 {
		ix0, ix1 = ix1, ix0
	}
	if iy1 < iy0 {
		iy0, iy1 = iy1, iy0
	}
	return clampBox(ix0, iy0, ix1, iy1, w, h)
}

// clampBox clamps an integer box to the frame, nudging a collapsed upper bound
// one pixel past the lower bound without leaving the frame.
func clampBox(x0, y0, x1, y1, w, h int) image.Rectangle {
	x0 = clamp(x0, 0, w-1)
	y0 = clamp(y0, 0, h-1)
	x1 = clamp(x1, 0, w)
	y1 = clamp(y1, 0, h)
	if x1 <= x0 {
		x1 = min(w, x0+1)
	}
	if y1 <= y0 {
		y1 = min(h, y0+1)
	}
	return image.Rect(x0, y0, x1, y1)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return max(lo, min(hi, v))
}

// polygonRegion is a polygon's clipped bounding box plus a mask local to it.
type polygonRegion struct {
	box  image.Rectangle
	mask *image.Alpha
}

// contains reports whether the mask covers the box-local pixel (x, y).
func (p polygonRegion) contains(x, y int) bool {
	return p.mask.Pix[y*p.mask.Stride+x] != 0
}

// rasterizePolygon computes the exclusive-upper-bound bounding box of the
// rounded vertices, clamps it to the frame and fills the polygon into a mask in
// box-local coordinates. Vertices sit on pixel centres and any pixel the
// polygon touches is included.
func rasterizePolygon(g detectlog.Geometry, w, h int) polygonRegion {
	n := g.NumVertices()
	xs := make([]int, n)
	ys := make([]int, n)
	minX, minY := math.MaxInt, math.MaxInt
	maxX, maxY := math.MinInt, math.MinInt
	for i := 0; i < n; i++ {
		v := g.Vertex(i)
		xs[i], ys[i] = roundCoord(v.X), roundCoord(v.Y)
		minX, maxX = min(minX, xs[i]), max(maxX, xs[i])
		minY, maxY = min(minY, ys[i]), max(maxY, ys[i])
	}
	box := clampBox(minX, minY, maxX+1, maxY+1, w, h)

	bw, bh := box.Dx(), box.Dy()
	mask := image.NewAlpha(image.Rect(0, 0, bw, bh))
	z := vector.NewRasterizer(bw, bh)
	z.DrawOp = draw.Src
	for i := 0; i < n; i++ {
		px := float32(xs[i]-box.Min.X) + 0.5
		py := float32(ys[i]-box.Min.Y) + 0.5
		if i == 0 {
			z.MoveTo(px, py)
		} else {
			z.LineTo(px, py)
		}
	}
	z.ClosePath()
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	markVertices(mask, xs, ys, box)

	return polygonRegion{box: box, mask: mask}
}

// markVertices sets mask pixels under every vertex that falls in the box, so
// degenerate polygons still cover the pixels they name.
func markVertices(mask *image.Alpha, xs, ys []int, box image.Rectangle) {
	for i := range xs {
		x, y := xs[i]-box.Min.X, ys[i]-box.Min.Y
		if x >= 0 && y >= 0 && x < box.Dx() && y < box.Dy() {
			mask.Pix[y*mask.Stride+x] = 0xff
		}
	}
}
