package masking

import (
	"image"
	"sync"

	"github.com/andresmejia3/veil/internal/detectlog"
)

// snapshotPool recycles copies of the original frame used by background masking.
var snapshotPool = sync.Pool{
	New: func() interface{} { return make([]uint8, 0, 1920*1080*4) },
}

// Partition splits one frame's detections. A record is unselected only when
// its designation says so explicitly; everything else counts as selected.
func Partition(records []detectlog.Record) (selected, unselected []detectlog.Record) {
	for _, r := range records {
		if r.Designation == detectlog.DesignationUnselected {
			unselected = append(unselected, r)
		} else {
			selected = append(selected, r)
		}
	}
	return selected, unselected
}

// Apply redacts frame in place using the frame's detections and the policy.
func Apply(frame *image.RGBA, records []detectlog.Record, p Policy) {
	if frame == nil || frame.Rect.Empty() {
		return
	}
	selected, unselected := Partition(records)

	switch p.Range {
	case RangeNone:
		return
	case RangeBackground:
		applyBackground(frame, selected, p)
	case RangeSelected:
		applyRecords(frame, selected, p)
	case RangeUnselected:
		applyRecords(frame, unselected, p)
	default:
		// Unknown ranges leave the frame untouched.
		return
	}
}

// ApplyWhole applies the effect uniformly to every pixel of frame.
func ApplyWhole(frame *image.RGBA, tool Tool, lvl int) {
	if frame == nil {
		return
	}
	applyEffect(frame, frame.Rect, tool, lvl)
}

// applyBackground effects the whole frame, then copies the original pixels of
// every selected region back over it.
func applyBackground(frame *image.RGBA, selected []detectlog.Record, p Policy) {
	orig := snapshot(frame)
	defer snapshotPool.Put(orig.Pix[:0])

	applyEffect(frame, frame.Rect, p.Tool, p.Strength)

	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	for _, rec := range selected {
		if rec.Geometry.IsPolygon() {
			poly := rasterizePolygon(rec.Geometry, w, h)
			copyMasked(frame, orig, poly, true)
			continue
		}
		x0, y0, x1, y1 := rec.Geometry.Rect()
		copyRect(frame, orig, ClipRect(x0, y0, x1, y1, w, h).Add(frame.Rect.Min))
	}
}

// applyRecords effects each target region of frame in sequence.
func applyRecords(frame *image.RGBA, targets []detectlog.Record, p Policy) {
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	for _, rec := range targets {
		if !rec.Geometry.IsPolygon() {
			x0, y0, x1, y1 := rec.Geometry.Rect()
			applyEffect(frame, ClipRect(x0, y0, x1, y1, w, h).Add(frame.Rect.Min), p.Tool, p.Strength)
			continue
		}
		poly := rasterizePolygon(rec.Geometry, w, h)
		box := poly.box.Add(frame.Rect.Min)
		before := image.NewRGBA(box)
		copyRect(before, frame, box)
		applyEffect(frame, box, p.Tool, p.Strength)
		copyMasked(frame, before, poly, false)
	}
}

// snapshot copies frame into a pooled buffer.
func snapshot(frame *image.RGBA) *image.RGBA {
	buf := snapshotPool.Get().([]uint8)
	if cap(buf) < len(frame.Pix) {
		buf = make([]uint8, len(frame.Pix))
	}
	buf = buf[:len(frame.Pix)]
	copy(buf, frame.Pix)
	return &image.RGBA{Pix: buf, Stride: frame.Stride, Rect: frame.Rect}
}

// copyRect copies r from src into dst. Both images must contain r.
func copyRect(dst, src *image.RGBA, r image.Rectangle) {
	r = r.Intersect(dst.Rect).Intersect(src.Rect)
	if r.Empty() {
		return
	}
	n := r.Dx() * 4
	for y := r.Min.Y; y < r.Max.Y; y++ {
		d := dst.PixOffset(r.Min.X, y)
		s := src.PixOffset(r.Min.X, y)
		copy(dst.Pix[d:d+n], src.Pix[s:s+n])
	}
}

// copyMasked copies pixels of poly's box from src into dst. With inside set,
// it copies pixels the mask covers; otherwise the ones it does not.
func copyMasked(dst, src *image.RGBA, poly polygonRegion, inside bool) {
	origin := dst.Rect.Min
	for y := 0; y < poly.box.Dy(); y++ {
		for x := 0; x < poly.box.Dx(); x++ {
			if poly.contains(x, y) != inside {
				continue
			}
			px, py := origin.X+poly.box.Min.X+x, origin.Y+poly.box.Min.Y+y
			d := dst.PixOffset(px, py)
			s := src.PixOffset(px, py)
			copy(dst.Pix[d:d+4], src.Pix[s:s+4])
		}
	}
}
