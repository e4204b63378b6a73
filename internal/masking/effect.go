package masking

import (
	"image"
	"math"
	"sync"
)

// blurBufferPool recycles scratch buffers for the Gaussian blur.
var blurBufferPool = sync.Pool{
	New: func() interface{} { return make([]float32, 0, 1024*1024) },
}

// mosaicPool recycles the downsampled grid for the mosaic.
var mosaicPool = sync.Pool{
	New: func() interface{} { return make([]float64, 0, 4096) },
}

// applyEffect redacts rect of img in place. Only the colour channels change;
// alpha is preserved. Empty rectangles are left untouched.
func applyEffect(img *image.RGBA, rect image.Rectangle, tool Tool, lvl int) {
	rect = rect.Intersect(img.Rect)
	if rect.Empty() {
		return
	}
	switch tool {
	case ToolMosaic:
		mosaic(img, rect, lvl)
	case ToolBlur:
		gaussian(img, rect, BlurKernelSize(lvl, scale, rect.Dx(), rect.Dy()))
	}
}

// areaWeight is one source index contributing to a downsampled cell.
type areaWeight struct {
	src    int
	weight float64
}

// areaWeights returns, for each of dstN cells, the source pixels it covers and
// the fraction of the cell each one fills (area interpolation).
func areaWeights(srcN, dstN int) [][]areaWeight {
	out := make([][]areaWeight, dstN)
	ratio := float64(srcN) / float64(dstN)
	for d := 0; d < dstN; d++ {
		start := float64(d) * ratio
		end := start + ratio
		var ws []areaWeight
		for s := int(math.Floor(start)); s < srcN && float64(s) < end; s++ {
			lo := math.Max(start, float64(s))
			hi := math.Min(end, float64(s+1))
			if hi > lo {
				ws = append(ws, areaWeight{src: s, weight: (hi - lo) / ratio})
			}
		}
		out[d] = ws
	}
	return out
}

// mosaic downsamples the region by area averaging to (w/div)×(h/div), at least
// one cell each way, then scales back up with nearest-neighbour sampling.
func mosaic(img *image.RGBA, rect image.Rectangle, lvl int) {
	w, h := rect.Dx(), rect.Dy()
	div := MosaicDivisor(lvl)
	sw, sh := max(1, w/div), max(1, h/div)

	xw := areaWeights(w, sw)
	yw := areaWeights(h, sh)

	need := sw * sh * 3
	gridBuf := mosaicPool.Get().([]float64)
	if cap(gridBuf) < need {
		gridBuf = make([]float64, need)
	}
	grid := gridBuf[:need]
	defer mosaicPool.Put(gridBuf)

	stride := img.Stride
	pix := img.Pix
	originX, originY := rect.Min.X-img.Rect.Min.X, rect.Min.Y-img.Rect.Min.Y

	for gy := 0; gy < sh; gy++ {
		for gx := 0; gx < sw; gx++ {
			var r, g, b float64
			for _, wy := range yw[gy] {
				rowStart := (originY+wy.src)*stride + originX*4
				for _, wx := range xw[gx] {
					off := rowStart + wx.src*4
					f := wy.weight * wx.weight
					r += f * float64(pix[off])
					g += f * float64(pix[off+1])
					b += f * float64(pix[off+2])
				}
			}
			cell := (gy*sw + gx) * 3
			grid[cell], grid[cell+1], grid[cell+2] = r, g, b
		}
	}

	for y := 0; y < h; y++ {
		gy := y * sh / h
		rowStart := (originY+y)*stride + originX*4
		for x := 0; x < w; x++ {
			gx := x * sw / w
			cell := (gy*sw + gx) * 3
			off := rowStart + x*4
			pix[off] = toByte(grid[cell])
			pix[off+1] = toByte(grid[cell+1])
			pix[off+2] = toByte(grid[cell+2])
		}
	}
}

// gaussianKernel returns normalised weights for an odd kernel of size k.
func gaussianKernel(k int) []float32 {
	sigma := gaussianSigma(k)
	half := k / 2
	kernel := make([]float32, k)
	var sum float64
	weights := make([]float64, k)
	for i := 0; i < k; i++ {
		d := float64(i - half)
		weights[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += weights[i]
	}
	for i := range weights {
		kernel[i] = float32(weights[i] / sum)
	}
	return kernel
}

// reflect101 maps i into [0, n) mirroring around the edge pixels without
// repeating them (dcb|abcd|cba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2*n - 2
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// gaussian applies a separable Gaussian blur of size k to the region, treating
// the region as an isolated image with mirrored borders.
func gaussian(img *image.RGBA, rect image.Rectangle, k int) {
	if k <= 1 {
		return
	}
	w, h := rect.Dx(), rect.Dy()
	kernel := gaussianKernel(k)
	half := k / 2

	// Precompute mirrored source indices for both passes.
	xIdx := make([]int, w+2*half)
	for i := range xIdx {
		xIdx[i] = reflect101(i-half, w)
	}
	yIdx := make([]int, h+2*half)
	for i := range yIdx {
		yIdx[i] = reflect101(i-half, h)
	}

	// Intermediate buffer for the horizontal pass
	neededSize := w * h * 3
	bufPtr := blurBufferPool.Get().([]float32)
	if cap(bufPtr) < neededSize {
		bufPtr = make([]float32, neededSize)
	}
	buf := bufPtr[:neededSize]
	defer blurBufferPool.Put(bufPtr)

	stride := img.Stride
	pix := img.Pix
	originX, originY := rect.Min.X-img.Rect.Min.X, rect.Min.Y-img.Rect.Min.Y

	// 1. Horizontal Pass: Read from Image -> Write to Buffer
	for y := 0; y < h; y++ {
		rowStart := (originY+y)*stride + originX*4
		bufRow := y * w * 3
		for x := 0; x < w; x++ {
			var r, g, b float32
			for t, kw := range kernel {
				off := rowStart + xIdx[x+t]*4
				r += kw * float32(pix[off])
				g += kw * float32(pix[off+1])
				b += kw * float32(pix[off+2])
			}
			o := bufRow + x*3
			buf[o], buf[o+1], buf[o+2] = r, g, b
		}
	}

	// 2. Vertical Pass: Read from Buffer -> Write to Image
	for y := 0; y < h; y++ {
		dstRow := (originY+y)*stride + originX*4
		for x := 0; x < w; x++ {
			var r, g, b float32
			for t, kw := range kernel {
				o := (yIdx[y+t]*w + x) * 3
				r += kw * buf[o]
				g += kw * buf[o+1]
				b += kw * buf[o+2]
			}
			off := dstRow + x*4
			pix[off] = toByte(float64(r))
			pix[off+1] = toByte(float64(g))
			pix[off+2] = toByte(float64(b))
		}
	}
}

func toByte(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
