package watermark

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/veil/internal/video"
)

// fakeVideo hands a fixed number of black frames to the frame callback and
// keeps the results for inspection.
type fakeVideo struct {
	w, h   int
	frames int
	out    []*image.RGBA
	calls  int
	err    error
}

func (f *fakeVideo) transcode(_ context.Context, _, dst string, fn video.FrameFunc, progress video.ProgressFunc) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	for i := 0; i < f.frames; i++ {
		frame := image.NewRGBA(image.Rect(0, 0, f.w, f.h))
		for p := 3; p < len(frame.Pix); p += 4 {
			frame.Pix[p] = 0xff
		}
		if err := fn(i, frame); err != nil {
			return err
		}
		f.out = append(f.out, frame)
		if progress != nil {
			progress(float64(i+1) / float64(f.frames))
		}
	}
	return os.WriteFile(dst, nil, 0o644)
}

func newTestCompositor(opts Options, dir string, fv *fakeVideo) *Compositor {
	c := New(opts, dir, nil)
	c.transcode = fv.transcode
	return c
}

func writeLogo(t *testing.T, w, h int, c color.NRGBA) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	path := filepath.Join(t.TempDir(), "logo.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestAppliedAndOutputPath(t *testing.T) {
	assert.True(t, Applied("/v/clip_masked_wm.mp4"))
	assert.False(t, Applied("/v/clip_masked.mp4"))
	assert.False(t, Applied("/v/wm.mp4"))
	assert.Equal(t, filepath.Join("/out", "clip_masked_wm.mp4"), OutputPath("/v/clip_masked.mp4", "/out"))
	assert.Equal(t, filepath.Join("/v", "clip_wm.mp4"), OutputPath("/v/clip.avi", ""))
}

func TestAnchor(t *testing.T) {
	frame := image.Pt(640, 480)
	box := image.Pt(100, 40)
	tests := []struct {
		loc  Location
		want image.Point
	}{
		{TopLeft, image.Pt(50, 50)},
		{TopRight, image.Pt(490, 50)},
		{Center, image.Pt(270, 220)},
		{BottomLeft, image.Pt(50, 390)},
		{BottomRight, image.Pt(490, 390)},
		{Location(0), image.Pt(490, 390)},
	}
	for _, tt := range tests {
		if got := anchor(frame, box, tt.loc); got != tt.want {
			t.Errorf("anchor(%d) = %v, want %v", tt.loc, got, tt.want)
		}
	}
	// A box wider than the frame is pinned to the edge rather than going negative.
	assert.Equal(t, image.Pt(0, 50), anchor(image.Pt(80, 480), box, TopRight))
}

func TestApplySkipsWatermarkedSource(t *testing.T) {
	fv := &fakeVideo{w: 64, h: 48, frames: 2}
	c := newTestCompositor(Options{Text: "veil"}, t.TempDir(), fv)

	var last float64
	out, err := c.Apply(context.Background(), "/v/clip_wm.mp4", func(f float64) { last = f })
	require.NoError(t, err)
	assert.Equal(t, "/v/clip_wm.mp4", out)
	assert.Equal(t, 1.0, last)
	assert.Zero(t, fv.calls)
}

func TestApplySkipsEmptyStamp(t *testing.T) {
	fv := &fakeVideo{w: 64, h: 48, frames: 2}
	c := newTestCompositor(Options{Image: filepath.Join(t.TempDir(), "missing.png")}, t.TempDir(), fv)
	out, err := c.Apply(context.Background(), "/v/clip.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, "/v/clip.mp4", out)
	assert.Zero(t, fv.calls)
}

func TestApplyLogoHonoursPositionAndOpacity(t *testing.T) {
	tests := []struct {
		name    string
		opacity int
		want    uint8
	}{
		{"opaque", 100, 255},
		{"half", 50, 127},
		{"invisible", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logo := writeLogo(t, 40, 20, color.NRGBA{R: 255, A: 255})
			dir := t.TempDir()
			fv := &fakeVideo{w: 200, h: 100, frames: 3}
			c := newTestCompositor(Options{Image: logo, Opacity: tt.opacity, Location: BottomRight}, dir, fv)

			out, err := c.Apply(context.Background(), "/v/clip_masked.mp4", nil)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "clip_masked_wm.mp4"), out)
			require.Len(t, fv.out, 3)

			// Logo is 20x10 at (130,40): frame 200x100 minus box minus the 50px margin.
			for _, frame := range fv.out {
				inside := frame.RGBAAt(135, 45)
				assert.InDelta(t, tt.want, inside.R, 1)
				assert.Equal(t, uint8(0), inside.G)
				assert.Equal(t, uint8(255), inside.A)
				assert.Equal(t, color.RGBA{A: 255}, frame.RGBAAt(129, 45))
				assert.Equal(t, color.RGBA{A: 255}, frame.RGBAAt(150, 45))
				assert.Equal(t, color.RGBA{A: 255}, frame.RGBAAt(135, 39))
			}
		})
	}
}

func TestApplyTextOnlyStaysInItsBox(t *testing.T) {
	fv := &fakeVideo{w: 320, h: 240, frames: 2}
	c := newTestCompositor(Options{Text: "VEIL", Opacity: 100, Location: TopLeft}, t.TempDir(), fv)

	var progress []float64
	_, err := c.Apply(context.Background(), "/v/clip.mp4", func(f float64) { progress = append(progress, f) })
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1}, progress)

	// "VEIL" in the 7x13 face is 28px wide, drawn with its baseline at y=68.
	box := image.Rect(50, 50, 50+28, 72)
	for _, frame := range fv.out {
		lit := 0
		for y := 0; y < frame.Rect.Dy(); y++ {
			for x := 0; x < frame.Rect.Dx(); x++ {
				px := frame.RGBAAt(x, y)
				if px.R == 0 && px.G == 0 && px.B == 0 {
					continue
				}
				require.True(t, image.Pt(x, y).In(box), "pixel (%d,%d) drawn outside the caption box", x, y)
				lit++
			}
		}
		assert.Positive(t, lit)
	}
}

func TestApplyWithBrokenLogoStillDrawsText(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "broken.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))
	fv := &fakeVideo{w: 160, h: 120, frames: 1}
	c := newTestCompositor(Options{Text: "x", Image: bad, Location: Center}, t.TempDir(), fv)

	_, err := c.Apply(context.Background(), "/v/clip.mp4", nil)
	require.NoError(t, err)
	require.Len(t, fv.out, 1)

	lit := false
	for i := 0; i < len(fv.out[0].Pix); i += 4 {
		if fv.out[0].Pix[i] != 0 {
			lit = true
			break
		}
	}
	assert.True(t, lit)
}

func TestApplyPropagatesTranscodeFailure(t *testing.T) {
	boom := errors.New("encoder exited")
	fv := &fakeVideo{w: 64, h: 48, frames: 1, err: boom}
	c := newTestCompositor(Options{Text: "veil"}, t.TempDir(), fv)
	_, err := c.Apply(context.Background(), "/v/clip.mp4", nil)
	assert.ErrorIs(t, err, boom)
}
