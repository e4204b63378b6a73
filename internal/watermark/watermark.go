// Package watermark stamps a logo and a caption onto every frame of a video.
package watermark

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/video"
)

// Location picks the corner, or the centre, the stamp is anchored to.
type Location int

const (
	TopLeft Location = iota + 1
	TopRight
	Center
	BottomLeft
	BottomRight
)

const (
	margin = 50
	// textGap separates the logo from the caption below it.
	textGap = 5
	suffix  = "_wm"
)

// Options describe the stamp.
type Options struct {
	Text     string
	Image    string
	Opacity  int // 0-100, applied to the logo
	Location Location
}

type transcodeFunc func(ctx context.Context, src, dst string, fn video.FrameFunc, progress video.ProgressFunc) error

// Compositor draws the stamp over each decoded frame and re-encodes the video.
type Compositor struct {
	opts      Options
	outputDir string
	logger    *zap.Logger
	transcode transcodeFunc
}

// New returns a compositor writing into outputDir. An empty outputDir writes
// next to the source.
func New(opts Options, outputDir string, logger *zap.Logger) *Compositor {
	return &Compositor{
		opts:      opts,
		outputDir: outputDir,
		logger:    logging.Component(logger, "watermark"),
		transcode: video.Transcode,
	}
}

// Applied reports whether path already carries a watermark.
func Applied(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.HasSuffix(base, suffix)
}

// OutputPath returns <outputDir>/<base>_wm.mp4.
func OutputPath(src, outputDir string) string {
	if outputDir == "" {
		outputDir = filepath.Dir(src)
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(outputDir, base+suffix+".mp4")
}

// Apply writes a watermarked copy of src and returns its path. A source that
// is already watermarked, or an empty stamp, is returned unchanged.
func (c *Compositor) Apply(ctx context.Context, src string, progress func(float64)) (string, error) {
	done := func() {
		if progress != nil {
			progress(1)
		}
	}
	if Applied(src) {
		c.logger.Info("watermark already applied, skipping", zap.String("input", src))
		done()
		return src, nil
	}

	logo := c.loadLogo()
	if logo == nil && c.opts.Text == "" {
		c.logger.Warn("watermark has neither text nor a usable image, skipping", zap.String("input", src))
		done()
		return src, nil
	}

	dst := OutputPath(src, c.outputDir)
	c.logger.Info("watermark started", zap.String("input", src), zap.String("output", dst))

	var st *stamp
	err := c.transcode(ctx, src, dst, func(_ int, frame *image.RGBA) error {
		if st == nil {
			st = newStamp(frame.Rect.Size(), logo, c.opts)
		}
		st.draw(frame)
		return nil
	}, progress)
	if err != nil {
		c.logger.Error("watermark failed", zap.String("input", src), zap.Error(err))
		return "", err
	}
	c.logger.Info("watermark completed", zap.String("output", dst))
	return dst, nil
}

// loadLogo decodes the configured image. A missing or broken logo only drops
// the logo; the caption is still drawn.
func (c *Compositor) loadLogo() image.Image {
	if c.opts.Image == "" {
		return nil
	}
	img, err := decodeImage(c.opts.Image)
	if err != nil {
		c.logger.Warn("watermark image unusable, drawing text only", zap.String("image", c.opts.Image), zap.Error(err))
		return nil
	}
	return img
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failure.Wrap(failure.ErrInput, "watermark", fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, failure.Wrap(failure.ErrInput, "watermark", fmt.Sprintf("decode %s", path), err)
	}
	return img, nil
}

// stamp is the prepared overlay for one frame size.
type stamp struct {
	logo     *image.NRGBA
	logoAt   image.Point
	mask     *image.Uniform
	text     string
	textDot  fixed.Point26_6
	textFace font.Face
}

func newStamp(frame image.Point, logo image.Image, opts Options) *stamp {
	st := &stamp{text: opts.Text, textFace: basicfont.Face7x13}
	opacity := min(100, max(0, opts.Opacity))
	st.mask = image.NewUniform(color.Alpha{A: uint8(opacity * 255 / 100)})

	var logoW, logoH int
	if logo != nil {
		st.logo = scaleLogo(logo, frame.X)
		logoW, logoH = st.logo.Rect.Dx(), st.logo.Rect.Dy()
	}

	var textW, textH int
	if st.text != "" {
		textW = font.MeasureString(st.textFace, st.text).Ceil()
		textH = st.textFace.Metrics().Height.Ceil()
	}

	boxW, boxH := logoW, logoH
	if st.text != "" {
		boxW = max(logoW, textW)
		boxH = logoH + textH + textGap
	}
	origin := anchor(frame, image.Pt(boxW, boxH), opts.Location)
	st.logoAt = origin

	if st.text != "" {
		span := boxW
		if st.logo != nil {
			span = logoW
		}
		x := origin.X + (span-textW)/2
		y := origin.Y + logoH + textH + textGap
		x = max(0, min(x, frame.X-textW))
		y = max(textH+1, min(y, frame.Y-textGap))
		st.textDot = fixed.P(x, y)
	}
	return st
}

// scaleLogo resizes logo to a tenth of the frame width, keeping its aspect.
func scaleLogo(logo image.Image, frameW int) *image.NRGBA {
	b := logo.Bounds()
	w := max(1, frameW/10)
	h := max(1, b.Dy()*w/max(1, b.Dx()))
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Rect, logo, b, draw.Src, nil)
	return dst
}

func anchor(frame, box image.Point, loc Location) image.Point {
	right := max(0, frame.X-box.X-margin)
	bottom := max(0, frame.Y-box.Y-margin)
	switch loc {
	case TopLeft:
		return image.Pt(margin, margin)
	case TopRight:
		return image.Pt(right, margin)
	case Center:
		return image.Pt(max(0, frame.X-box.X)/2, max(0, frame.Y-box.Y)/2)
	case BottomLeft:
		return image.Pt(margin, bottom)
	default:
		return image.Pt(right, bottom)
	}
}

func (s *stamp) draw(frame *image.RGBA) {
	if s.logo != nil {
		r := s.logo.Rect.Add(s.logoAt).Add(frame.Rect.Min)
		draw.DrawMask(frame, r, s.logo, image.Point{}, s.mask, image.Point{}, draw.Over)
	}
	if s.text != "" {
		d := font.Drawer{
			Dst:  frame,
			Src:  image.White,
			Face: s.textFace,
			Dot:  s.textDot.Add(fixed.P(frame.Rect.Min.X, frame.Rect.Min.Y)),
		}
		d.DrawString(s.text)
	}
}
