package masking

import (
	"context"
	"image"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/andresmejia3/veil/internal/detectlog"
	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/video"
)

// Mode is how a whole video is processed.
type Mode int

const (
	// ModeLog applies the policy per frame from a detection log.
	ModeLog Mode = iota
	// ModeWholeFrame applies the effect to every pixel of every frame.
	ModeWholeFrame
	// ModePassThrough re-encodes every frame unchanged.
	ModePassThrough
)

func (m Mode) String() string {
	switch m {
	case ModeLog:
		return "log"
	case ModeWholeFrame:
		return "whole-frame"
	case ModePassThrough:
		return "pass-through"
	default:
		return "unknown"
	}
}

// ChooseMode decides the processing mode. A range with a usable log masks per
// frame. A full-frame request without a usable log masks every pixel whatever
// the range. Anything else passes through unchanged.
func ChooseMode(p Policy, allMasking, haveLog bool) Mode {
	switch {
	case p.Range != RangeNone && haveLog:
		return ModeLog
	case allMasking:
		return ModeWholeFrame
	default:
		return ModePassThrough
	}
}

// Request describes one masking run.
type Request struct {
	Input      string
	OutputDir  string
	Policy     Policy
	AllMasking bool
	// LogPath overrides the detection log lookup next to Input.
	LogPath string
}

// Result describes the artifact a masking run produced.
type Result struct {
	Output string
	Mode   Mode
	Log    string
}

// transcodeFunc matches video.Transcode.
type transcodeFunc func(ctx context.Context, src, dst string, fn video.FrameFunc, progress video.ProgressFunc) error

// Processor turns a source video into a redacted artifact.
type Processor struct {
	logger    *zap.Logger
	transcode transcodeFunc
}

// NewProcessor returns a Processor that transcodes with ffmpeg.
func NewProcessor(logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		logger:    logging.Component(logger, "masking"),
		transcode: video.Transcode,
	}
}

// OutputPath returns where a run in mode m writes its artifact.
func OutputPath(input, outputDir string, m Mode) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	if outputDir == "" {
		outputDir = filepath.Dir(input)
	}
	suffix := "_masked.mp4"
	if m == ModeWholeFrame {
		suffix = "_allmasked.mp4"
	}
	return filepath.Join(outputDir, base+suffix)
}

// Export masks req.Input according to the policy and returns the artifact with
// the mode that produced it.
// progress receives fractions in [0,1].
func (p *Processor) Export(ctx context.Context, req Request, progress func(float64)) (Result, error) {
	var index *detectlog.Index
	logPath := ""
	if req.Policy.Range != RangeNone {
		index, logPath = p.loadLog(req)
	}

	mode := ChooseMode(req.Policy, req.AllMasking, index != nil)
	out := OutputPath(req.Input, req.OutputDir, mode)
	log := p.logger.With(
		zap.String("input", req.Input),
		zap.String("output", out),
		zap.String("mode", mode.String()),
		zap.String("policy", req.Policy.String()),
	)
	switch {
	case mode == ModePassThrough && req.Policy.Range != RangeNone:
		log.Warn("no usable detection log, re-encoding without masking")
	case mode == ModeWholeFrame && req.Policy.Range != RangeNone:
		log.Warn("no usable detection log, masking whole frames")
	}
	log.Info("masking started", zap.String("log", logPath))

	var fn video.FrameFunc
	switch mode {
	case ModeLog:
		policy := req.Policy
		fn = func(i int, frame *image.RGBA) error {
			if records := index.Frame(i); len(records) > 0 || policy.Range == RangeBackground {
				Apply(frame, records, policy)
			}
			return nil
		}
	case ModeWholeFrame:
		tool, lvl := req.Policy.Tool, req.Policy.Strength
		fn = func(_ int, frame *image.RGBA) error {
			ApplyWhole(frame, tool, lvl)
			return nil
		}
	}

	report := func(f float64) {
		if progress != nil {
			progress(f)
		}
	}
	if err := p.transcode(ctx, req.Input, out, fn, report); err != nil {
		if failure.Cancelled(err) {
			log.Info("masking cancelled")
		} else {
			log.Error("masking failed", zap.Error(err))
		}
		return Result{}, err
	}
	log.Info("masking completed")
	return Result{Output: out, Mode: mode, Log: logPath}, nil
}

// loadLog finds and parses the detection log for req. A nil index means no
// usable log exists.
func (p *Processor) loadLog(req Request) (*detectlog.Index, string) {
	path := req.LogPath
	if path == "" {
		found, ok := detectlog.Find(req.Input)
		if !ok {
			return nil, ""
		}
		path = found
	}
	parsed, err := detectlog.Load(path)
	if err != nil {
		p.logger.Warn("detection log unusable", zap.String("log", path), zap.Error(err))
		return nil, path
	}
	if parsed.Skipped > 0 {
		p.logger.Warn("detection log rows skipped", zap.String("log", path), zap.Int("skipped", parsed.Skipped))
	}
	return parsed.Index, path
}
