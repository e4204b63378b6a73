package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/veil/internal/container"
	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/job"
	"github.com/andresmejia3/veil/internal/masking"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
)

// Masker produces the redacted artifact for a video.
type Masker interface {
	Export(ctx context.Context, req masking.Request, progress func(float64)) (masking.Result, error)
}

// Watermarker stamps a video and returns the new artifact path.
type Watermarker interface {
	Apply(ctx context.Context, src string, progress func(float64)) (string, error)
}

// Detector writes a detection log for a video and returns its path.
type Detector interface {
	Detect(ctx context.Context, videoPath string, progress func(float64)) (string, error)
}

// Codec encrypts and decrypts deliverables.
type Codec interface {
	EncodeFile(ctx context.Context, src, dst string, key []byte, meta *container.Metadata, progress func(float64)) error
	DecodeFile(ctx context.Context, src, dst string, key []byte, progress container.StageFunc) (*container.Metadata, error)
}

// Ledger records exported deliverables.
type Ledger interface {
	Insert(ctx context.Context, r store.Record) (int64, error)
}

// Phase bands, in percent of the whole job.
var (
	exportBands = struct{ Mask, Watermark, Encrypt, Record job.Band }{
		Mask:      job.Band{Start: 0, End: 20},
		Watermark: job.Band{Start: 20, End: 40},
		Encrypt:   job.Band{Start: 40, End: 95},
		Record:    job.Band{Start: 95, End: 100},
	}
	maskBands = struct{ Mask, Watermark job.Band }{
		Mask:      job.Band{Start: 0, End: 80},
		Watermark: job.Band{Start: 80, End: 100},
	}
	// Batch bands are in percent of one item.
	batchBands = struct{ Detect, Mask, Watermark job.Band }{
		Detect:    job.Band{Start: 0, End: 50},
		Mask:      job.Band{Start: 50, End: 80},
		Watermark: job.Band{Start: 80, End: 100},
	}
	decryptBands = map[container.Stage]job.Band{
		container.StageDecrypt: {Start: 0, End: 45},
		container.StageVerify:  {Start: 45, End: 90},
		container.StageWrite:   {Start: 90, End: 99},
	}
	decryptDone = job.Band{Start: 99, End: 100}
)

// MetadataDateLayout is the play date format stored inside containers.
const MetadataDateLayout = "2006-01-02"

// Pipelines holds the collaborators shared by every pipeline.
type Pipelines struct {
	Masker      Masker
	Watermarker Watermarker
	Detector    Detector
	Codec       Codec
	// Ledger is optional.
	Ledger    Ledger
	OutputDir string
	Logger    *zap.Logger
	Now       func() time.Time
}

func (p *Pipelines) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipelines) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// MaskOptions select what happens to one video.
type MaskOptions struct {
	Policy     masking.Policy
	AllMasking bool
	// LogPath overrides detection log discovery.
	LogPath   string
	Watermark bool
}

// ExportRequest describes one export.
type ExportRequest struct {
	Input string
	MaskOptions
	Key       []byte
	PlayDays  int
	PlayCount int
	// Output overrides <output_dir>/<base>.veil.
	Output string
}

// DeliverablePath is where an export of input is written.
func DeliverablePath(input, outputDir string) string {
	if outputDir == "" {
		outputDir = filepath.Dir(input)
	}
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(outputDir, base+container.Extension)
}

// maskPhase produces the redacted artifact. Any failure other than a stop
// request is a masking failure, which halts the run before encryption. With
// requireRedaction set, an unmasked pass-through artifact is a failure too.
func (p *Pipelines) maskPhase(name string, band job.Band, input string, opts *MaskOptions, requireRedaction bool, out *masking.Result) Phase {
	return Phase{Name: name, Band: band, Run: func(ctx context.Context, progress func(float64)) error {
		res, err := p.Masker.Export(ctx, masking.Request{
			Input:      input,
			OutputDir:  p.OutputDir,
			Policy:     opts.Policy,
			AllMasking: opts.AllMasking,
			LogPath:    opts.LogPath,
		}, progress)
		if err != nil {
			if failure.Cancelled(err) {
				return err
			}
			return failure.Wrap(failure.ErrMasking, name, "no redacted artifact", err)
		}
		if _, statErr := os.Stat(res.Output); res.Output == "" || statErr != nil {
			return failure.Wrap(failure.ErrMasking, name, "redacted artifact missing", statErr)
		}
		if requireRedaction && res.Mode == masking.ModePassThrough {
			p.logger().Warn("masking applied no redaction",
				zap.String("input", input), zap.String("artifact", res.Output))
			return failure.Wrap(failure.ErrMasking, name, "no redaction applied, export forbidden", nil)
		}
		*out = res
		return nil
	}}
}

// watermarkPhase stamps the masked artifact. current ends as the path of the
// newest artifact, which is the masked one when watermarking is off.
func (p *Pipelines) watermarkPhase(band job.Band, enabled bool, masked *masking.Result, current *string) Phase {
	return Phase{Name: "watermark", Band: band, Run: func(ctx context.Context, progress func(float64)) error {
		*current = masked.Output
		if !enabled || p.Watermarker == nil {
			return nil
		}
		out, err := p.Watermarker.Apply(ctx, masked.Output, progress)
		if err != nil {
			return err
		}
		*current = out
		return nil
	}}
}

// Export masks, optionally watermarks, encrypts and records one video.
func (p *Pipelines) Export(ctx context.Context, r *Runner, req ExportRequest) (string, error) {
	if !container.ValidKeyLength(len(req.Key)) {
		return "", failure.Wrap(failure.ErrConfig, "export", fmt.Sprintf("key must be 16, 24 or 32 bytes, got %d", len(req.Key)), nil)
	}
	var (
		masked  masking.Result
		current string
		dst     = req.Output
	)
	if dst == "" {
		dst = DeliverablePath(req.Input, p.OutputDir)
	}
	playDate := p.now().AddDate(0, 0, req.PlayDays)

	err := r.Run(ctx,
		p.maskPhase("mask", exportBands.Mask, req.Input, &req.MaskOptions, true, &masked),
		p.watermarkPhase(exportBands.Watermark, req.Watermark, &masked, &current),
		Phase{Name: "encrypt", Band: exportBands.Encrypt, Run: func(ctx context.Context, progress func(float64)) error {
			// Never encrypt anything but a redacted artifact.
			if masked.Output == "" || masked.Mode == masking.ModePassThrough || current == "" || current == req.Input {
				return failure.Wrap(failure.ErrMasking, "encrypt", "refusing to encrypt unredacted source", nil)
			}
			meta := &container.Metadata{PlayDate: playDate.Format(MetadataDateLayout), PlayCount: req.PlayCount}
			return p.Codec.EncodeFile(ctx, current, dst, req.Key, meta, progress)
		}},
		Phase{Name: "record", Band: exportBands.Record, Run: func(ctx context.Context, progress func(float64)) error {
			hash, err := utils.HashFile(dst)
			if err != nil {
				return failure.Wrap(failure.ErrIO, "record", "hash deliverable", err)
			}
			progress(0.5)
			if p.Ledger == nil {
				p.logger().Debug("no ledger configured", zap.String("hash", hash))
				return nil
			}
			_, err = p.Ledger.Insert(ctx, store.Record{
				FileHash:        hash,
				OriginalName:    filepath.Base(req.Input),
				OriginalPath:    filepath.Dir(req.Input),
				MaskedName:      filepath.Base(masked.Output),
				MaskingStatus:   store.StatusSuccess,
				EncryptedName:   filepath.Base(dst),
				EncryptedStatus: store.StatusSuccess,
				PlayDate:        playDate,
				PlayCount:       req.PlayCount,
			})
			if err != nil {
				return failure.Wrap(failure.ErrIO, "record", "insert ledger row", err)
			}
			return nil
		}},
	)
	if err != nil {
		return "", err
	}
	removeIntermediates(p.logger(), p.OutputDir, []string{req.Input, dst}, masked.Output, current)
	return dst, nil
}

// Mask masks and optionally watermarks one video, returning the final artifact.
func (p *Pipelines) Mask(ctx context.Context, r *Runner, input string, opts MaskOptions) (string, error) {
	var (
		masked  masking.Result
		current string
	)
	err := r.Run(ctx,
		p.maskPhase("mask", maskBands.Mask, input, &opts, false, &masked),
		p.watermarkPhase(maskBands.Watermark, opts.Watermark, &masked, &current),
	)
	if err != nil {
		return "", err
	}
	removeIntermediates(p.logger(), p.OutputDir, []string{input, current}, masked.Output)
	return current, nil
}

// Batch runs detect, mask and watermark over every input. It stops at the
// first failing item; finished items keep their outputs.
func (p *Pipelines) Batch(ctx context.Context, r *Runner, inputs []string, opts MaskOptions) (string, error) {
	n := len(inputs)
	if n == 0 {
		return "", failure.Wrap(failure.ErrInput, "batch", "no inputs", nil)
	}
	outputs := make([]string, 0, n)
	for i, input := range inputs {
		r.Tracker().SetItem(i+1, n, filepath.Base(input))
		itemOpts := opts
		var (
			masked  masking.Result
			current string
		)
		err := r.Run(ctx,
			Phase{Name: "detect", Band: ItemBand(i, n, batchBands.Detect), Run: func(ctx context.Context, progress func(float64)) error {
				if p.Detector == nil {
					return nil
				}
				path, err := p.Detector.Detect(ctx, input, progress)
				if err != nil {
					return err
				}
				itemOpts.LogPath = path
				return nil
			}},
			p.maskPhase("mask", ItemBand(i, n, batchBands.Mask), input, &itemOpts, false, &masked),
			p.watermarkPhase(ItemBand(i, n, batchBands.Watermark), opts.Watermark, &masked, &current),
		)
		if err != nil {
			return "", fmt.Errorf("%s: %w", filepath.Base(input), err)
		}
		removeIntermediates(p.logger(), p.OutputDir, []string{input, current}, masked.Output)
		outputs = append(outputs, current)
	}
	return strings.Join(outputs, ", "), nil
}

// DecryptRequest describes one decryption.
type DecryptRequest struct {
	Input  string
	Output string
	Key    []byte
}

// DecryptedPath is where a decryption of input is written by default.
func DecryptedPath(input string) string {
	return strings.TrimSuffix(input, container.Extension) + "_decrypted.mp4"
}

// Decrypt authenticates and decrypts a deliverable.
func (p *Pipelines) Decrypt(ctx context.Context, r *Runner, req DecryptRequest) (string, *container.Metadata, error) {
	dst := req.Output
	if dst == "" {
		dst = DecryptedPath(req.Input)
	}
	var meta *container.Metadata
	err := r.Run(ctx,
		Phase{Name: "decrypt", Band: job.Band{Start: 0, End: 99}, Run: func(ctx context.Context, _ func(float64)) error {
			var err error
			meta, err = p.Codec.DecodeFile(ctx, req.Input, dst, req.Key, func(stage container.Stage, f float64) {
				r.Tracker().SetPhase(string(stage))
				r.Tracker().Update(f, decryptBands[stage])
			})
			return err
		}},
		Phase{Name: "done", Band: decryptDone, Run: func(context.Context, func(float64)) error { return nil }},
	)
	if err != nil {
		return "", nil, err
	}
	return dst, meta, nil
}
