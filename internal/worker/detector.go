package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/andresmejia3/veil/internal/detectlog"
	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/types"
)

// Conn is the detector side of the protocol as seen by Detect.
type Conn interface {
	Send(v any) error
	Receive() (types.WorkerMessage, error)
	Close() error
}

// Options configure the detector invocation.
type Options struct {
	Command   []string
	Threshold float64
	Classes   []int
}

// Detector turns a video into a structured detection log by driving the
// external detector process.
type Detector struct {
	opts   Options
	logger *zap.Logger
	start  func(ctx context.Context, argv []string) (Conn, *Process, error)
}

// NewDetector returns a detector running opts.Command per video.
func NewDetector(opts Options, logger *zap.Logger) *Detector {
	return &Detector{
		opts:   opts,
		logger: logging.Component(logger, "detector"),
		start: func(ctx context.Context, argv []string) (Conn, *Process, error) {
			p, err := Start(ctx, argv)
			return p, p, err
		},
	}
}

// Detect runs the detector on videoPath, writes <base>.json next to it and
// returns the log path.
func (d *Detector) Detect(ctx context.Context, videoPath string, progress func(float64)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", failure.Wrap(failure.ErrCancelled, "detect", "", err)
	}
	d.logger.Info("detection started", zap.String("video", videoPath), zap.Stringer("detector", d.opts))
	conn, proc, err := d.start(ctx, d.opts.Command)
	if err != nil {
		return "", failure.Wrap(failure.ErrConfig, "detect", "start detector", err)
	}

	records, meta, err := d.collect(ctx, conn, videoPath, progress)
	closeErr := conn.Close()
	if err != nil {
		if ctx.Err() != nil {
			return "", failure.Wrap(failure.ErrCancelled, "detect", "", ctx.Err())
		}
		if proc != nil {
			if tail := proc.Cmd.StderrTail(2048); tail != "" {
				d.logger.Error("detector stderr", zap.String("video", videoPath), zap.String("stderr", tail))
			}
		}
		return "", err
	}
	if closeErr != nil {
		d.logger.Warn("detector exited uncleanly", zap.String("video", videoPath), zap.Error(closeErr))
	}

	path := detectlog.StructuredPath(videoPath)
	if err := detectlog.WriteStructured(path, meta, records); err != nil {
		return "", failure.Wrap(failure.ErrIO, "detect", "write log", err)
	}
	d.logger.Info("detection log written",
		zap.String("video", videoPath),
		zap.String("log", path),
		zap.Int("records", len(records)))
	if progress != nil {
		progress(1)
	}
	return path, nil
}

func (d *Detector) collect(ctx context.Context, conn Conn, videoPath string, progress func(float64)) ([]detectlog.Record, map[string]any, error) {
	req := types.DetectRequest{Video: videoPath, Threshold: d.opts.Threshold, Classes: d.opts.Classes}
	if err := conn.Send(req); err != nil {
		return nil, nil, failure.Wrap(failure.ErrIO, "detect", "send request", err)
	}

	var records []detectlog.Record
	meta := map[string]any{"video": videoPath}
	last := 0.0
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, failure.Wrap(failure.ErrCancelled, "detect", "", err)
		}
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, nil, failure.Wrap(failure.ErrIO, "detect", "detector exited before finishing", err)
			}
			return nil, nil, failure.Wrap(failure.ErrIO, "detect", "read response", err)
		}

		switch msg.Type {
		case "progress":
			if progress != nil && msg.Progress > last && msg.Progress < 1 {
				last = msg.Progress
				progress(msg.Progress)
			}
		case "detections":
			for _, det := range msg.Detections {
				if r, ok := recordFromDetection(msg.Frame, det); ok {
					records = append(records, r)
				}
			}
		case "done":
			if msg.Width > 0 {
				meta["width"] = msg.Width
				meta["height"] = msg.Height
			}
			if msg.FPS > 0 {
				meta["fps"] = msg.FPS
			}
			if msg.Frames > 0 {
				meta["total_frames"] = msg.Frames
			}
			return records, meta, nil
		case "error":
			return nil, nil, failure.Wrap(failure.ErrInput, "detect", msg.Error, nil)
		default:
			d.logger.Debug("ignoring detector message", zap.String("type", msg.Type))
		}
	}
}

func recordFromDetection(frame int, det types.Detection) (detectlog.Record, bool) {
	if len(det.BBox) != 4 {
		return detectlog.Record{}, false
	}
	return detectlog.Record{
		Frame:    frame,
		TrackID:  det.TrackID,
		Geometry: detectlog.Rect(det.BBox[0], det.BBox[1], det.BBox[2], det.BBox[3]),
		Score:    det.Score,
		ClassID:  det.ClassID,
	}, true
}

// String describes the configured command for logs.
func (o Options) String() string {
	return fmt.Sprintf("%v (threshold %.2f)", o.Command, o.Threshold)
}
