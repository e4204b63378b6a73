// Package logging builds the zap logger used across veil.
//
// Every logger created by New writes through a single Sink, so producers on
// job goroutines never wait on terminal or file I/O.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	Level       string
	Format      string // console or json
	Dir         string // optional directory for daily log files
	Development bool
	Output      io.Writer // defaults to stderr
}

// New creates a logger and the sink backing it. Call Sink.Close on shutdown.
func New(opts Options) (*zap.Logger, *Sink, error) {
	level := zapcore.InfoLevel
	if strings.TrimSpace(opts.Level) != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var encCfg zapcore.EncoderConfig
	if opts.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encCfg = zap.NewProductionEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}

	var out io.Writer = os.Stderr
	if opts.Output != nil {
		out = opts.Output
	}
	syncers := []zapcore.WriteSyncer{zapcore.AddSync(out)}
	if opts.Dir != "" {
		file, err := openDailyFile(opts.Dir, time.Now())
		if err != nil {
			return nil, nil, err
		}
		syncers = append(syncers, file)
	}

	sink := NewSink(zapcore.NewMultiWriteSyncer(syncers...))
	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	logger := zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	return logger, sink, nil
}

// Component returns a child logger tagged with the owning subsystem.
func Component(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(zap.String("component", name))
}

// Job returns a child logger tagged with a job identifier and kind.
func Job(logger *zap.Logger, id, kind string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(zap.String("job_id", id), zap.String("job_kind", kind))
}

// openDailyFile opens <dir>/<YYYYMMDD>/veil.log for appending.
func openDailyFile(dir string, now time.Time) (*os.File, error) {
	dayDir := filepath.Join(dir, now.Format("20060102"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dayDir, err)
	}
	path := filepath.Join(dayDir, "veil.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return file, nil
}
