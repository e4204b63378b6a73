// Package pipeline sequences the phases of a job and wires each phase's
// progress into its band of the job's overall progress.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/job"
)

// Phase is one sequential step of a pipeline.
type Phase struct {
	Name string
	Band job.Band
	Run  func(ctx context.Context, progress func(float64)) error
}

// Runner executes phases in order for one job.
type Runner struct {
	tracker *job.Tracker
	logger  *zap.Logger
}

// NewRunner binds phases to tracker.
func NewRunner(tracker *job.Tracker, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{tracker: tracker, logger: logger}
}

// Tracker returns the job being driven.
func (r *Runner) Tracker() *job.Tracker { return r.tracker }

// Run executes phases sequentially. Cancellation is checked between phases;
// the first failure stops the run and is returned unchanged.
func (r *Runner) Run(ctx context.Context, phases ...Phase) error {
	for _, p := range phases {
		if err := r.checkpoint(ctx, p.Name); err != nil {
			return err
		}
		r.tracker.SetPhase(p.Name)
		log := r.logger.With(zap.String("phase", p.Name))
		log.Info("phase started", zap.String("event_type", "phase_start"))
		started := time.Now()

		band := p.Band
		err := p.Run(ctx, func(f float64) { r.tracker.Update(f, band) })
		if err != nil {
			if failure.Cancelled(err) {
				log.Info("phase cancelled", zap.String("event_type", "phase_cancelled"))
			} else {
				log.Error("phase failed", zap.String("event_type", "phase_failure"), zap.Error(err))
			}
			return err
		}
		r.tracker.Update(1, band)
		log.Info("phase completed",
			zap.String("event_type", "phase_complete"),
			zap.Duration("duration", time.Since(started)))
	}
	return nil
}

func (r *Runner) checkpoint(ctx context.Context, phase string) error {
	if err := ctx.Err(); err != nil {
		return failure.Wrap(failure.ErrCancelled, phase, "", err)
	}
	if r.tracker.CancelRequested() {
		return failure.Wrap(failure.ErrCancelled, phase, "stop requested", nil)
	}
	return nil
}

// ItemBand is the band of item i of n, restricted to inner percent of the item.
// Mapping a fraction f through it yields (i + p/100)/n where p is inner mapped at f.
func ItemBand(i, n int, inner job.Band) job.Band {
	if n <= 0 {
		return inner
	}
	item := job.Band{Start: 100 * float64(i) / float64(n), End: 100 * float64(i+1) / float64(n)}
	return item.Sub(inner)
}

// within reports whether path lies under dir.
func within(path, dir string) bool {
	if path == "" || dir == "" {
		return false
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	d, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(d, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// removeIntermediates deletes superseded artifacts that live under dir. Paths
// equal to any of keep are left alone. Removal is retried briefly because a
// just-closed encoder may still hold the file on some platforms.
func removeIntermediates(logger *zap.Logger, dir string, keep []string, paths ...string) {
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		if abs, err := filepath.Abs(k); err == nil {
			kept[abs] = true
		}
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || p == "" || kept[abs] {
			continue
		}
		if !within(abs, dir) {
			logger.Warn("intermediate outside output directory, keeping", zap.String("path", p))
			continue
		}
		for attempt := 0; attempt < 3; attempt++ {
			err = os.Remove(abs)
			if err == nil || errors.Is(err, os.ErrNotExist) {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("intermediate not removed", zap.String("path", p), zap.Error(err))
			continue
		}
		kept[abs] = true
		logger.Debug("intermediate removed", zap.String("path", p))
	}
}
