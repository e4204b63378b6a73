package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/andresmejia3/veil/internal/job"
	"github.com/andresmejia3/veil/internal/pipeline"
)

const pollInterval = 200 * time.Millisecond

// errJobCancelled is returned when a followed job ends cancelled.
var errJobCancelled = errors.New("job cancelled")

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// submit starts fn as a job and follows it until it is terminal. Ctrl+C on
// ctx turns into a cancellation request for the job.
func submit(ctx context.Context, kind, label string, sizeMB float64, fn pipeline.Func) (pipeline.View, error) {
	id, eta, err := jobs.Submit(ctx, kind, sizeMB, fn)
	if err != nil {
		return pipeline.View{}, err
	}
	logger.Debug("job queued", zap.String("job_id", id), zap.String("eta", eta))
	if eta != "" {
		fmt.Fprintf(os.Stderr, "⏳ %s started (estimated completion %s)\n", label, eta)
	}

	v, err := follow(ctx, id, label, os.Stderr)
	if err != nil {
		return v, err
	}
	switch v.Status {
	case job.StatusCompleted:
		return v, nil
	case job.StatusCancelled:
		fmt.Fprintf(os.Stderr, "🛑 %s cancelled\n", label)
		return v, shownError{errJobCancelled}
	default:
		return v, showError(fmt.Sprintf("%s failed during %s", label, v.Phase), errors.New(v.Error))
	}
}

func follow(ctx context.Context, id, label string, w io.Writer) (pipeline.View, error) {
	render := newLineRenderer(w, label)
	if isTerminal(w) {
		render = newBarRenderer(w, label)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	cancelled := false
	for {
		v, err := jobs.Status(context.Background(), id)
		if err != nil {
			return pipeline.View{}, err
		}
		render(v)
		if v.Status.Terminal() {
			return v, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				fmt.Fprintln(w)
				fmt.Fprintln(w, "⚠️  Interrupt received, stopping job...")
				if _, err := jobs.Cancel(context.Background(), id); err != nil {
					return pipeline.View{}, err
				}
			}
			// The job finishes on its own goroutine; keep polling without ctx.
			ctx = context.Background()
		}
	}
}

func newBarRenderer(w io.Writer, label string) func(pipeline.View) {
	bar := progressbar.NewOptions64(10000,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
	phase := ""
	return func(v pipeline.View) {
		desc := label
		if v.Phase != "" {
			desc = fmt.Sprintf("%s [%s]", label, v.Phase)
		}
		if v.Total > 1 {
			desc = fmt.Sprintf("%s %d/%d %s", desc, v.Current, v.Total, v.CurrentItem)
		}
		if desc != phase {
			bar.Describe(desc)
			phase = desc
		}
		if v.Status == job.StatusCompleted {
			_ = bar.Finish()
			return
		}
		_ = bar.Set64(int64(v.Progress * 100))
	}
}

// newLineRenderer prints a line per phase change and per 10% step.
func newLineRenderer(w io.Writer, label string) func(pipeline.View) {
	lastPhase, lastStep := "", -1
	return func(v pipeline.View) {
		step := int(v.Progress) / 10
		if v.Phase == lastPhase && step == lastStep && !v.Status.Terminal() {
			return
		}
		lastPhase, lastStep = v.Phase, step
		fmt.Fprintf(w, "%s: %-9s %6.2f%% %s\n", label, v.Phase, v.Progress, v.Status)
	}
}
