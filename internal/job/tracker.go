package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/veil/internal/failure"
)

// message is one request to the tracker goroutine. apply mutates the owned job
// and reports whether anything changed; reply receives the resulting snapshot.
type message struct {
	apply func(j *Job) bool
	reply chan Job
}

// Tracker owns one job. All mutations are delivered as messages to a single
// goroutine, which is the only writer of the job's stored snapshot.
type Tracker struct {
	id     string
	store  Store
	logger *zap.Logger
	msgs   chan message
	done   chan struct{}
	stop   chan struct{}
	cancel context.CancelFunc
	now    func() time.Time
}

// NewTracker stores j as running and starts its owning goroutine. cancel, if
// non-nil, is called when cancellation is requested.
func NewTracker(ctx context.Context, store Store, j Job, cancel context.CancelFunc, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		id:     j.ID,
		store:  store,
		logger: logger,
		msgs:   make(chan message),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		cancel: cancel,
		now:    time.Now,
	}
	now := t.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = StatusRunning
	}
	j.Progress = Normalize(j.Progress)
	j.Version = 0
	if err := store.Put(ctx, j); err != nil {
		return nil, err
	}
	go t.run(j)
	return t, nil
}

// ID returns the tracked job id.
func (t *Tracker) ID() string { return t.id }

func (t *Tracker) run(j Job) {
	defer close(t.done)
	for {
		select {
		case m := <-t.msgs:
			if !j.Status.Terminal() && m.apply != nil && m.apply(&j) {
				j.UpdatedAt = t.now()
				j = t.persist(j)
			}
			m.reply <- j
		case <-t.stop:
			return
		}
	}
}

// persist writes j through compare-and-swap. A conflicting external write is
// resolved in favour of the tracker's view, keeping the larger progress.
func (t *Tracker) persist(j Job) Job {
	ctx := context.Background()
	ok, err := t.store.CompareAndSwap(ctx, j, j)
	if err == nil && ok {
		j.Version++
		return j
	}
	stored, gerr := t.store.Get(ctx, t.id)
	if gerr != nil {
		t.logger.Warn("job snapshot not persisted", zap.String("job_id", t.id), zap.Error(firstErr(err, gerr)))
		return j
	}
	if stored.Progress > j.Progress {
		j.Progress = stored.Progress
	}
	if stored.CancelRequested {
		j.CancelRequested = true
	}
	j.Version = stored.Version
	if ok, err = t.store.CompareAndSwap(ctx, stored, j); err != nil || !ok {
		t.logger.Warn("job snapshot not persisted", zap.String("job_id", t.id), zap.Error(err))
		return j
	}
	j.Version = stored.Version + 1
	return j
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// send delivers apply to the owning goroutine and waits for the result. After
// Close it returns the last stored snapshot.
func (t *Tracker) send(apply func(j *Job) bool) Job {
	m := message{apply: apply, reply: make(chan Job, 1)}
	select {
	case t.msgs <- m:
		return <-m.reply
	case <-t.done:
		j, _ := t.store.Get(context.Background(), t.id)
		return j
	}
}

// Update maps a phase fraction through band and raises progress to it. Lower
// values are ignored, so progress never regresses.
func (t *Tracker) Update(fraction float64, band Band) Job {
	mapped := band.Map(fraction)
	return t.send(func(j *Job) bool {
		if mapped <= j.Progress {
			return false
		}
		j.Progress = mapped
		return true
	})
}

// SetPhase records the current phase name.
func (t *Tracker) SetPhase(name string) Job {
	return t.send(func(j *Job) bool {
		if j.Phase == name {
			return false
		}
		j.Phase = name
		return true
	})
}

// SetItem records batch position.
func (t *Tracker) SetItem(current, total int, name string) Job {
	return t.send(func(j *Job) bool {
		j.Current, j.Total, j.CurrentItem = current, total, name
		return true
	})
}

// SetETA records the estimated completion time.
func (t *Tracker) SetETA(eta time.Time) Job {
	formatted := eta.Format(ETALayout)
	return t.send(func(j *Job) bool {
		j.ETA = formatted
		return true
	})
}

// Complete marks the job completed with result. A job whose cancellation was
// requested ends cancelled instead.
func (t *Tracker) Complete(result string) Job {
	return t.send(func(j *Job) bool {
		if j.CancelRequested {
			j.Status = StatusCancelled
			j.Error = failure.ErrCancelled.Error()
			return true
		}
		j.Status = StatusCompleted
		j.Result = result
		j.Progress = 1
		j.Phase = "done"
		return true
	})
}

// Fail marks the job cancelled or errored depending on err. Any failure after a
// cancellation request counts as cancelled.
func (t *Tracker) Fail(err error) Job {
	status := StatusError
	if failure.Cancelled(err) {
		status = StatusCancelled
	}
	msg := failure.Message(err)
	return t.send(func(j *Job) bool {
		if j.CancelRequested {
			status = StatusCancelled
		}
		j.Status = status
		j.Error = msg
		return true
	})
}

// Cancel raises the cancellation flag and signals the running phase.
func (t *Tracker) Cancel() Job {
	j := t.send(func(j *Job) bool {
		if j.CancelRequested {
			return false
		}
		j.CancelRequested = true
		return true
	})
	if t.cancel != nil && !j.Status.Terminal() {
		t.cancel()
	}
	return j
}

// CancelRequested reports whether a stop was requested. Phases poll it at
// frame or chunk boundaries.
func (t *Tracker) CancelRequested() bool {
	return t.Snapshot().CancelRequested
}

// Snapshot returns the current job state.
func (t *Tracker) Snapshot() Job {
	return t.send(nil)
}

// Close stops the owning goroutine. Later calls return the stored snapshot
// without changing it.
func (t *Tracker) Close() {
	select {
	case <-t.done:
	default:
		select {
		case t.stop <- struct{}{}:
		case <-t.done:
		}
		<-t.done
	}
}
