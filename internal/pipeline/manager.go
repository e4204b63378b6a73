package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/job"
	"github.com/andresmejia3/veil/internal/logging"
)

// Func is the body of a job. It returns a reference to the result.
type Func func(ctx context.Context, r *Runner) (string, error)

// View is the status of a job as reported to callers.
type View struct {
	ID          string
	Kind        string
	Status      job.Status
	Phase       string
	Progress    float64 // percent, two decimals
	Result      string
	Error       string
	ETA         string
	Current     int
	Total       int
	CurrentItem string
}

func viewOf(j job.Job) View {
	return View{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Phase:       j.Phase,
		Progress:    j.Percent(),
		Result:      j.Result,
		Error:       j.Error,
		ETA:         j.ETA,
		Current:     j.Current,
		Total:       j.Total,
		CurrentItem: j.CurrentItem,
	}
}

type running struct {
	tracker *job.Tracker
	done    chan struct{}
}

// Manager runs jobs on their own goroutines, at most maxConcurrent at a time.
type Manager struct {
	store        job.Store
	logger       *zap.Logger
	sem          chan struct{}
	secondsPerMB float64
	now          func() time.Time

	mu   sync.Mutex
	jobs map[string]*running
	wg   sync.WaitGroup
}

// NewManager returns a manager persisting job snapshots to store.
func NewManager(store job.Store, maxConcurrent int, secondsPerMB float64, logger *zap.Logger) *Manager {
	if store == nil {
		store = job.NewMemoryStore()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		store:        store,
		logger:       logging.Component(logger, "jobs"),
		sem:          make(chan struct{}, maxConcurrent),
		secondsPerMB: secondsPerMB,
		now:          time.Now,
		jobs:         make(map[string]*running),
	}
}

// Submit starts fn as a new job and returns its id and estimated completion
// time. sizeMB is the input size the estimate is based on.
func (m *Manager) Submit(ctx context.Context, kind string, sizeMB float64, fn Func) (string, string, error) {
	id := job.NewID()
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := logging.Job(m.logger, id, kind)

	tracker, err := job.NewTracker(ctx, m.store, job.Job{ID: id, Kind: kind}, cancel, logger)
	if err != nil {
		cancel()
		return "", "", err
	}
	eta := m.now().Add(time.Duration(sizeMB * m.secondsPerMB * float64(time.Second)))
	etaText := tracker.SetETA(eta).ETA

	r := &running{tracker: tracker, done: make(chan struct{})}
	m.mu.Lock()
	m.jobs[id] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		// The store keeps the terminal snapshot; only the live handle goes.
		defer m.forget(id)
		defer tracker.Close()
		defer cancel()
		m.execute(jctx, tracker, logger, fn)
	}()

	logger.Info("job submitted", zap.String("eta", etaText), zap.Float64("size_mb", sizeMB))
	return id, etaText, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
}

func (m *Manager) execute(ctx context.Context, tracker *job.Tracker, logger *zap.Logger, fn Func) {
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		j := tracker.Fail(failure.Wrap(failure.ErrCancelled, "queue", "cancelled before start", ctx.Err()))
		logger.Info("job finished", zap.String("status", string(j.Status)))
		return
	}

	started := time.Now()
	result, err := fn(ctx, NewRunner(tracker, logger))
	var j job.Job
	if err != nil {
		j = tracker.Fail(err)
	} else {
		j = tracker.Complete(result)
	}

	fields := []zap.Field{
		zap.String("status", string(j.Status)),
		zap.Duration("duration", time.Since(started)),
	}
	switch j.Status {
	case job.StatusError:
		logger.Error("job finished", append(fields, zap.String("error", j.Error))...)
	default:
		logger.Info("job finished", append(fields, zap.String("result", j.Result))...)
	}
}

// Status returns the current view of a job.
func (m *Manager) Status(ctx context.Context, id string) (View, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return viewOf(j), nil
}

// List returns every known job, oldest first.
func (m *Manager) List(ctx context.Context) ([]View, error) {
	jobs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewOf(j))
	}
	return out, nil
}

// Cancel requests a stop. Cancelling a finished job is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) (View, error) {
	m.mu.Lock()
	r, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return m.Status(ctx, id)
	}
	select {
	case <-r.done:
	default:
		r.tracker.Cancel()
	}
	return m.Status(ctx, id)
}

// Wait blocks until the job is terminal or ctx ends. Finished jobs are
// answered from the store.
func (m *Manager) Wait(ctx context.Context, id string) (View, error) {
	m.mu.Lock()
	r, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return m.Status(ctx, id)
	}
	select {
	case <-r.done:
		return m.Status(ctx, id)
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Shutdown cancels every running job and waits for them to finish. Finished
// jobs drop out of the live set on their own.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, r := range m.jobs {
		select {
		case <-r.done:
		default:
			r.tracker.Cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}
