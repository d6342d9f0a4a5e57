// Package jobs runs long operations such as training in the background and
// tracks their status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Done reports whether s is terminal.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning is returned when a job is submitted while another one is
	// active.
	ErrJobRunning = errors.New("a job is already running")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("job manager stopped")
)

// Job is the record of one background run.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      Status     `json:"status"`
	Stage       string     `json:"stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      any        `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Func is the body of a job. progress records the current stage.
type Func func(ctx context.Context, progress func(stage string)) (any, error)

// Manager runs one job at a time.
type Manager struct {
	store  Store
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  string
	stopped bool
}

// NewManager creates a manager persisting jobs in store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:  store,
		logger: logger.With("component", "jobs"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit starts fn in the background and returns its pending record.
// ErrJobRunning is returned while another job is active.
func (m *Manager) Submit(kind string, fn Func) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrStopped
	}
	if m.active != "" {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, m.active)
	}

	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	m.active = job.ID

	m.wg.Add(1)
	go m.run(job.ID, fn)

	m.logger.Info("job submitted", "job_id", job.ID, "kind", kind)
	c := *job
	return &c, nil
}

func (m *Manager) run(id string, fn Func) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.active = ""
		m.mu.Unlock()
	}()

	started := time.Now().UTC()
	m.update(id, func(j *Job) {
		j.Status = StatusRunning
		j.StartedAt = &started
	})

	progress := func(stage string) {
		m.update(id, func(j *Job) { j.Stage = stage })
	}

	result, err := m.invoke(fn, progress)

	done := time.Now().UTC()
	m.update(id, func(j *Job) {
		j.CompletedAt = &done
		switch {
		case err == nil:
			j.Status = StatusCompleted
			j.Result = result
		case errors.Is(err, context.Canceled) && m.ctx.Err() != nil:
			j.Status = StatusCancelled
			j.Error = err.Error()
		default:
			j.Status = StatusFailed
			j.Error = err.Error()
			j.Result = result
		}
	})

	if err != nil {
		m.logger.Error("job failed", "job_id", id, "error", err, "duration_ms", done.Sub(started).Milliseconds())
		return
	}
	m.logger.Info("job completed", "job_id", id, "duration_ms", done.Sub(started).Milliseconds())
}

// invoke runs fn, converting a panic into an error.
func (m *Manager) invoke(fn Func, progress func(string)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(m.ctx, progress)
}

func (m *Manager) update(id string, apply func(*Job)) {
	job, err := m.store.Get(id)
	if err != nil {
		m.logger.Error("job lookup failed", "job_id", id, "error", err)
		return
	}
	apply(job)
	if err := m.store.Update(job); err != nil {
		m.logger.Error("job update failed", "job_id", id, "error", err)
	}
}

// Get returns the job with id.
func (m *Manager) Get(id string) (*Job, error) {
	return m.store.Get(id)
}

// List returns every job, newest first.
func (m *Manager) List() ([]*Job, error) {
	return m.store.List()
}

// Active returns the ID of the running job, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != ""
}

// Stop cancels the running job and waits up to timeout for it to return.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for running job to stop")
	}
}
