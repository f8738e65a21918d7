// Package jobs runs long, cancellable background jobs that report progress and
// completion to their owner as push events.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"workerbus/internal/envelope"
	"workerbus/internal/metrics"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

var (
	ErrShuttingDown = errors.New("job runner is shutting down")
	ErrInvalidSpec  = errors.New("job spec needs a name and work")
)

// Result fields are merged into the <name>Finished event.
type Result map[string]any

// Spec describes one job. Work must honour ctx: it is cancelled when the job
// is cancelled.
type Spec struct {
	Name      string
	Namespace string
	Work      func(ctx context.Context, p *Progress) (Result, error)
	// Cleanup runs after failure or cancellation.
	Cleanup func() error
	// OnFinish runs after the job reaches a terminal state, before the table
	// entry is removed.
	OnFinish func(ctx context.Context, jobID string, state State, err error)
}

// Pusher delivers events to the job owner.
type Pusher interface {
	Push(ctx context.Context, userID string, event envelope.Event) error
}

type job struct {
	id     string
	owner  string
	spec   Spec
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	cancelRequested bool
	// settling is set once Work has returned and the outcome is decided.
	settling bool
}

type jobIDKey struct{}

// IDFromContext returns the id of the job whose Work received ctx.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobIDKey{}).(string)
	return id, ok
}

// Info is a snapshot of a job in the table.
type Info struct {
	ID    string `json:"job_id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
	State State  `json:"state"`
}

type Runner struct {
	pusher  Pusher
	logger  zerolog.Logger
	metrics *metrics.Collector
	base    context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]*job
	wg       sync.WaitGroup
	shutdown bool
}

func NewRunner(pusher Pusher, logger zerolog.Logger, m *metrics.Collector) *Runner {
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		pusher:  pusher,
		logger:  logger,
		metrics: m,
		base:    base,
		stop:    stop,
		jobs:    make(map[string]*job),
	}
}

// Start registers the job and runs it in the background. It returns as soon
// as the job is registered.
func (r *Runner) Start(owner string, spec Spec) (string, error) {
	if spec.Name == "" || spec.Work == nil {
		return "", ErrInvalidSpec
	}
	id := "job_" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithValue(r.base, jobIDKey{}, id))
	j := &job{
		id:     id,
		owner:  owner,
		spec:   spec,
		state:  StatePending,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	r.jobs[j.id] = j
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info().Str("job_id", j.id).Str("job", spec.Name).Str("owner", owner).Msg("job started")
	go r.run(ctx, j)
	return j.id, nil
}

// Cancel requests cancellation and returns immediately. It reports false for
// unknown, finished or already cancelled jobs.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.cancelRequested || j.settling || j.state.Terminal() {
		return false
	}
	j.cancelRequested = true
	j.cancel()
	r.logger.Info().Str("job_id", jobID).Msg("job cancel requested")
	return true
}

// State returns the state of a job still in the table.
func (r *Runner) State(jobID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return "", false
	}
	return j.state, true
}

// Owner returns the owner of a job still in the table.
func (r *Runner) Owner(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return "", false
	}
	return j.owner, true
}

// Active lists the jobs that have not reached a terminal state.
func (r *Runner) Active() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.jobs))
	for _, j := range r.jobs {
		if j.state.Terminal() {
			continue
		}
		out = append(out, Info{ID: j.id, Owner: j.owner, Name: j.spec.Name, State: j.state})
	}
	return out
}

// Wait blocks until jobID leaves the table or ctx is done.
func (r *Runner) Wait(ctx context.Context, jobID string) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every job and waits for them to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	for _, j := range r.jobs {
		if !j.state.Terminal() && !j.settling {
			j.cancelRequested = true
		}
	}
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) setState(j *job, s State) {
	r.mu.Lock()
	j.state = s
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, j *job) {
	defer r.wg.Done()
	defer close(j.done)
	defer j.cancel()

	r.setState(j, StateRunning)
	name, ns := j.spec.Name, j.spec.Namespace

	progress := newProgress(func(pct int) {
		if r.cancelRequested(j) {
			return
		}
		r.push(j, envelope.NewEvent(ns, name+"PercentageUpdated", map[string]any{
			"job_id":     j.id,
			"percentage": pct,
		}))
	})

	result, err := r.work(ctx, j, progress)

	cancelled := r.settle(j)

	var state State
	switch {
	case cancelled:
		state = StateCancelled
		r.cleanup(j)
	case err != nil:
		state = StateFailed
		r.cleanup(j)
		r.push(j, envelope.NewEvent(ns, name+"Failed", map[string]any{
			"job_id":  j.id,
			"message": err.Error(),
		}))
	default:
		state = StateDone
		fields := map[string]any{}
		for k, v := range result {
			fields[k] = v
		}
		fields["job_id"] = j.id
		r.push(j, envelope.NewEvent(ns, name+"Finished", fields))
	}

	r.setState(j, state)
	r.metrics.JobFinished(name, string(state))
	level := zerolog.InfoLevel
	if state == StateFailed {
		level = zerolog.WarnLevel
	}
	r.logger.WithLevel(level).Err(err).Str("job_id", j.id).Str("job", name).Str("state", string(state)).Msg("job finished")

	if j.spec.OnFinish != nil {
		j.spec.OnFinish(context.Background(), j.id, state, err)
	}

	r.mu.Lock()
	delete(r.jobs, j.id)
	r.mu.Unlock()
}

// settle closes the job to cancellation and reports whether one was requested.
func (r *Runner) settle(j *job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.settling = true
	return j.cancelRequested
}

func (r *Runner) cancelRequested(j *job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return j.cancelRequested
}

func (r *Runner) work(ctx context.Context, j *job, p *Progress) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return j.spec.Work(ctx, p)
}

func (r *Runner) cleanup(j *job) {
	if j.spec.Cleanup == nil {
		return
	}
	if err := j.spec.Cleanup(); err != nil {
		r.logger.Warn().Err(err).Str("job_id", j.id).Msg("job cleanup failed")
	}
}

func (r *Runner) push(j *job, ev envelope.Event) {
	if r.pusher == nil {
		return
	}
	if err := r.pusher.Push(context.Background(), j.owner, ev); err != nil {
		r.logger.Warn().Err(err).Str("job_id", j.id).Str("event", ev.Type()).Msg("job event not delivered")
	}
}
