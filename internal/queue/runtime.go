package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pdfchat-platform/internal/logger"

	"github.com/google/uuid"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultLeaseDuration = 30 * time.Second
	finishTimeout        = 30 * time.Second
)

type Options struct {
	// PollInterval bounds how long a dispatcher sleeps before looking for
	// jobs scheduled by another process.
	PollInterval time.Duration
	// WorkerID identifies this runtime as the owner of the jobs it claims.
	// Defaults to a random id.
	WorkerID string
	// LeaseDuration is how long a claimed job stays owned without renewal.
	// Running jobs renew at a third of it; jobs whose lease lapses are
	// failed by any started runtime of the same type.
	LeaseDuration time.Duration
	// OnTransition is called after every status change has been stored.
	OnTransition func(ctx context.Context, job *Job)
}

// Runtime schedules and executes jobs of registered types. Each type gets its
// own dispatcher that keeps at most Concurrency handlers running and claims
// queued jobs oldest first.
type Runtime struct {
	store Store
	opts  Options

	mu     sync.RWMutex
	types  map[string]*registeredType
	cancel context.CancelFunc

	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

type registeredType struct {
	JobType
	wake chan struct{}
}

func NewRuntime(store Store, opts Options) *Runtime {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = defaultLeaseDuration
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	return &Runtime{
		store: store,
		opts:  opts,
		types: make(map[string]*registeredType),
	}
}

// Register adds a job type. It must be called before Start.
func (r *Runtime) Register(t JobType) error {
	if t.Name == "" || t.ID == nil {
		return fmt.Errorf("%w: name and ID func are required", ErrInvalidJobType)
	}
	if t.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency for %s must be positive", ErrInvalidJobType, t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return ErrAlreadyStarted
	}
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: %s registered twice", ErrInvalidJobType, t.Name)
	}
	r.types[t.Name] = &registeredType{JobType: t, wake: make(chan struct{}, 1)}
	return nil
}

func (r *Runtime) lookup(jobType string) (*registeredType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return t, nil
}

// JobID returns the id Schedule would assign to payload.
func (r *Runtime) JobID(jobType string, payload any) (string, error) {
	t, err := r.lookup(jobType)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}
	return deriveID(t, raw)
}

func deriveID(t *registeredType, raw []byte) (string, error) {
	id, err := t.ID(raw)
	if err != nil {
		return "", fmt.Errorf("failed to derive %s job id: %w", t.Name, err)
	}
	if id == "" {
		return "", fmt.Errorf("failed to derive %s job id: empty id", t.Name)
	}
	return id, nil
}

// Schedule enqueues a job. The returned job is already durable and visible
// to GetStatus. A job whose id is queued or active yields ErrConflict.
func (r *Runtime) Schedule(ctx context.Context, jobType string, payload any) (*Job, error) {
	t, err := r.lookup(jobType)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}
	id, err := deriveID(t, raw)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        id,
		Type:      jobType,
		Payload:   raw,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Create(ctx, job); err != nil {
		return nil, err
	}

	logger.Info("Job scheduled", "job_id", id, "type", jobType)
	r.transition(ctx, job)

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return job, nil
}

func (r *Runtime) GetStatus(ctx context.Context, id string) (Status, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (r *Runtime) GetJob(ctx context.Context, id string) (*Job, error) {
	return r.store.Get(ctx, id)
}

// Prune removes finished jobs older than the cutoff.
func (r *Runtime) Prune(ctx context.Context, before time.Time) (int64, error) {
	return r.store.PruneFinished(ctx, before)
}

// Start fails jobs whose owner stopped renewing their lease and launches one
// dispatcher per registered type that has a handler. Jobs still leased by a
// live runtime are left alone.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	var runnable []*registeredType
	for _, t := range r.types {
		if t.Handler != nil {
			runnable = append(runnable, t)
		}
	}
	r.mu.Unlock()

	for _, t := range runnable {
		if err := r.failExpired(ctx, t.Name); err != nil {
			cancel()
			return err
		}
	}

	for _, t := range runnable {
		r.loops.Add(1)
		go r.dispatch(runCtx, t)
		logger.Info("Job dispatcher started", "type", t.Name, "concurrency", t.Concurrency, "worker_id", r.opts.WorkerID)
	}
	if len(runnable) > 0 {
		r.loops.Add(1)
		go r.reap(runCtx, runnable)
	}
	return nil
}

// Stop halts dispatching and waits for running handlers to return.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	r.loops.Wait()
	r.inflight.Wait()
}

// WorkerID is the lease owner recorded on jobs this runtime claims.
func (r *Runtime) WorkerID() string {
	return r.opts.WorkerID
}

func (r *Runtime) lease() Lease {
	return Lease{Owner: r.opts.WorkerID, Until: time.Now().Add(r.opts.LeaseDuration)}
}

func (r *Runtime) reap(ctx context.Context, types []*registeredType) {
	defer r.loops.Done()

	ticker := time.NewTicker(r.opts.LeaseDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, t := range types {
			if err := r.failExpired(ctx, t.Name); err != nil && ctx.Err() == nil {
				logger.Error("Failed to expire abandoned jobs", "type", t.Name, "error", err)
			}
		}
	}
}

func (r *Runtime) failExpired(ctx context.Context, jobType string) error {
	expired, err := r.store.FailExpired(ctx, jobType, time.Now(), interruptedMessage)
	for _, job := range expired {
		logger.Warn("Job lease expired", "job_id", job.ID, "type", jobType)
		r.transition(ctx, job)
	}
	return err
}

func (r *Runtime) dispatch(ctx context.Context, t *registeredType) {
	defer r.loops.Done()

	slots := make(chan struct{}, t.Concurrency)
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, err := r.store.Claim(ctx, t.Name, t.Concurrency, r.lease())
		if err != nil || job == nil {
			<-slots
			if err != nil && ctx.Err() == nil {
				logger.Error("Failed to claim job", "type", t.Name, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
			case <-time.After(r.opts.PollInterval):
			}
			continue
		}

		r.transition(ctx, job)
		r.inflight.Add(1)
		go func(job *Job) {
			defer r.inflight.Done()
			defer func() { <-slots }()
			r.execute(context.WithoutCancel(ctx), t, job)
		}(job)
	}
}

// execute runs the handler on a context that outlives Stop, so a started job
// always reaches a terminal status. The lease is renewed until the handler
// returns.
func (r *Runtime) execute(ctx context.Context, t *registeredType, job *Job) {
	start := time.Now()

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		r.renew(renewCtx, job.ID)
	}()

	err := runHandler(ctx, t.Handler, job)
	stopRenew()
	<-renewed

	status, msg := StatusCompleted, ""
	if err != nil {
		status, msg = StatusFailed, err.Error()
	}

	fctx, cancel := context.WithTimeout(ctx, finishTimeout)
	defer cancel()

	finished, ferr := r.store.Finish(fctx, job.ID, r.opts.WorkerID, status, msg)
	if ferr != nil {
		logger.Error("Failed to record job result", "job_id", job.ID, "status", status, "error", ferr)
		return
	}

	if err != nil {
		logger.Error("Job failed", "job_id", job.ID, "type", t.Name, "duration", time.Since(start), "error", err)
	} else {
		logger.Info("Job completed", "job_id", job.ID, "type", t.Name, "duration", time.Since(start))
	}
	r.transition(fctx, finished)
}

func (r *Runtime) renew(ctx context.Context, id string) {
	ticker := time.NewTicker(r.opts.LeaseDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := r.store.Renew(ctx, id, r.lease())
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrJobNotFound):
			logger.Warn("Job lease lost while running", "job_id", id, "error", err)
			return
		case ctx.Err() == nil:
			logger.Error("Failed to renew job lease", "job_id", id, "error", err)
		}
	}
}

func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, job.clone())
}

func (r *Runtime) transition(ctx context.Context, job *Job) {
	if r.opts.OnTransition != nil {
		r.opts.OnTransition(ctx, job.clone())
	}
}
