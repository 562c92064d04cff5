package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jobfront/jobfront/core/infra/bus"
	"github.com/jobfront/jobfront/core/infra/logging"
	"github.com/jobfront/jobfront/core/infra/metrics"
)

const (
	component = "engine"

	// StdoutFile and StderrFile are the capture file names inside a job's
	// cache directory.
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
)

// RecordStore persists job records outside the process, for monitor
// instances and post-crash inspection.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec JobRecord) error
	DeleteRecord(ctx context.Context, jobID string) error
}

// Options wires the engine's collaborators. Zero values are usable: no
// persistence, no bus, no metrics.
type Options struct {
	CacheDir  string
	Redirect  bool
	Store     RecordStore
	Publisher bus.Publisher
	Metrics   metrics.JobMetrics
}

// Engine owns the job registry and drives every status transition. All
// exported operations are safe for concurrent use.
type Engine struct {
	opts Options

	mu   sync.RWMutex
	jobs map[string]*Job

	subMu       sync.RWMutex
	subscribers []func(bus.JobEvent)

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New constructs an engine and starts its dispatch loop.
func New(opts Options) *Engine {
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(os.TempDir(), "jobfront-cache")
	}
	if opts.Publisher == nil {
		opts.Publisher = bus.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:   opts,
		jobs:   make(map[string]*Job),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	go e.dispatchLoop()
	return e
}

// Close stops the dispatch loop and cancels every running job.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
}

// Notify registers an in-process subscriber for job lifecycle events.
func (e *Engine) Notify(fn func(bus.JobEvent)) {
	e.subMu.Lock()
	e.subscribers = append(e.subscribers, fn)
	e.subMu.Unlock()
}

// Submit registers a job and queues it for dispatch. The job stays pending
// until its condition (if any) is satisfied; submission itself never blocks
// on scheduling.
func (e *Engine) Submit(ctx context.Context, job *Job) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if _, exists := e.jobs[job.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("job %s already submitted", job.ID)
	}
	e.jobs[job.ID] = job
	e.mu.Unlock()

	job.mu.Lock()
	job.submittedAt = time.Now().UTC()
	job.mu.Unlock()

	e.opts.Metrics.IncJobsSubmitted(job.Name, string(job.JobType))
	e.emit(job)
	e.kick()
	return nil
}

// Cancel stops a pending or running job and blocks until the engine has
// acknowledged the transition. Terminal jobs fail with ErrInvalidState.
func (e *Engine) Cancel(ctx context.Context, job *Job) error {
	switch status := job.Status(); status {
	case StatusPending, StatusRunning:
	default:
		return fmt.Errorf("%w: cannot cancel job in status %q", ErrInvalidState, status)
	}

	if !job.setStatus(StatusCancelled) {
		return fmt.Errorf("%w: cannot cancel job in status %q", ErrInvalidState, job.Status())
	}
	// Read the run cancel func after the flip so a concurrently starting
	// runner is guaranteed to be stopped.
	job.mu.Lock()
	cancelRun := job.cancelRun
	job.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}
	e.opts.Metrics.IncJobsCancelled(job.Name)
	e.emit(job)
	return nil
}

// Rerun resets a terminal job back to pending and requeues it. Pending or
// running jobs fail with ErrInvalidState.
func (e *Engine) Rerun(ctx context.Context, job *Job) error {
	job.mu.Lock()
	if !job.status.Terminal() {
		status := job.status
		job.mu.Unlock()
		return fmt.Errorf("%w: job is %s, can only rerun a finished job", ErrInvalidState, status)
	}
	job.status = StatusPending
	job.result = nil
	job.runErr = nil
	job.stoppedAt = time.Time{}
	job.submittedAt = time.Now().UTC()
	job.done = make(chan struct{})
	job.changed = make(chan struct{})
	job.cancelRun = nil
	job.mu.Unlock()

	e.opts.Metrics.IncJobsSubmitted(job.Name, string(job.JobType))
	e.emit(job)
	e.kick()
	return nil
}

// Remove cancels the job if still pending/running, then deletes it from the
// registry. The job value stays valid for callers holding a reference.
func (e *Engine) Remove(ctx context.Context, job *Job) error {
	switch job.Status() {
	case StatusPending, StatusRunning:
		if err := e.Cancel(ctx, job); err != nil {
			logging.Error(component, "cancel before remove failed", "job", job.ID, "error", err)
		}
	}
	e.mu.Lock()
	delete(e.jobs, job.ID)
	e.mu.Unlock()
	if e.opts.Store != nil {
		if err := e.opts.Store.DeleteRecord(ctx, job.ID); err != nil {
			logging.Error(component, "delete job record failed", "job", job.ID, "error", err)
		}
	}
	return nil
}

// Join blocks until the job reaches a terminal status or the context ends.
func (e *Engine) Join(ctx context.Context, job *Job) error {
	select {
	case <-job.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait polls the job status at the given interval until it is a member of
// targets. There is no server-side deadline; cancelling ctx aborts the poll.
func (e *Engine) Wait(ctx context.Context, job *Job, targets []Status, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status := job.Status()
		for _, t := range targets {
			if status == t {
				return nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// GetJobByID resolves a job; fails with ErrJobNotFound.
func (e *Engine) GetJobByID(id string) (*Job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok := e.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// AllJobs snapshots the registry.
func (e *Engine) AllJobs() []*Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		out = append(out, job)
	}
	return out
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop starts pending jobs whose conditions are satisfied. It wakes
// on submissions and status changes, and ticks for time-based conditions.
func (e *Engine) dispatchLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.dispatchPending()
		select {
		case <-e.wake:
		case <-ticker.C:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) dispatchPending() {
	probe := e.statusOf
	for _, job := range e.AllJobs() {
		job.mu.Lock()
		ready := job.status == StatusPending && !job.submittedAt.IsZero()
		cond := job.Condition
		job.mu.Unlock()
		if !ready {
			continue
		}
		if cond != nil && !cond.Satisfied(probe) {
			continue
		}
		e.start(job)
	}
}

func (e *Engine) statusOf(jobID string) (Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return "", false
	}
	return job.Status(), true
}

// start transitions a pending job to running and launches its runner. Local
// jobs run inline on the dispatch goroutine; everything else gets its own.
func (e *Engine) start(job *Job) {
	runCtx, cancelRun := context.WithCancel(e.ctx)

	rc := RunContext{Args: job.Args, Kwargs: job.Kwargs}

	if job.JobType == JobTypeWebapp {
		addr, err := allocateAddress()
		if err != nil {
			logging.Error(component, "address allocation failed", "job", job.ID, "error", err)
			cancelRun()
			e.finish(job, nil, err)
			return
		}
		job.mu.Lock()
		job.address = &addr
		job.attrs["address"] = addr.String()
		job.mu.Unlock()
		rc.Address = &addr
	}

	cacheDir := filepath.Join(e.opts.CacheDir, job.ID)
	var closers []io.Closer
	if job.redirect || e.opts.Redirect {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			logging.Error(component, "cache dir creation failed", "job", job.ID, "error", err)
			cancelRun()
			e.finish(job, nil, err)
			return
		}
		stdout, err := os.Create(filepath.Join(cacheDir, StdoutFile))
		if err != nil {
			cancelRun()
			e.finish(job, nil, err)
			return
		}
		stderr, err := os.Create(filepath.Join(cacheDir, StderrFile))
		if err != nil {
			stdout.Close()
			cancelRun()
			e.finish(job, nil, err)
			return
		}
		rc.Stdout = stdout
		rc.Stderr = stderr
		closers = append(closers, stdout, stderr)
	} else {
		rc.Stdout = io.Discard
		rc.Stderr = io.Discard
	}
	rc.CacheDir = cacheDir

	job.mu.Lock()
	job.cacheDir = cacheDir
	job.cancelRun = cancelRun
	job.mu.Unlock()

	if !job.setStatus(StatusRunning) {
		// Cancelled between dispatch and start.
		for _, c := range closers {
			c.Close()
		}
		cancelRun()
		return
	}
	e.emit(job)
	logging.Debug(component, "job started", "job", job.ID, "task", job.Name, "type", job.JobType)

	run := func() {
		result, err := job.runner(runCtx, rc)
		for _, c := range closers {
			c.Close()
		}
		cancelRun()
		e.finish(job, result, err)
	}
	if job.JobType == JobTypeLocal {
		run()
	} else {
		go run()
	}
}

// finish records the runner outcome. Late finishes on already-terminal jobs
// (cancellation races) are dropped by setStatus.
func (e *Engine) finish(job *Job, result any, err error) {
	job.mu.Lock()
	job.result = result
	job.runErr = err
	job.mu.Unlock()

	status := StatusDone
	if err != nil {
		status = StatusFailed
		logging.Error(component, "job failed", "job", job.ID, "task", job.Name, "error", err)
	}
	if !job.setStatus(status) {
		return
	}
	e.opts.Metrics.IncJobsCompleted(job.Name, string(status))
	e.emit(job)
	e.kick()
}

// emit fans a transition out to the record store, the bus and in-process
// subscribers.
func (e *Engine) emit(job *Job) {
	evt := bus.JobEvent{
		JobID:   job.ID,
		Name:    job.Name,
		JobType: string(job.JobType),
		Status:  string(job.Status()),
		Time:    time.Now().UTC(),
	}
	if e.opts.Store != nil {
		if err := e.opts.Store.SaveRecord(context.Background(), job.Record()); err != nil {
			logging.Error(component, "save job record failed", "job", job.ID, "error", err)
		}
	}
	if err := e.opts.Publisher.Publish(bus.SubjectJobEvents, evt); err != nil {
		logging.Error(component, "publish job event failed", "job", job.ID, "error", err)
	}
	e.subMu.RLock()
	subs := e.subscribers
	e.subMu.RUnlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// allocateAddress reserves a loopback port for a webapp job.
func allocateAddress() (Address, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return Address{}, err
	}
	defer lis.Close()
	addr, ok := lis.Addr().(*net.TCPAddr)
	if !ok {
		return Address{}, fmt.Errorf("unexpected listener address %T", lis.Addr())
	}
	return Address{IP: "127.0.0.1", Port: addr.Port}, nil
}
