package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job. Exactly one holds at a time.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether the string names a known status.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobType selects the execution vehicle for a job. It is fixed at
// construction and never inferred afterwards.
type JobType string

const (
	JobTypeLocal      JobType = "local"
	JobTypeThread     JobType = "thread"
	JobTypeProcess    JobType = "process"
	JobTypeSubprocess JobType = "subprocess"
	JobTypeWebapp     JobType = "webapp"
)

// Address is the bound network endpoint of a running webapp job.
type Address struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// RunContext carries per-run facilities into a task runner.
type RunContext struct {
	Args     []any
	Kwargs   map[string]any
	Stdout   io.Writer
	Stderr   io.Writer
	CacheDir string
	// Address is set for webapp jobs before the runner starts; the runner
	// must bind its listener to it.
	Address *Address
}

// Runner executes one invocation of a task. The context is cancelled when
// the job is cancelled or the engine shuts down.
type Runner func(ctx context.Context, rc RunContext) (any, error)

// Job is one invocation of a registered task, tracked by the engine.
// ID and all lifecycle fields are engine-owned; callers read them through
// accessors which take the job lock.
type Job struct {
	ID        string
	Name      string
	Args      []any
	Kwargs    map[string]any
	JobType   JobType
	Condition Condition

	runner   Runner
	redirect bool

	mu          sync.Mutex
	status      Status
	attrs       map[string]any
	createdAt   time.Time
	submittedAt time.Time
	stoppedAt   time.Time
	address     *Address
	result      any
	runErr      error
	cacheDir    string
	done        chan struct{}
	changed     chan struct{}
	cancelRun   context.CancelFunc
}

// JobOption customizes a job at construction.
type JobOption func(*Job)

// WithCondition gates the job's start on a dependency expression.
func WithCondition(cond Condition) JobOption {
	return func(j *Job) { j.Condition = cond }
}

// WithAttrs seeds the job's open metadata mapping.
func WithAttrs(attrs map[string]any) JobOption {
	return func(j *Job) {
		for k, v := range attrs {
			j.attrs[k] = v
		}
	}
}

// WithRedirect forces stdout/stderr capture into the job cache dir.
func WithRedirect(on bool) JobOption {
	return func(j *Job) { j.redirect = on }
}

// NewJob builds a job around a runner. The engine assigns no resources until
// the job is submitted.
func NewJob(name string, jobType JobType, runner Runner, args []any, kwargs map[string]any, opts ...JobOption) *Job {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	j := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Args:      args,
		Kwargs:    kwargs,
		JobType:   jobType,
		runner:    runner,
		status:    StatusPending,
		attrs:     map[string]any{},
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Attrs returns a copy of the job's metadata mapping.
func (j *Job) Attrs() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]any, len(j.attrs))
	for k, v := range j.attrs {
		out[k] = v
	}
	return out
}

// Attr returns one metadata value.
func (j *Job) Attr(key string) (any, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.attrs[key]
	return v, ok
}

// SetAttr records one metadata value.
func (j *Job) SetAttr(key string, value any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attrs[key] = value
}

// Address returns the bound endpoint of a running webapp job, or nil.
func (j *Job) Address() *Address {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.address == nil {
		return nil
	}
	addr := *j.address
	return &addr
}

// CacheDir is the per-job directory holding captured output. Empty until the
// job first starts.
func (j *Job) CacheDir() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cacheDir
}

// CreatedAt, SubmittedAt and StoppedAt report lifecycle timestamps; the zero
// time means the transition has not happened.
func (j *Job) CreatedAt() time.Time { j.mu.Lock(); defer j.mu.Unlock(); return j.createdAt }

func (j *Job) SubmittedAt() time.Time { j.mu.Lock(); defer j.mu.Unlock(); return j.submittedAt }

func (j *Job) StoppedAt() time.Time { j.mu.Lock(); defer j.mu.Unlock(); return j.stoppedAt }

// Result returns the runner's return value. It fails with
// ErrResultUnavailable unless the job finished in the done status.
func (j *Job) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.status {
	case StatusDone:
		return j.result, nil
	case StatusFailed:
		if j.runErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrResultUnavailable, j.runErr)
		}
		return nil, ErrResultUnavailable
	default:
		return nil, ErrResultUnavailable
	}
}

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// statusChanged returns a channel closed on the next status transition.
func (j *Job) statusChanged() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.changed
}

// setStatus flips the status and wakes watchers. Returns false when the job
// is already terminal, which makes late transitions (a cancelled runner
// returning) harmless.
func (j *Job) setStatus(status Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = status
	close(j.changed)
	j.changed = make(chan struct{})
	if status.Terminal() {
		j.stoppedAt = time.Now().UTC()
		close(j.done)
	}
	return true
}
