package task

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/jobfront/jobfront/core/engine"
)

// Task is a registered named capability that can be instantiated into jobs.
// A task executes either a Go function or a shell command template; exactly
// one of Fn and Command is set. Each task declares its keyword-argument
// schema explicitly at registration; nothing is introspected at call time.
type Task struct {
	Name           string
	Description    string
	DefaultJobType engine.JobType
	// Schema is a JSON Schema applied to call kwargs. Empty means any.
	Schema  map[string]any
	Fn      engine.Runner
	Command *Command
	// Attrs are default job attributes stamped onto every job of this task.
	Attrs map[string]any
}

// Descriptor is the transport form of a task for /task/list_all.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	JobType     string         `json:"job_type"`
	Schema      map[string]any `json:"schema,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
}

// CreateJob validates kwargs and builds a job for this task. The returned
// job is not yet submitted.
func (t *Task) CreateJob(jobType engine.JobType, args []any, kwargs map[string]any, opts ...engine.JobOption) (*engine.Job, error) {
	if jobType == "" {
		jobType = t.DefaultJobType
	}
	if jobType == "" {
		jobType = engine.JobTypeThread
	}
	if err := validateKwargs(t.Name, t.Schema, kwargs); err != nil {
		return nil, err
	}
	runner, err := t.runner()
	if err != nil {
		return nil, err
	}
	if len(t.Attrs) > 0 {
		opts = append([]engine.JobOption{engine.WithAttrs(t.Attrs)}, opts...)
	}
	return engine.NewJob(t.Name, jobType, runner, args, kwargs, opts...), nil
}

func (t *Task) runner() (engine.Runner, error) {
	if t.Fn != nil {
		return t.Fn, nil
	}
	if t.Command != nil {
		cmd := t.Command
		return func(ctx context.Context, rc engine.RunContext) (any, error) {
			vals := make(map[string]any, len(rc.Kwargs)+2)
			for k, v := range rc.Kwargs {
				vals[k] = v
			}
			if rc.Address != nil {
				vals["ip"] = rc.Address.IP
				vals["port"] = rc.Address.Port
			}
			line, err := cmd.Format(vals)
			if err != nil {
				return nil, err
			}
			proc := exec.CommandContext(ctx, "/bin/sh", "-c", line)
			proc.Stdout = rc.Stdout
			proc.Stderr = rc.Stderr
			if err := proc.Run(); err != nil {
				return nil, fmt.Errorf("command %q: %w", cmd.name(), err)
			}
			return proc.ProcessState.ExitCode(), nil
		}, nil
	}
	return nil, fmt.Errorf("task %s has neither a function nor a command", t.Name)
}

func (c *Command) name() string {
	fields := strings.Fields(c.Template)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Describe returns the transport form of the task.
func (t *Task) Describe() Descriptor {
	jobType := t.DefaultJobType
	if jobType == "" {
		jobType = engine.JobTypeThread
	}
	return Descriptor{
		Name:        t.Name,
		Description: t.Description,
		JobType:     string(jobType),
		Schema:      t.Schema,
		Attrs:       t.Attrs,
	}
}

// Registry maps task names to their definitions.
type Registry struct {
	mu    sync.RWMutex
	table map[string]*Task
}

// NewRegistry returns an empty task registry.
func NewRegistry() *Registry {
	return &Registry{table: make(map[string]*Task)}
}

// Register adds a task; duplicate names are rejected.
func (r *Registry) Register(t *Task) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("task requires a name")
	}
	if t.Fn == nil && t.Command == nil {
		return fmt.Errorf("task %s has neither a function nor a command", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[t.Name]; exists {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	r.table[t.Name] = t
	return nil
}

// MustRegister panics on registration failure; for startup wiring.
func (r *Registry) MustRegister(t *Task) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get resolves a task by name.
func (r *Registry) Get(name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.table[name]
	return t, ok
}

// List returns descriptors for every registered task, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.table))
	for _, t := range r.table {
		out = append(out, t.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
