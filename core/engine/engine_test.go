package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jobfront/jobfront/core/infra/bus"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	e := New(opts)
	t.Cleanup(e.Close)
	return e
}

func waitStatus(t *testing.T, job *Job, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if job.Status() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s, want %s", job.ID, job.Status(), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitRunsToDone(t *testing.T) {
	e := newTestEngine(t, Options{})
	job := NewJob("add", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		return 3, nil
	}, nil, nil)

	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Join(context.Background(), job); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := job.Status(); got != StatusDone {
		t.Fatalf("status = %s, want done", got)
	}
	result, err := job.Result()
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result != 3 {
		t.Fatalf("result = %v, want 3", result)
	}
	if job.SubmittedAt().IsZero() || job.StoppedAt().IsZero() {
		t.Fatalf("lifecycle timestamps not stamped")
	}
}

func TestFailedJobHasNoResult(t *testing.T) {
	e := newTestEngine(t, Options{})
	job := NewJob("boom", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		return nil, fmt.Errorf("exploded")
	}, nil, nil)

	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Join(context.Background(), job); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := job.Status(); got != StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if _, err := job.Result(); !errors.Is(err, ErrResultUnavailable) {
		t.Fatalf("result err = %v, want ErrResultUnavailable", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	e := newTestEngine(t, Options{})
	started := make(chan struct{})
	job := NewJob("wait", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, nil)

	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if err := e.Cancel(context.Background(), job); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := job.Status(); got != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
	// The runner's late return must not move the job off cancelled.
	time.Sleep(50 * time.Millisecond)
	if got := job.Status(); got != StatusCancelled {
		t.Fatalf("status flipped to %s after cancel", got)
	}
}

func TestCancelTerminalJobFails(t *testing.T) {
	e := newTestEngine(t, Options{})
	job := NewJob("quick", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		return nil, nil
	}, nil, nil)
	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Join(context.Background(), job); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := e.Cancel(context.Background(), job); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel err = %v, want ErrInvalidState", err)
	}
}

func TestRerunResetsTerminalJob(t *testing.T) {
	e := newTestEngine(t, Options{})
	runs := make(chan struct{}, 2)
	job := NewJob("again", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		runs <- struct{}{}
		return "ok", nil
	}, nil, nil)

	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Join(context.Background(), job); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := e.Rerun(context.Background(), job); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if err := e.Join(context.Background(), job); err != nil {
		t.Fatalf("join after rerun: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runner executed %d times, want 2", len(runs))
	}
}

func TestRerunPendingJobFails(t *testing.T) {
	e := newTestEngine(t, Options{})
	job := NewJob("gated", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		return nil, nil
	}, nil, nil, WithCondition(AfterAnother{JobID: "never", Status: StatusDone}))

	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Rerun(context.Background(), job); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rerun err = %v, want ErrInvalidState", err)
	}
}

func TestConditionOrdersJobs(t *testing.T) {
	e := newTestEngine(t, Options{})
	release := make(chan struct{})
	first := NewJob("first", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		<-release
		return nil, nil
	}, nil, nil)

	var secondStarted time.Time
	second := NewJob("second", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		secondStarted = time.Now()
		return nil, nil
	}, nil, nil, WithCondition(AfterAnother{JobID: first.ID, Status: StatusDone}))

	if err := e.Submit(context.Background(), second); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := e.Submit(context.Background(), first); err != nil {
		t.Fatalf("submit first: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := second.Status(); got != StatusPending {
		t.Fatalf("gated job is %s before its dependency finished", got)
	}
	close(release)
	if err := e.Join(context.Background(), second); err != nil {
		t.Fatalf("join second: %v", err)
	}
	if first.StoppedAt().After(secondStarted) {
		t.Fatalf("gated job started before its dependency stopped")
	}
}

func TestWaitReachesTarget(t *testing.T) {
	e := newTestEngine(t, Options{})
	job := NewJob("quick", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		return nil, nil
	}, nil, nil)
	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Wait(context.Background(), job, []Status{StatusDone}, 5*time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitAbortsOnContext(t *testing.T) {
	e := newTestEngine(t, Options{})
	job := NewJob("gated", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		return nil, nil
	}, nil, nil, WithCondition(AfterAnother{JobID: "never", Status: StatusDone}))
	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Wait(ctx, job, []Status{StatusDone}, 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait err = %v, want deadline exceeded", err)
	}
}

func TestRemoveDeletesFromRegistry(t *testing.T) {
	e := newTestEngine(t, Options{})
	job := NewJob("gone", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		return nil, nil
	}, nil, nil)
	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Join(context.Background(), job); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := e.Remove(context.Background(), job); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := e.GetJobByID(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("get err = %v, want ErrJobNotFound", err)
	}
}

func TestConcurrentWaitsOnDifferentTargets(t *testing.T) {
	e := newTestEngine(t, Options{})
	release := make(chan struct{})
	job := NewJob("staged", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		<-release
		return nil, nil
	}, nil, nil)
	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		errs <- e.Wait(context.Background(), job, []Status{StatusRunning}, 5*time.Millisecond)
	}()
	go func() {
		errs <- e.Wait(context.Background(), job, []Status{StatusDone}, 5*time.Millisecond)
	}()

	// The job holds in running until released, so both waiters observe
	// their target in order.
	waitStatus(t, job, StatusRunning)
	close(release)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("wait: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("waiter never returned")
		}
	}
	if got := job.Status(); got != StatusDone {
		t.Fatalf("status = %s, want done", got)
	}
}

func TestRemoveCancelsRunningJob(t *testing.T) {
	e := newTestEngine(t, Options{})
	started := make(chan struct{})
	job := NewJob("evicted", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, nil)
	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if err := e.Remove(context.Background(), job); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := job.Status(); got != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
	if _, err := e.GetJobByID(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("get err = %v, want ErrJobNotFound", err)
	}
}

func TestWebappJobGetsAddress(t *testing.T) {
	e := newTestEngine(t, Options{})
	gotAddr := make(chan *Address, 1)
	job := NewJob("web", JobTypeWebapp, func(ctx context.Context, rc RunContext) (any, error) {
		gotAddr <- rc.Address
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, nil)

	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, job, StatusRunning)

	addr := <-gotAddr
	if addr == nil || addr.Port == 0 {
		t.Fatalf("webapp runner got no address: %v", addr)
	}
	attr, ok := job.Attr("address")
	if !ok || attr != addr.String() {
		t.Fatalf("address attr = %v, want %s", attr, addr.String())
	}
	if err := e.Cancel(context.Background(), job); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestRedirectCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, Options{CacheDir: dir, Redirect: true})
	job := NewJob("writer", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		fmt.Fprint(rc.Stdout, "out here")
		fmt.Fprint(rc.Stderr, "err here")
		return nil, nil
	}, nil, nil)

	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Join(context.Background(), job); err != nil {
		t.Fatalf("join: %v", err)
	}
	out, err := os.ReadFile(filepath.Join(job.CacheDir(), StdoutFile))
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if string(out) != "out here" {
		t.Fatalf("stdout = %q", out)
	}
	errOut, err := os.ReadFile(filepath.Join(job.CacheDir(), StderrFile))
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	if string(errOut) != "err here" {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestNotifySeesTransitions(t *testing.T) {
	e := newTestEngine(t, Options{})
	events := make(chan string, 16)
	e.Notify(func(evt bus.JobEvent) {
		events <- evt.Status
	})

	job := NewJob("observed", JobTypeThread, func(ctx context.Context, rc RunContext) (any, error) {
		return nil, nil
	}, nil, nil)
	if err := e.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Join(context.Background(), job); err != nil {
		t.Fatalf("join: %v", err)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen["done"] {
		select {
		case status := <-events:
			seen[status] = true
		case <-deadline:
			t.Fatalf("never saw done event, saw %v", seen)
		}
	}
	if !seen["pending"] || !seen["running"] {
		t.Fatalf("missing transitions, saw %v", seen)
	}
}
