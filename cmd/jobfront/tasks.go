package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jobfront/jobfront/core/engine"
	"github.com/jobfront/jobfront/core/task"
)

// registerBuiltins installs the stock tasks every deployment gets. Real
// deployments embed the gateway and register their own.
func registerBuiltins(tasks *task.Registry) {
	tasks.MustRegister(&task.Task{
		Name:           "echo",
		Description:    "Return the message argument unchanged",
		DefaultJobType: engine.JobTypeThread,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []any{"message"},
		},
		Fn: func(ctx context.Context, rc engine.RunContext) (any, error) {
			message := rc.Kwargs["message"]
			fmt.Fprintln(rc.Stdout, message)
			return message, nil
		},
	})

	tasks.MustRegister(&task.Task{
		Name:           "sleep",
		Description:    "Block for the given number of seconds",
		DefaultJobType: engine.JobTypeThread,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"seconds": map[string]any{"type": "number", "minimum": 0}},
			"required":   []any{"seconds"},
		},
		Fn: func(ctx context.Context, rc engine.RunContext) (any, error) {
			seconds, _ := rc.Kwargs["seconds"].(float64)
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
				return seconds, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	tasks.MustRegister(&task.Task{
		Name:           "file_server",
		Description:    "Serve the job cache directory over HTTP",
		DefaultJobType: engine.JobTypeWebapp,
		Command:        mustCommand("python3 -m http.server {port} --bind {ip}"),
	})
}

func mustCommand(template string) *task.Command {
	cmd, err := task.NewCommand(template)
	if err != nil {
		panic(err)
	}
	return cmd
}
