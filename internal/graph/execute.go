// internal/graph/execute.go
package graph

import (
	"context"
	"errors"

	"github.com/reza-ameri/converge/internal/config"
	"github.com/reza-ameri/converge/internal/logging"
	"github.com/reza-ameri/converge/internal/probe"
	"github.com/reza-ameri/converge/internal/report"
	"github.com/reza-ameri/converge/internal/transport"
)

// Execute runs the tasks (already ordered by Build) against one host, one at
// a time. A failed task marks its direct and transitive dependents Skipped
// with the failing task as cause; independent branches keep running. A probe
// error means the host itself is unusable and skips everything still
// pending. Cancellation stops before the next task starts; an applied task
// is never rolled back.
func Execute(ctx context.Context, host string, t transport.Transport, cfg *config.Config, tasks []Task) []report.Result {
	results := make([]report.Result, 0, len(tasks))
	failedCause := make(map[string]string) // task -> root failed task
	hostDown := ""

	for _, task := range tasks {
		if hostDown != "" {
			results = append(results, report.Result{Task: task.Name, Status: report.Skipped, Cause: hostDown})
			continue
		}
		if ctx.Err() != nil {
			results = append(results, report.Result{Task: task.Name, Status: report.Skipped, Cause: "canceled"})
			continue
		}
		if cause, blocked := blockedBy(task, failedCause); blocked {
			failedCause[task.Name] = cause
			results = append(results, report.Result{Task: task.Name, Status: report.Skipped, Cause: cause})
			continue
		}

		logging.Log.Debug().Str("host", host).Str("task", task.Name).Msg("reconciling")
		status, err := task.Reconciler.Reconcile(ctx, t, cfg)
		if err != nil {
			failedCause[task.Name] = task.Name
			results = append(results, report.Result{Task: task.Name, Status: report.Failed, Err: err})

			var pe *probe.Error
			if errors.As(err, &pe) {
				hostDown = task.Name
			}
			continue
		}
		results = append(results, report.Result{Task: task.Name, Status: status})
	}
	return results
}

// blockedBy reports whether any dependency failed or was skipped because of a
// failure, and which task is the root cause.
func blockedBy(task Task, failedCause map[string]string) (string, bool) {
	for _, dep := range task.DependsOn {
		if cause, ok := failedCause[dep]; ok {
			return cause, true
		}
	}
	return "", false
}
