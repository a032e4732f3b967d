// internal/fanout/fanout.go
//
// Runs the task graph against every selected host concurrently. Hosts are
// fully independent: no ordering, no shared mutable state, and one host's
// failure never aborts another.
package fanout

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/reza-ameri/converge/internal/config"
	"github.com/reza-ameri/converge/internal/graph"
	"github.com/reza-ameri/converge/internal/inventory"
	"github.com/reza-ameri/converge/internal/logging"
	"github.com/reza-ameri/converge/internal/report"
	"github.com/reza-ameri/converge/internal/transport"
)

// DefaultForks bounds concurrent hosts so the control node and any shared
// proxy are not overwhelmed.
const DefaultForks = 5

// DialFunc opens the transport for one host.
type DialFunc func(h inventory.Host) (transport.Transport, error)

// connectTask is the pseudo-task reported when a host cannot be dialed at
// all; real tasks are then skipped with it as cause.
const connectTask = "connect"

// Run fans the task graph out across hosts with at most forks in flight.
func Run(ctx context.Context, hosts []inventory.Host, cfg *config.Config, tasks []graph.Task, forks int, dial DialFunc) *report.Run {
	if forks <= 0 {
		forks = DefaultForks
	}

	run := report.NewRun()
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(forks)
	for _, h := range hosts {
		h := h
		g.Go(func() error {
			results := runHost(ctx, h, cfg, tasks, dial)
			mu.Lock()
			run.Add(h.Alias, results)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return run
}

func runHost(ctx context.Context, h inventory.Host, cfg *config.Config, tasks []graph.Task, dial DialFunc) []report.Result {
	t, err := dial(h)
	if err != nil {
		logging.Log.Debug().Str("host", h.Alias).Err(err).Msg("dial failed")
		results := []report.Result{{Task: connectTask, Status: report.Failed, Err: err}}
		for _, task := range tasks {
			results = append(results, report.Result{Task: task.Name, Status: report.Skipped, Cause: connectTask})
		}
		return results
	}
	defer t.Close()

	return graph.Execute(ctx, h.Alias, t, cfg, tasks)
}
