// internal/graph/graph.go
//
// The task graph for one host: which reconcilers run, in what order, and how
// failure propagates. Tasks run strictly one at a time; reconcilers mutate
// shared host state (rule sets, config files) that is unsafe to touch
// concurrently, so serialization is structural rather than locked.
package graph

import (
	"fmt"

	"github.com/reza-ameri/converge/internal/reconcile"
)

// Task binds a reconciler to its dependency edges.
type Task struct {
	Name       string
	DependsOn  []string
	Reconciler reconcile.Reconciler
}

// tagTasks maps a selection tag to the task names it keeps.
var tagTasks = map[string][]string{
	"docker":    {"packages"},
	"hardening": {"firewall", "sshconfig", "services"},
}

// Build constructs the DAG after applying the tag filter. Edges pointing at
// filtered-out tasks are dropped: the filter narrows the run, it never pulls
// excluded work back in.
func Build(tags []string) ([]Task, error) {
	all := []Task{
		{Name: "packages", Reconciler: reconcile.Packages{}},
		{Name: "firewall", Reconciler: reconcile.Firewall{}},
		{Name: "sshconfig", Reconciler: reconcile.SSHConfig{}},
		// fail2ban is shipped by a package, so service convergence waits for
		// the package set to settle first.
		{Name: "services", DependsOn: []string{"packages"}, Reconciler: reconcile.Services{}},
	}

	keep := make(map[string]bool)
	if len(tags) == 0 {
		for _, t := range all {
			keep[t.Name] = true
		}
	}
	for _, tag := range tags {
		names, ok := tagTasks[tag]
		if !ok {
			return nil, fmt.Errorf("unknown tag %q", tag)
		}
		for _, n := range names {
			keep[n] = true
		}
	}

	var tasks []Task
	for _, t := range all {
		if !keep[t.Name] {
			continue
		}
		var deps []string
		for _, d := range t.DependsOn {
			if keep[d] {
				deps = append(deps, d)
			}
		}
		t.DependsOn = deps
		tasks = append(tasks, t)
	}

	// Returned in execution order; a cycle (impossible with the built-in
	// edges, cheap to keep checking) is an error.
	return order(tasks)
}

// order returns tasks in an execution order honoring dependency edges,
// preserving declaration order among ready tasks.
func order(tasks []Task) ([]Task, error) {
	indegree := make(map[string]int, len(tasks))
	byName := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = t
		indegree[t.Name] = len(t.DependsOn)
	}

	var out []Task
	done := make(map[string]bool, len(tasks))
	for len(out) < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if done[t.Name] || indegree[t.Name] > 0 {
				continue
			}
			out = append(out, t)
			done[t.Name] = true
			progressed = true
			for _, other := range tasks {
				for _, d := range other.DependsOn {
					if d == t.Name {
						indegree[other.Name]--
					}
				}
			}
		}
		if !progressed {
			return nil, fmt.Errorf("task graph has a dependency cycle")
		}
	}
	return out, nil
}
