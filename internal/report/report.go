// internal/report/report.go
package report

import "sort"

// Status is the outcome of one task on one host.
type Status int

const (
	Unchanged Status = iota
	Changed
	Skipped
	Failed
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result records the outcome of a single task. Cause names the failed
// predecessor for Skipped results.
type Result struct {
	Task   string
	Status Status
	Err    error
	Cause  string
}

// HostResult holds the ordered task results for one host.
type HostResult struct {
	Host    string
	Results []Result
}

func (h HostResult) Failed() bool {
	for _, r := range h.Results {
		if r.Status == Failed {
			return true
		}
	}
	return false
}

// Run aggregates results across hosts. It is populated once per run and
// read-only afterwards.
type Run struct {
	hosts map[string]HostResult
}

func NewRun() *Run {
	return &Run{hosts: make(map[string]HostResult)}
}

func (r *Run) Add(host string, results []Result) {
	r.hosts[host] = HostResult{Host: host, Results: results}
}

// Host returns the results for one host. The second value is false when the
// host was never touched (filtered out or absent from inventory).
func (r *Run) Host(alias string) (HostResult, bool) {
	h, ok := r.hosts[alias]
	return h, ok
}

// Hosts returns all host results sorted by alias.
func (r *Run) Hosts() []HostResult {
	out := make([]HostResult, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (r *Run) Failed() bool {
	for _, h := range r.hosts {
		if h.Failed() {
			return true
		}
	}
	return false
}

// Counts returns run-wide totals keyed by status.
func (r *Run) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, h := range r.hosts {
		for _, res := range h.Results {
			counts[res.Status]++
		}
	}
	return counts
}
