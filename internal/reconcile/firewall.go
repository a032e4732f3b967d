// internal/reconcile/firewall.go
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/reza-ameri/converge/internal/config"
	"github.com/reza-ameri/converge/internal/probe"
	"github.com/reza-ameri/converge/internal/report"
	"github.com/reza-ameri/converge/internal/transport"
)

// Firewall converges ufw to default-deny incoming with the declared
// allow-list. The whole rule set is swapped in a single shell script that
// backs up the active rules first and restores them if any step fails, so an
// interrupted apply leaves either the fully-old or fully-new set active.
type Firewall struct{}

func (Firewall) Kind() string { return "firewall" }

func (f Firewall) Reconcile(ctx context.Context, t transport.Transport, cfg *config.Config) (report.Status, error) {
	obs, err := probe.Firewall(ctx, t)
	if err != nil {
		return report.Failed, err
	}

	if satisfied(obs, cfg.AllowedPorts) {
		return report.Unchanged, nil
	}

	if !obs.Present {
		if err := aptInstall(ctx, t, "ufw"); err != nil {
			return report.Failed, err
		}
	}

	if _, err := runOK(ctx, t, applyScript(cfg.AllowedPorts)); err != nil {
		return report.Failed, fmt.Errorf("firewall apply rolled back: %w", err)
	}
	return report.Changed, nil
}

func satisfied(obs *probe.ObservedFirewall, ports []int) bool {
	if !obs.Present || !obs.Active {
		return false
	}
	if obs.DefaultIncoming != "deny" || obs.DefaultOutgoing != "allow" {
		return false
	}
	return portSetEqual(obs.AllowedPorts, ports)
}

// portSetEqual compares as sets: the allow-list is unordered and deduplicated.
func portSetEqual(a, b []int) bool {
	as := make(map[int]bool, len(a))
	for _, p := range a {
		as[p] = true
	}
	bs := make(map[int]bool, len(b))
	for _, p := range b {
		bs[p] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for p := range as {
		if !bs[p] {
			return false
		}
	}
	return true
}

// applyScript builds the atomic rule-set swap. It runs as one command: backup
// first, then reset and rebuild, and on any failure restore the backup and
// exit non-zero. The rebuild steps are chained with && rather than relying on
// set -e, which is suppressed on the left-hand side of || and would let a
// mid-sequence failure slip through to the next command.
func applyScript(ports []int) string {
	steps := []string{
		"ufw --force reset",
		"ufw default deny incoming",
		"ufw default allow outgoing",
	}
	for _, p := range ports {
		steps = append(steps, fmt.Sprintf("ufw allow %d/tcp", p))
	}
	steps = append(steps, "ufw --force enable")

	var b strings.Builder
	b.WriteString("set -e\n")
	b.WriteString("backup=$(mktemp -d)\n")
	b.WriteString("cp -a /etc/ufw/user.rules /etc/ufw/user6.rules \"$backup\"/\n")
	b.WriteString("restore() { cp -a \"$backup\"/user.rules /etc/ufw/user.rules; cp -a \"$backup\"/user6.rules /etc/ufw/user6.rules; ufw reload >/dev/null 2>&1 || true; }\n")
	b.WriteString("{ ")
	b.WriteString(strings.Join(steps, " &&\n  "))
	b.WriteString("; } || { restore; exit 1; }\n")
	return b.String()
}
