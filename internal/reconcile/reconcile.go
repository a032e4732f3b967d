// internal/reconcile/reconcile.go
//
// One reconciler per resource kind. Each probes fresh state at the start of
// its turn (an earlier task may have changed dependent facts), computes the
// minimal mutation, and applies it. Re-running against a converged host
// issues zero mutating calls and reports Unchanged.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/reza-ameri/converge/internal/config"
	"github.com/reza-ameri/converge/internal/report"
	"github.com/reza-ameri/converge/internal/transport"
)

type Reconciler interface {
	Kind() string
	Reconcile(ctx context.Context, t transport.Transport, cfg *config.Config) (report.Status, error)
}

// runOK executes a mutating command and fails on non-zero exit.
func runOK(ctx context.Context, t transport.Transport, cmd string) (transport.Result, error) {
	res, err := t.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		return res, fmt.Errorf("%s: exit %d: %s", firstWord(cmd), res.ExitCode, detail)
	}
	return res, nil
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

// Fresh hosts often have unattended-upgrades holding the dpkg lock on first
// boot; wait up to 120 seconds for it to clear.
const aptLockWaitCmd = "for i in $(seq 1 60); do fuser /var/lib/dpkg/lock-frontend >/dev/null 2>&1 || exit 0; sleep 2; done; exit 1"

func aptInstall(ctx context.Context, t transport.Transport, pkgs ...string) error {
	res, err := t.Run(ctx, aptLockWaitCmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("timed out waiting for apt lock (another package manager is running)")
	}
	if _, err := runOK(ctx, t, "apt-get update -q"); err != nil {
		return err
	}
	cmd := "DEBIAN_FRONTEND=noninteractive apt-get install -y " + strings.Join(pkgs, " ")
	if _, err := runOK(ctx, t, cmd); err != nil {
		return err
	}
	return nil
}
