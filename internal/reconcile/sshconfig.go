// internal/reconcile/sshconfig.go
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

const (
	sshdConfigPath = "/etc/ssh/sshd_config"
	sshdBackupPath = "/etc/ssh/sshd_config.converge.bak"
)

// SSHConfig patches only the declared sshd directives, leaving everything
// else in sshd_config untouched. The daemon is reloaded once, and only when
// a directive actually changed.
type SSHConfig struct{}

func (SSHConfig) Kind() string { return "sshconfig" }

func (s SSHConfig) Reconcile(ctx context.Context, t transport.Transport, cfg *config.Config) (report.Status, error) {
	obs, err := probe.SSHConfig(ctx, t)
	if err != nil {
		return report.Failed, err
	}

	var stale []string
	for _, key := range cfg.DirectiveKeys() {
		observed := obs.Directives[strings.ToLower(key)]
		if !strings.EqualFold(observed, cfg.SSHDirectives[key]) {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return report.Unchanged, nil
	}

	// Back up the current (known-valid) config before touching it.
	if _, err := runOK(ctx, t, fmt.Sprintf("cp %s %s", sshdConfigPath, sshdBackupPath)); err != nil {
		return report.Failed, err
	}

	for _, key := range stale {
		value := cfg.SSHDirectives[key]
		// pipe delimiter survives path-valued directives (Banner etc.);
		// the I flag catches lines keyed in a different casing
		sed := fmt.Sprintf("sed -i 's|^#*%s .*|%s %s|I' %s", key, key, value, sshdConfigPath)
		if _, err := runOK(ctx, t, sed); err != nil {
			return report.Failed, err
		}
		appendIfMissing := fmt.Sprintf("grep -qi '^%s ' %s || echo '%s %s' >> %s",
			key, sshdConfigPath, key, value, sshdConfigPath)
		if _, err := runOK(ctx, t, appendIfMissing); err != nil {
			return report.Failed, err
		}
	}

	if res, err := t.Run(ctx, "sshd -t"); err != nil {
		return report.Failed, err
	} else if res.ExitCode != 0 {
		t.Run(ctx, fmt.Sprintf("cp %s %s", sshdBackupPath, sshdConfigPath))
		return report.Failed, fmt.Errorf("invalid sshd config, restored backup: %s", strings.TrimSpace(res.Stderr))
	}

	if _, err := runOK(ctx, t, "systemctl reload sshd 2>/dev/null || systemctl reload ssh"); err != nil {
		return report.Failed, err
	}
	return report.Changed, nil
}
