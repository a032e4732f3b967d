// internal/reconcile/service.go
package reconcile

import (
	"context"
	"fmt"

	"github.com/reza-ameri/converge/internal/config"
	"github.com/reza-ameri/converge/internal/probe"
	"github.com/reza-ameri/converge/internal/report"
	"github.com/reza-ameri/converge/internal/transport"
)

// Services converges each declared service's installation, enablement, and
// running state. A service that is absent and not declared installed is left
// alone entirely; disabling something already disabled is a no-op.
type Services struct{}

func (Services) Kind() string { return "services" }

func (s Services) Reconcile(ctx context.Context, t transport.Transport, cfg *config.Config) (report.Status, error) {
	obs, err := probe.Services(ctx, t, cfg.ServiceNames())
	if err != nil {
		return report.Failed, err
	}

	changed := false
	for _, spec := range cfg.Services {
		st := obs.Services[spec.Name]

		if spec.Installed && !st.Installed {
			if err := aptInstall(ctx, t, spec.Name); err != nil {
				return report.Failed, fmt.Errorf("install %s: %w", spec.Name, err)
			}
			// Fresh install: converge from a clean slate rather than trusting
			// whatever the package postinst did.
			st = probe.ServiceState{Installed: true}
			changed = true
		}
		if !st.Installed {
			continue
		}

		if st.Enabled != spec.Enabled {
			verb := "enable"
			if !spec.Enabled {
				verb = "disable"
			}
			if _, err := runOK(ctx, t, fmt.Sprintf("systemctl %s %s", verb, spec.Name)); err != nil {
				return report.Failed, err
			}
			changed = true
		}

		if st.Active != spec.Running {
			verb := "start"
			if !spec.Running {
				verb = "stop"
			}
			if _, err := runOK(ctx, t, fmt.Sprintf("systemctl %s %s", verb, spec.Name)); err != nil {
				return report.Failed, err
			}
			changed = true
		}
	}

	if changed {
		return report.Changed, nil
	}
	return report.Unchanged, nil
}
