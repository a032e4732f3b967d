// internal/probe/probe.go
//
// Read-only observation of host state. Every function here issues only
// querying commands; resources that do not exist yet come back as explicit
// absent observations, never as errors. Errors from this package mean the
// host itself is unusable (unreachable, unauthorized) and abort the host.
package probe

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/reza-ameri/converge/internal/transport"
)

// Error marks a host as unusable for the rest of the run.
type Error struct {
	Resource string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Resource, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// run executes a querying command. A transport failure becomes a fatal probe
// error; a non-zero exit is returned to the caller as data.
func run(ctx context.Context, t transport.Transport, resource, cmd string) (transport.Result, error) {
	res, err := t.Run(ctx, cmd)
	if err != nil {
		return transport.Result{}, &Error{Resource: resource, Err: err}
	}
	return res, nil
}

// PackageState is one package's observed install state.
type PackageState struct {
	Installed bool
	Version   string
}

type ObservedPackages struct {
	Packages       map[string]PackageState
	ComposeVersion string // "" when docker-compose is absent
}

var versionRe = regexp.MustCompile(`v?\d+\.\d+\.\d+`)

// Packages observes the install state of the named packages and the
// docker-compose binary version.
func Packages(ctx context.Context, t transport.Transport, names []string) (*ObservedPackages, error) {
	obs := &ObservedPackages{Packages: make(map[string]PackageState, len(names))}

	for _, name := range names {
		cmd := fmt.Sprintf("dpkg-query -W -f='${Status} ${Version}' %s 2>/dev/null", name)
		res, err := run(ctx, t, "packages", cmd)
		if err != nil {
			return nil, err
		}
		st := PackageState{}
		if res.ExitCode == 0 {
			// output is "<status> <version>"; the version may be empty
			if rest, ok := strings.CutPrefix(res.Stdout, "install ok installed"); ok {
				st.Installed = true
				st.Version = strings.TrimSpace(rest)
			}
		}
		obs.Packages[name] = st
	}

	res, err := run(ctx, t, "packages", "docker-compose --version 2>/dev/null")
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		obs.ComposeVersion = versionRe.FindString(res.Stdout)
	}
	return obs, nil
}

type ObservedFirewall struct {
	Present         bool // ufw installed at all
	Active          bool
	DefaultIncoming string // "deny", "allow", "reject", or ""
	DefaultOutgoing string
	AllowedPorts    []int
}

// Firewall observes the ufw state. A missing or inactive firewall is an
// absent observation, not an error.
func Firewall(ctx context.Context, t transport.Transport) (*ObservedFirewall, error) {
	res, err := run(ctx, t, "firewall", "ufw status verbose 2>/dev/null")
	if err != nil {
		return nil, err
	}
	obs := &ObservedFirewall{}
	if res.ExitCode != 0 {
		return obs, nil
	}
	obs.Present = true
	parseUfwStatus(res.Stdout, obs)
	return obs, nil
}

func parseUfwStatus(out string, obs *ObservedFirewall) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Status:"):
			obs.Active = strings.Contains(line, "active")
		case strings.HasPrefix(line, "Default:"):
			obs.DefaultIncoming = defaultPolicy(line, "incoming")
			obs.DefaultOutgoing = defaultPolicy(line, "outgoing")
		case strings.Contains(line, "ALLOW IN"):
			// "22/tcp   ALLOW IN   Anywhere"; skip the (v6) duplicates
			target := strings.Fields(line)[0]
			if strings.Contains(line, "(v6)") {
				continue
			}
			portStr := strings.TrimSuffix(target, "/tcp")
			if port, err := strconv.Atoi(portStr); err == nil {
				obs.AllowedPorts = append(obs.AllowedPorts, port)
			}
		}
	}
}

// defaultPolicy extracts the policy word preceding "(incoming)" etc. from a
// line like "Default: deny (incoming), allow (outgoing), disabled (routed)".
func defaultPolicy(line, direction string) string {
	idx := strings.Index(line, "("+direction+")")
	if idx < 0 {
		return ""
	}
	before := strings.Fields(strings.TrimSuffix(line[:idx], " "))
	if len(before) == 0 {
		return ""
	}
	return strings.TrimPrefix(before[len(before)-1], ",")
}

type ObservedSSH struct {
	// Directives holds effective sshd settings with lowercase keys, as
	// printed by sshd -T (e.g. "permitrootlogin" -> "no").
	Directives map[string]string
}

// SSHConfig observes the effective sshd configuration.
func SSHConfig(ctx context.Context, t transport.Transport) (*ObservedSSH, error) {
	res, err := run(ctx, t, "sshconfig", "sshd -T 2>/dev/null")
	if err != nil {
		return nil, err
	}
	obs := &ObservedSSH{Directives: make(map[string]string)}
	if res.ExitCode != 0 {
		return obs, nil
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), " ")
		if found && key != "" {
			obs.Directives[key] = value
		}
	}
	return obs, nil
}

type ServiceState struct {
	Installed bool
	Enabled   bool
	Active    bool
}

type ObservedServices struct {
	Services map[string]ServiceState
}

// Services observes installation, enablement, and activity for each named
// service. An absent service observes as all-false.
func Services(ctx context.Context, t transport.Transport, names []string) (*ObservedServices, error) {
	obs := &ObservedServices{Services: make(map[string]ServiceState, len(names))}
	for _, name := range names {
		var st ServiceState

		res, err := run(ctx, t, "services", fmt.Sprintf("dpkg-query -W -f='${Status}' %s 2>/dev/null", name))
		if err != nil {
			return nil, err
		}
		st.Installed = res.ExitCode == 0 && strings.Contains(res.Stdout, "install ok installed")

		res, err = run(ctx, t, "services", fmt.Sprintf("systemctl is-enabled %s 2>/dev/null", name))
		if err != nil {
			return nil, err
		}
		st.Enabled = strings.TrimSpace(res.Stdout) == "enabled"

		res, err = run(ctx, t, "services", fmt.Sprintf("systemctl is-active %s 2>/dev/null", name))
		if err != nil {
			return nil, err
		}
		st.Active = strings.TrimSpace(res.Stdout) == "active"

		obs.Services[name] = st
	}
	return obs, nil
}
