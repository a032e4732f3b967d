// internal/reconcile/packages.go
package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/reza-ameri/converge/internal/config"
	"github.com/reza-ameri/converge/internal/probe"
	"github.com/reza-ameri/converge/internal/report"
	"github.com/reza-ameri/converge/internal/transport"
)

const (
	aptProxyPath  = "/etc/apt/apt.conf.d/95converge-proxy"
	dockerKeyURL  = "https://download.docker.com/linux/ubuntu/gpg"
	dockerKeyPath = "/etc/apt/keyrings/docker.asc"
	dockerListPath = "/etc/apt/sources.list.d/docker.list"
	composePath   = "/usr/local/bin/docker-compose"
)

// Packages converges the declared package set and the pinned docker-compose
// binary. All upstream fetches (apt traffic, GPG key, compose release) go
// through the host's proxy so restricted-network hosts work uniformly.
type Packages struct{}

func (Packages) Kind() string { return "packages" }

func (p Packages) Reconcile(ctx context.Context, t transport.Transport, cfg *config.Config) (report.Status, error) {
	obs, err := probe.Packages(ctx, t, cfg.Packages)
	if err != nil {
		return report.Failed, err
	}

	changed := false

	if cfg.ProxyURL() != "" {
		wrote, err := ensureAptProxy(ctx, t, cfg.ProxyURL())
		if err != nil {
			return report.Failed, err
		}
		changed = changed || wrote
	}

	var missing []string
	for _, name := range cfg.Packages {
		if !obs.Packages[name].Installed {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		if needsDockerRepo(missing) {
			wrote, err := ensureDockerRepo(ctx, t)
			if err != nil {
				return report.Failed, err
			}
			changed = changed || wrote
		}
		if err := aptInstall(ctx, t, missing...); err != nil {
			return report.Failed, err
		}
		changed = true
	}

	if cfg.DockerComposeVersion != "" {
		want := normalizeVersion(cfg.DockerComposeVersion)
		if normalizeVersion(obs.ComposeVersion) != want {
			if err := installCompose(ctx, t, want); err != nil {
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

// ensureAptProxy writes the apt proxy drop-in when its content drifted.
func ensureAptProxy(ctx context.Context, t transport.Transport, proxyURL string) (bool, error) {
	want := []byte(fmt.Sprintf("Acquire::http::Proxy %q;\nAcquire::https::Proxy %q;\n", proxyURL, proxyURL))
	current, err := t.ReadFile(ctx, aptProxyPath)
	if err == nil && bytes.Equal(current, want) {
		return false, nil
	}
	if err := t.WriteFile(ctx, aptProxyPath, want, 0644); err != nil {
		return false, err
	}
	return true, nil
}

func needsDockerRepo(missing []string) bool {
	for _, name := range missing {
		if strings.HasPrefix(name, "docker-") || strings.HasPrefix(name, "containerd") {
			return true
		}
	}
	return false
}

// ensureDockerRepo installs Docker's signing key and apt source. The key is
// fetched on the control machine through the proxy, not on the host.
func ensureDockerRepo(ctx context.Context, t transport.Transport) (bool, error) {
	changed := false

	if _, err := t.ReadFile(ctx, dockerKeyPath); err != nil {
		key, err := t.Fetch(ctx, dockerKeyURL)
		if err != nil {
			return changed, fmt.Errorf("fetch docker signing key: %w", err)
		}
		if err := t.WriteFile(ctx, dockerKeyPath, key, 0644); err != nil {
			return changed, err
		}
		changed = true
	}

	res, err := runOK(ctx, t, `. /etc/os-release && printf '%s' "$VERSION_CODENAME"`)
	if err != nil {
		return changed, fmt.Errorf("detect release codename: %w", err)
	}
	codename := strings.TrimSpace(res.Stdout)
	if codename == "" {
		return changed, fmt.Errorf("could not detect release codename")
	}

	want := []byte(fmt.Sprintf(
		"deb [arch=amd64 signed-by=%s] https://download.docker.com/linux/ubuntu %s stable\n",
		dockerKeyPath, codename))
	current, err := t.ReadFile(ctx, dockerListPath)
	if err != nil || !bytes.Equal(current, want) {
		if err := t.WriteFile(ctx, dockerListPath, want, 0644); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func composeURL(version string) string {
	return fmt.Sprintf("https://github.com/docker/compose/releases/download/%s/docker-compose-linux-x86_64", version)
}

func installCompose(ctx context.Context, t transport.Transport, version string) error {
	bin, err := t.Fetch(ctx, composeURL(version))
	if err != nil {
		return fmt.Errorf("fetch docker-compose %s: %w", version, err)
	}
	if err := t.WriteFile(ctx, composePath, bin, 0755); err != nil {
		return err
	}
	return nil
}

// normalizeVersion makes "2.24.5" and "v2.24.5" compare equal.
func normalizeVersion(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
