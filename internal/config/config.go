// internal/config/config.go
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ServiceSpec declares the target state for one system service. Installed
// means "ensure the package is present"; a false value leaves installation
// alone rather than removing anything.
type ServiceSpec struct {
	Name      string `yaml:"name"`
	Installed bool   `yaml:"installed"`
	Enabled   bool   `yaml:"enabled"`
	Running   bool   `yaml:"running"`
}

// Config is the declared target state for a run. It is constructed once from
// the variables file and treated as read-only by every component after that.
type Config struct {
	ProxyHost   string `yaml:"proxy_host"`
	ProxyPort   int    `yaml:"proxy_port"`
	ProxyUser   string `yaml:"proxy_user"`
	ProxyPass   string `yaml:"proxy_pass"`
	ProxyScheme string `yaml:"proxy_scheme"`

	AllowedPorts         []int  `yaml:"allowed_ports"`
	DockerComposeVersion string `yaml:"docker_compose_version"`

	SSHUser           string `yaml:"ansible_ssh_user"`
	SSHPrivateKeyFile string `yaml:"ansible_ssh_private_key_file"`

	Packages      []string          `yaml:"packages"`
	SSHDirectives map[string]string `yaml:"ssh_directives"`
	Services      []ServiceSpec     `yaml:"services"`
}

/// Defaults mirror the conventional hardening set: docker engine packages,
// web + ssh ports open, root login off, fail2ban on, crash reporters off.
func defaults() *Config {
	return &Config{
		ProxyScheme:  "http",
		AllowedPorts: []int{22, 80, 443},
		Packages:     []string{"docker-ce", "docker-ce-cli", "containerd.io"},
		SSHDirectives: map[string]string{
			"PermitRootLogin": "no",
		},
		Services: []ServiceSpec{
			{Name: "fail2ban", Installed: true, Enabled: true, Running: true},
			{Name: "apport", Installed: false, Enabled: false, Running: false},
			{Name: "whoopsie", Installed: false, Enabled: false, Running: false},
		},
	}
}

// Parse decodes the variables file. Unknown keys are rejected so a typo in a
// variable name fails the run instead of silently doing nothing.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid variables file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.AllowedPorts = dedupePorts(cfg.AllowedPorts)
	return cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (c *Config) validate() error {
	for _, p := range c.AllowedPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("allowed_ports: invalid port %d", p)
		}
	}
	switch c.ProxyScheme {
	case "http", "socks5":
	default:
		return fmt.Errorf("proxy_scheme: must be http or socks5, got %q", c.ProxyScheme)
	}
	if c.ProxyHost != "" && c.ProxyPort == 0 {
		return fmt.Errorf("proxy_host is set but proxy_port is not")
	}
	for _, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("services: name is required")
		}
		if s.Running && !s.Enabled && !s.Installed {
			return fmt.Errorf("services: %s declared running but neither installed nor enabled", s.Name)
		}
	}
	return nil
}

func dedupePorts(ports []int) []int {
	seen := make(map[int]bool, len(ports))
	out := ports[:0]
	for _, p := range ports {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ProxyURL returns the forward proxy as a URL string, or "" when no proxy is
// configured. Credentials are embedded so the same value works for apt, the
// SSH dialer, and HTTP fetches.
func (c *Config) ProxyURL() string {
	if c.ProxyHost == "" {
		return ""
	}
	u := url.URL{
		Scheme: c.ProxyScheme,
		Host:   fmt.Sprintf("%s:%d", c.ProxyHost, c.ProxyPort),
	}
	if c.ProxyUser != "" {
		u.User = url.UserPassword(c.ProxyUser, c.ProxyPass)
	}
	return u.String()
}

// ServiceNames returns the declared service names in declaration order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		names = append(names, s.Name)
	}
	return names
}

// DirectiveKeys returns the declared sshd directive names, sorted for stable
// command generation.
func (c *Config) DirectiveKeys() []string {
	keys := make([]string, 0, len(c.SSHDirectives))
	for k := range c.SSHDirectives {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
