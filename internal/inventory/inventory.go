// internal/inventory/inventory.go
package inventory

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Host is one connection target. Immutable once the inventory is loaded.
type Host struct {
	Alias    string `yaml:"-"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	KeyFile  string `yaml:"key_file"`
	ProxyRef string `yaml:"proxy"`
}

// Proxy is a named forward proxy hosts can reference.
type Proxy struct {
	Scheme string `yaml:"scheme"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	Pass   string `yaml:"pass"`
}

// URL renders the proxy as a URL string usable by the transport dialer.
func (p Proxy) URL() string {
	u := url.URL{
		Scheme: p.Scheme,
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Pass)
	}
	return u.String()
}

type Inventory struct {
	Hosts   []Host
	Proxies map[string]Proxy
}

type rawInventory struct {
	Hosts   map[string]Host  `yaml:"hosts"`
	Proxies map[string]Proxy `yaml:"proxies"`
}

// Parse decodes the inventory file. Host order is normalized to sorted alias
// order so fanout and reporting are deterministic.
func Parse(data []byte) (*Inventory, error) {
	var raw rawInventory
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}
	if len(raw.Hosts) == 0 {
		return nil, fmt.Errorf("inventory declares no hosts")
	}

	inv := &Inventory{Proxies: raw.Proxies}
	for alias, h := range raw.Hosts {
		h.Alias = alias
		if h.Address == "" {
			return nil, fmt.Errorf("host %s: address is required", alias)
		}
		if h.Port == 0 {
			h.Port = 22
		}
		if h.ProxyRef != "" {
			if _, ok := raw.Proxies[h.ProxyRef]; !ok {
				return nil, fmt.Errorf("host %s: unknown proxy %q", alias, h.ProxyRef)
			}
		}
		inv.Hosts = append(inv.Hosts, h)
	}
	sort.Slice(inv.Hosts, func(i, j int) bool { return inv.Hosts[i].Alias < inv.Hosts[j].Alias })

	for name, p := range raw.Proxies {
		if p.Host == "" || p.Port == 0 {
			return nil, fmt.Errorf("proxy %s: host and port are required", name)
		}
		switch p.Scheme {
		case "", "http", "socks5":
		default:
			return nil, fmt.Errorf("proxy %s: scheme must be http or socks5", name)
		}
		if p.Scheme == "" {
			p.Scheme = "http"
			inv.Proxies[name] = p
		}
	}

	return inv, nil
}

func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Limit returns a copy narrowed to the named aliases. It is a pure filter:
// hosts outside the selection are simply absent from the result. Naming an
// alias the inventory does not contain is an error so typos do not silently
// shrink a run to nothing.
func (inv *Inventory) Limit(aliases []string) (*Inventory, error) {
	if len(aliases) == 0 {
		return inv, nil
	}
	want := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		want[a] = true
	}
	out := &Inventory{Proxies: inv.Proxies}
	for _, h := range inv.Hosts {
		if want[h.Alias] {
			out.Hosts = append(out.Hosts, h)
			delete(want, h.Alias)
		}
	}
	for a := range want {
		return nil, fmt.Errorf("limit: host %q not in inventory", a)
	}
	return out, nil
}

// ProxyURL resolves the proxy for a host: the host's named proxy if set,
// otherwise the supplied global fallback (may be empty for direct).
func (inv *Inventory) ProxyURL(h Host, global string) string {
	if h.ProxyRef != "" {
		return inv.Proxies[h.ProxyRef].URL()
	}
	return global
}
