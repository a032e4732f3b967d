// internal/reconcile/reconcile_test.go
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reza-ameri/converge/internal/config"
	"github.com/reza-ameri/converge/internal/report"
	"github.com/reza-ameri/converge/internal/transport"
)

func mustConfig(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func pkgInstalled(m *transport.Mock, name, version string) {
	cmd := fmt.Sprintf("dpkg-query -W -f='${Status} ${Version}' %s 2>/dev/null", name)
	m.RunOutputs[cmd] = "install ok installed " + version
}

func pkgAbsent(m *transport.Mock, name string) {
	cmd := fmt.Sprintf("dpkg-query -W -f='${Status} ${Version}' %s 2>/dev/null", name)
	m.RunExits[cmd] = 1
}

func svcState(m *transport.Mock, name string, installed, enabled, active bool) {
	dpkg := fmt.Sprintf("dpkg-query -W -f='${Status}' %s 2>/dev/null", name)
	if installed {
		m.RunOutputs[dpkg] = "install ok installed"
	} else {
		m.RunExits[dpkg] = 1
	}
	enabledCmd := fmt.Sprintf("systemctl is-enabled %s 2>/dev/null", name)
	if enabled {
		m.RunOutputs[enabledCmd] = "enabled\n"
	} else {
		m.RunExits[enabledCmd] = 1
	}
	activeCmd := fmt.Sprintf("systemctl is-active %s 2>/dev/null", name)
	if active {
		m.RunOutputs[activeCmd] = "active\n"
	} else {
		m.RunOutputs[activeCmd] = "inactive\n"
		m.RunExits[activeCmd] = 3
	}
}

func mutations(m *transport.Mock) []transport.MockCall {
	var out []transport.MockCall
	for _, c := range m.Calls {
		if c.Method == "WriteFile" || c.Method == "Fetch" {
			out = append(out, c)
		}
	}
	return out
}

func TestPackages_BareHost(t *testing.T) {
	cfg := mustConfig(t, "docker_compose_version: v2.24.5\n")
	mock := transport.NewMock()
	for _, p := range cfg.Packages {
		pkgAbsent(mock, p)
	}
	mock.RunExits["docker-compose --version 2>/dev/null"] = 127
	mock.FetchBodies["https://download.docker.com/linux/ubuntu/gpg"] = []byte("KEY")
	mock.RunOutputs[`. /etc/os-release && printf '%s' "$VERSION_CODENAME"`] = "jammy"
	mock.FetchBodies["https://github.com/docker/compose/releases/download/v2.24.5/docker-compose-linux-x86_64"] = []byte("BIN")

	status, err := Packages{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Changed {
		t.Fatalf("expected Changed, got %s", status)
	}

	if _, ok := mock.Files["/etc/apt/keyrings/docker.asc"]; !ok {
		t.Fatal("docker signing key not written")
	}
	list := string(mock.Files["/etc/apt/sources.list.d/docker.list"])
	if !strings.Contains(list, "ubuntu jammy stable") {
		t.Fatalf("unexpected docker.list: %q", list)
	}
	if string(mock.Files["/usr/local/bin/docker-compose"]) != "BIN" {
		t.Fatal("docker-compose binary not written")
	}

	var installed bool
	for _, cmd := range mock.RunCommands() {
		if strings.HasPrefix(cmd, "DEBIAN_FRONTEND=noninteractive apt-get install -y ") {
			for _, p := range cfg.Packages {
				if !strings.Contains(cmd, p) {
					t.Fatalf("install command missing %s: %q", p, cmd)
				}
			}
			installed = true
		}
	}
	if !installed {
		t.Fatal("no apt-get install issued")
	}
}

func TestPackages_Idempotent(t *testing.T) {
	cfg := mustConfig(t, "docker_compose_version: v2.24.5\n")
	mock := transport.NewMock()
	for _, p := range cfg.Packages {
		pkgInstalled(mock, p, "5:24.0.7-1")
	}
	mock.RunOutputs["docker-compose --version 2>/dev/null"] = "Docker Compose version v2.24.5"

	status, err := Packages{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Unchanged {
		t.Fatalf("expected Unchanged, got %s", status)
	}
	if muts := mutations(mock); len(muts) != 0 {
		t.Fatalf("satisfied host must see zero mutations, got %v", muts)
	}
	// probes only: one dpkg-query per package plus the compose version check
	if got, want := len(mock.RunCommands()), len(cfg.Packages)+1; got != want {
		t.Fatalf("expected %d probe commands, got %d: %v", want, got, mock.RunCommands())
	}
}

func TestPackages_WritesAptProxy(t *testing.T) {
	cfg := mustConfig(t, "proxy_host: squid.example.com\nproxy_port: 3128\n")
	mock := transport.NewMock()
	for _, p := range cfg.Packages {
		pkgInstalled(mock, p, "1")
	}
	mock.RunExits["docker-compose --version 2>/dev/null"] = 127

	status, err := Packages{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Changed {
		t.Fatalf("expected Changed for drifted proxy file, got %s", status)
	}
	content := string(mock.Files["/etc/apt/apt.conf.d/95converge-proxy"])
	if !strings.Contains(content, `Acquire::http::Proxy "http://squid.example.com:3128";`) {
		t.Fatalf("unexpected proxy drop-in: %q", content)
	}

	// second run: file matches, nothing to do
	mock2 := transport.NewMock()
	for _, p := range cfg.Packages {
		pkgInstalled(mock2, p, "1")
	}
	mock2.RunExits["docker-compose --version 2>/dev/null"] = 127
	mock2.Files["/etc/apt/apt.conf.d/95converge-proxy"] = []byte(content)
	status, err = Packages{}.Reconcile(context.Background(), mock2, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Unchanged {
		t.Fatalf("expected Unchanged on second run, got %s", status)
	}
}

func TestPackages_ComposePinUpgrade(t *testing.T) {
	cfg := mustConfig(t, "packages: []\ndocker_compose_version: 2.24.5\n")
	mock := transport.NewMock()
	mock.RunOutputs["docker-compose --version 2>/dev/null"] = "docker-compose version v1.29.2, build unknown"
	mock.FetchBodies["https://github.com/docker/compose/releases/download/v2.24.5/docker-compose-linux-x86_64"] = []byte("NEW")

	status, err := Packages{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Changed {
		t.Fatalf("expected Changed, got %s", status)
	}
	if string(mock.Files["/usr/local/bin/docker-compose"]) != "NEW" {
		t.Fatal("compose binary not replaced")
	}
}

func TestFirewall_Satisfied(t *testing.T) {
	cfg := mustConfig(t, "{}")
	mock := transport.NewMock()
	mock.RunOutputs["ufw status verbose 2>/dev/null"] = `Status: active
Default: deny (incoming), allow (outgoing), disabled (routed)
22/tcp                     ALLOW IN    Anywhere
80/tcp                     ALLOW IN    Anywhere
443/tcp                    ALLOW IN    Anywhere
`

	status, err := Firewall{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Unchanged {
		t.Fatalf("expected Unchanged, got %s", status)
	}
	if len(mock.RunCommands()) != 1 {
		t.Fatalf("satisfied firewall should only probe, got %v", mock.RunCommands())
	}
}

func TestFirewall_AppliesAtomically(t *testing.T) {
	cfg := mustConfig(t, "allowed_ports: [22, 8080]\n")
	mock := transport.NewMock()
	mock.RunOutputs["ufw status verbose 2>/dev/null"] = "Status: inactive\n"

	status, err := Firewall{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Changed {
		t.Fatalf("expected Changed, got %s", status)
	}

	cmds := mock.RunCommands()
	if len(cmds) != 2 {
		t.Fatalf("expected probe + one apply script, got %v", cmds)
	}
	script := cmds[1]
	backupIdx := strings.Index(script, "cp -a /etc/ufw/user.rules")
	resetIdx := strings.Index(script, "ufw --force reset")
	if backupIdx < 0 || resetIdx < 0 || backupIdx > resetIdx {
		t.Fatalf("backup must precede the first mutation:\n%s", script)
	}
	if !strings.Contains(script, "|| { restore; exit 1; }") {
		t.Fatalf("script has no rollback branch:\n%s", script)
	}
	for _, want := range []string{"ufw allow 22/tcp", "ufw allow 8080/tcp", "ufw default deny incoming", "ufw --force enable"} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
	// every rebuild step must sit on the &&-chain guarded by the rollback
	// branch; a bare newline-separated step would not stop the sequence
	guarded := script[strings.Index(script, "{ ufw --force reset"):]
	for _, step := range []string{"ufw default deny incoming", "ufw default allow outgoing", "ufw allow 22/tcp", "ufw allow 8080/tcp", "ufw --force enable"} {
		idx := strings.Index(guarded, step)
		if idx < 0 {
			t.Fatalf("step %q not in guarded chain:\n%s", step, script)
		}
		prefix := strings.TrimSpace(guarded[:idx])
		if !strings.HasSuffix(prefix, "&&") {
			t.Fatalf("step %q not chained with &&:\n%s", step, script)
		}
	}
}

// writeStub installs an executable shell stub that appends its invocation to
// $CALL_LOG before running body.
func writeStub(t *testing.T, dir, name, body string) {
	t.Helper()
	script := fmt.Sprintf("#!/bin/sh\necho \"%s $*\" >> \"$CALL_LOG\"\n%s\n", name, body)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestFirewall_MidApplyFailureRollsBack(t *testing.T) {
	bin := t.TempDir()
	log := filepath.Join(t.TempDir(), "calls.log")
	t.Setenv("CALL_LOG", log)
	t.Setenv("TMPDIR", t.TempDir())
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	writeStub(t, bin, "cp", "exit 0")
	writeStub(t, bin, "ufw", `[ "$*" = "default deny incoming" ] && exit 1
exit 0`)

	local := transport.NewLocal("")
	res, err := local.Run(context.Background(), applyScript([]int{22, 443}))
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatalf("mid-sequence failure must fail the script, got exit 0\nstderr: %s", res.Stderr)
	}

	data, readErr := os.ReadFile(log)
	if readErr != nil {
		t.Fatalf("stub log: %v", readErr)
	}
	calls := strings.TrimSpace(string(data))
	failIdx := strings.Index(calls, "ufw default deny incoming")
	if failIdx < 0 {
		t.Fatalf("failing step never ran:\n%s", calls)
	}
	after := calls[failIdx:]
	for _, forbidden := range []string{"ufw default allow outgoing", "ufw allow 22/tcp", "ufw allow 443/tcp", "ufw --force enable"} {
		if strings.Contains(after, forbidden) {
			t.Fatalf("%q ran after the failing step:\n%s", forbidden, calls)
		}
	}
	if !strings.Contains(after, "cp -a") || !strings.Contains(after, "user.rules /etc/ufw/user.rules") {
		t.Fatalf("backup not restored after failure:\n%s", calls)
	}
}

func TestFirewall_FailureIsSingleCall(t *testing.T) {
	cfg := mustConfig(t, "{}")
	mock := transport.NewMock()
	mock.RunOutputs["ufw status verbose 2>/dev/null"] = "Status: inactive\n"
	mock.RunExits[applyScript(cfg.AllowedPorts)] = 1

	status, err := Firewall{}.Reconcile(context.Background(), mock, cfg)
	if err == nil || status != report.Failed {
		t.Fatalf("expected Failed, got %s %v", status, err)
	}
	// the script is the only mutating call; its internal restore handles
	// partial application, so nothing else may be issued after failure
	if len(mock.RunCommands()) != 2 {
		t.Fatalf("expected no calls after failed apply, got %v", mock.RunCommands())
	}
}

func TestFirewall_InstallsUfwWhenAbsent(t *testing.T) {
	cfg := mustConfig(t, "{}")
	mock := transport.NewMock()
	mock.RunExits["ufw status verbose 2>/dev/null"] = 127

	status, err := Firewall{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Changed {
		t.Fatalf("expected Changed, got %s", status)
	}
	var sawInstall bool
	for _, cmd := range mock.RunCommands() {
		if cmd == "DEBIAN_FRONTEND=noninteractive apt-get install -y ufw" {
			sawInstall = true
		}
	}
	if !sawInstall {
		t.Fatalf("ufw install not issued: %v", mock.RunCommands())
	}
}

func TestSSHConfig_Unchanged_NoReload(t *testing.T) {
	cfg := mustConfig(t, "{}")
	mock := transport.NewMock()
	mock.RunOutputs["sshd -T 2>/dev/null"] = "permitrootlogin no\n"

	status, err := SSHConfig{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Unchanged {
		t.Fatalf("expected Unchanged, got %s", status)
	}
	for _, cmd := range mock.RunCommands() {
		if strings.Contains(cmd, "reload") {
			t.Fatalf("reload issued with nothing changed: %q", cmd)
		}
	}
	if len(mock.RunCommands()) != 1 {
		t.Fatalf("expected probe only, got %v", mock.RunCommands())
	}
}

func TestSSHConfig_PatchAndReloadOnce(t *testing.T) {
	cfg := mustConfig(t, "{}")
	mock := transport.NewMock()
	mock.RunOutputs["sshd -T 2>/dev/null"] = "permitrootlogin yes\n"

	status, err := SSHConfig{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Changed {
		t.Fatalf("expected Changed, got %s", status)
	}

	cmds := mock.RunCommands()
	var reloads, seds int
	for _, cmd := range cmds {
		if strings.Contains(cmd, "systemctl reload") {
			reloads++
		}
		if strings.HasPrefix(cmd, "sed -i") {
			seds++
			if !strings.Contains(cmd, "PermitRootLogin no") {
				t.Fatalf("unexpected sed: %q", cmd)
			}
		}
	}
	if reloads != 1 {
		t.Fatalf("expected exactly one reload, got %d: %v", reloads, cmds)
	}
	if seds != 1 {
		t.Fatalf("expected one sed patch, got %d", seds)
	}
	if cmds[1] != "cp /etc/ssh/sshd_config /etc/ssh/sshd_config.converge.bak" {
		t.Fatalf("expected backup before patching, got %q", cmds[1])
	}
}

func TestSSHConfig_PathValueAndLowercaseKey(t *testing.T) {
	cfg := mustConfig(t, "ssh_directives:\n  Banner: /etc/issue.net\n")
	mock := transport.NewMock()
	mock.RunOutputs["sshd -T 2>/dev/null"] = "permitrootlogin no\nbanner none\n"

	status, err := SSHConfig{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Changed {
		t.Fatalf("expected Changed, got %s", status)
	}

	var sed, grep string
	for _, cmd := range mock.RunCommands() {
		if strings.HasPrefix(cmd, "sed -i") {
			sed = cmd
		}
		if strings.HasPrefix(cmd, "grep ") {
			grep = cmd
		}
	}
	// the slash in the value must not terminate the sed expression, and the
	// substitution must match lines keyed as "banner" too
	want := "sed -i 's|^#*Banner .*|Banner /etc/issue.net|I' /etc/ssh/sshd_config"
	if sed != want {
		t.Fatalf("sed = %q, want %q", sed, want)
	}
	if !strings.HasPrefix(grep, "grep -qi ") {
		t.Fatalf("append guard must match any key casing: %q", grep)
	}
}

func TestSSHConfig_InvalidConfigRestoresBackup(t *testing.T) {
	cfg := mustConfig(t, "{}")
	mock := transport.NewMock()
	mock.RunOutputs["sshd -T 2>/dev/null"] = "permitrootlogin yes\n"
	mock.RunExits["sshd -t"] = 1

	status, err := SSHConfig{}.Reconcile(context.Background(), mock, cfg)
	if err == nil || status != report.Failed {
		t.Fatalf("expected Failed, got %s %v", status, err)
	}
	var restored bool
	for _, cmd := range mock.RunCommands() {
		if cmd == "cp /etc/ssh/sshd_config.converge.bak /etc/ssh/sshd_config" {
			restored = true
		}
		if strings.Contains(cmd, "systemctl reload") {
			t.Fatalf("must not reload an invalid config: %q", cmd)
		}
	}
	if !restored {
		t.Fatal("backup not restored after invalid config")
	}
}

func TestServices_Converged(t *testing.T) {
	cfg := mustConfig(t, "{}")
	mock := transport.NewMock()
	svcState(mock, "fail2ban", true, true, true)
	svcState(mock, "apport", true, false, false)
	svcState(mock, "whoopsie", false, false, false)

	status, err := Services{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Unchanged {
		t.Fatalf("expected Unchanged, got %s", status)
	}
	// 3 probe commands per service, nothing else
	if got := len(mock.RunCommands()); got != 9 {
		t.Fatalf("expected 9 probe commands, got %d: %v", got, mock.RunCommands())
	}
}

func TestServices_BareHost(t *testing.T) {
	cfg := mustConfig(t, "{}")
	mock := transport.NewMock()
	svcState(mock, "fail2ban", false, false, false)
	svcState(mock, "apport", true, true, true)
	svcState(mock, "whoopsie", false, false, false)

	status, err := Services{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Changed {
		t.Fatalf("expected Changed, got %s", status)
	}

	want := map[string]bool{
		"DEBIAN_FRONTEND=noninteractive apt-get install -y fail2ban": false,
		"systemctl enable fail2ban":  false,
		"systemctl start fail2ban":   false,
		"systemctl disable apport":   false,
		"systemctl stop apport":      false,
	}
	for _, cmd := range mock.RunCommands() {
		if _, ok := want[cmd]; ok {
			want[cmd] = true
		}
		if strings.Contains(cmd, "whoopsie") && strings.HasPrefix(cmd, "systemctl disable") {
			t.Fatalf("absent service must be left alone: %q", cmd)
		}
	}
	for cmd, seen := range want {
		if !seen {
			t.Fatalf("expected command %q not issued: %v", cmd, mock.RunCommands())
		}
	}
}

func TestServices_DisableAlreadyDisabledIsNoop(t *testing.T) {
	cfg := mustConfig(t, `
services:
  - name: apport
    enabled: false
    running: false
`)
	mock := transport.NewMock()
	svcState(mock, "apport", true, false, false)

	status, err := Services{}.Reconcile(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != report.Unchanged {
		t.Fatalf("expected Unchanged, got %s", status)
	}
}
