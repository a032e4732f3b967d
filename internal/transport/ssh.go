// internal/transport/ssh.go
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/reza-ameri/converge/internal/logging"
)

const (
	defaultDialTimeout = 10 * time.Second
	fetchTimeout       = 5 * time.Minute
	retryAttempts      = 3
	retryBase          = 500 * time.Millisecond
)

// Options describe one SSH target. Proxy is a URL (http:// or socks5://) or
// empty for a direct connection.
type Options struct {
	Alias          string
	Address        string
	Port           int
	User           string
	KeyFile        string
	KnownHostsPath string
	InsecureHostKey bool
	Proxy          string
	Timeout        time.Duration
}

// SSH runs commands on a remote host over a single ssh connection, opening
// one session per command.
type SSH struct {
	opts   Options
	client *ssh.Client
	dial   dialFunc
}

// DialSSH connects to the host described by opts, through its proxy when one
// is configured.
func DialSSH(opts Options) (*SSH, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDialTimeout
	}
	dial, err := newDialer(opts.Proxy, opts.Timeout)
	if err != nil {
		return nil, &Error{Op: "dial", Host: opts.Alias, Err: err}
	}

	s := &SSH{opts: opts, dial: dial}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SSH) connect() error {
	cfg, err := s.clientConfig()
	if err != nil {
		return &Error{Op: "dial", Host: s.opts.Alias, Err: err}
	}

	addr := net.JoinHostPort(s.opts.Address, fmt.Sprintf("%d", s.opts.Port))
	conn, err := s.dial("tcp", addr)
	if err != nil {
		return &Error{Op: "dial", Host: s.opts.Alias, Transient: isTransient(err), Err: err}
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return &Error{Op: "handshake", Host: s.opts.Alias, Transient: isTransient(err), Err: err}
	}

	s.client = ssh.NewClient(clientConn, chans, reqs)
	return nil
}

func (s *SSH) clientConfig() (*ssh.ClientConfig, error) {
	if s.opts.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	signer, err := s.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if s.opts.InsecureHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		hostKeyCallback, err = s.knownHostsCallback()
		if err != nil {
			return nil, err
		}
	}

	return &ssh.ClientConfig{
		User:            s.opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.opts.Timeout,
	}, nil
}

func (s *SSH) signer() (ssh.Signer, error) {
	if s.opts.KeyFile == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	key, err := os.ReadFile(s.opts.KeyFile)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

func (s *SSH) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(s.opts.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}

// Run executes cmd in a fresh session. Transient session failures are
// retried with exponential backoff, reconnecting if the link dropped.
func (s *SSH) Run(ctx context.Context, cmd string) (Result, error) {
	var res Result
	backoff := retry.WithMaxRetries(retryAttempts-1, retry.NewExponential(retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := s.runOnce(ctx, cmd)
		if err != nil {
			if IsTransient(err) {
				logging.Log.Debug().Str("host", s.opts.Alias).Err(err).Msg("retrying transient transport error")
				s.reconnect()
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func (s *SSH) reconnect() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	if err := s.connect(); err != nil {
		logging.Log.Debug().Str("host", s.opts.Alias).Err(err).Msg("reconnect failed")
	}
}

func (s *SSH) runOnce(ctx context.Context, cmd string) (Result, error) {
	if s.client == nil {
		if err := s.connect(); err != nil {
			return Result{}, err
		}
	}

	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, &Error{Op: "session", Host: s.opts.Alias, Transient: true, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	err = runSession(ctx, session, cmd)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			err = nil
		} else {
			return Result{}, &Error{Op: "run", Host: s.opts.Alias, Transient: isTransient(err), Err: err}
		}
	}

	logging.Log.Debug().
		Str("host", s.opts.Alias).
		Str("cmd", cmd).
		Int("exit", res.ExitCode).
		Dur("took", time.Since(start)).
		Msg("run")
	return res, nil
}

// runSession runs the command while honoring context cancellation; ssh
// sessions have no native context support.
func runSession(ctx context.Context, session *ssh.Session, cmd string) error {
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return ctx.Err()
	}
}

func (s *SSH) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := s.Run(ctx, "cat "+shellEscape(path))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("read %s: %s: %w", path, strings.TrimSpace(res.Stderr), fs.ErrNotExist)
	}
	return []byte(res.Stdout), nil
}

func (s *SSH) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if s.client == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}
	session, err := s.client.NewSession()
	if err != nil {
		return &Error{Op: "session", Host: s.opts.Alias, Transient: true, Err: err}
	}
	defer session.Close()

	dir := shellEscape(filepath.Dir(path))
	dst := shellEscape(path)
	tmp := shellEscape(path + ".tmp")
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s && mv %s %s",
		dir, tmp, mode.Perm(), tmp, tmp, dst)

	session.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	session.Stderr = &stderr
	if err := runSession(ctx, session, cmd); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("write %s: %s", path, strings.TrimSpace(stderr.String()))
		}
		return &Error{Op: "write", Host: s.opts.Alias, Transient: isTransient(err), Err: err}
	}
	return nil
}

// Fetch downloads a URL from the control machine through the host's proxy
// (or directly), so restricted-network hosts never fetch upstream themselves.
func (s *SSH) Fetch(ctx context.Context, url string) ([]byte, error) {
	return fetchURL(ctx, s.opts.Alias, s.opts.Proxy, url)
}

func (s *SSH) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
