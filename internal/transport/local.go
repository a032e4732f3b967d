// internal/transport/local.go
package transport

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// Local runs commands on the control machine itself. Mainly for development
// and for converging the machine converge runs on.
type Local struct {
	Proxy string
}

func NewLocal(proxyURL string) *Local {
	return &Local{Proxy: proxyURL}
}

func (l *Local) Run(ctx context.Context, cmd string) (Result, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return Result{}, &Error{Op: "run", Host: "local", Err: err}
	}
	return res, nil
}

func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (l *Local) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	return os.WriteFile(path, data, mode)
}

func (l *Local) Fetch(ctx context.Context, url string) ([]byte, error) {
	return fetchURL(ctx, "local", l.Proxy, url)
}

func (l *Local) Close() error { return nil }
