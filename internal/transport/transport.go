// internal/transport/transport.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Result is the outcome of a command that actually ran. A non-zero exit code
// is data for the caller to interpret, not a transport failure.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Error is a transport-level failure: the command or file operation could not
// be carried to the host at all. Transient errors (resets, timeouts) are
// retried by the SSH transport before surfacing.
type Error struct {
	Op        string
	Host      string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s on %s: %v", e.Op, e.Host, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport error worth retrying.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Transient
}

// Transport is the remote command and file channel used by probes and
// reconcilers. Implementations: SSH (optionally through a forward proxy),
// Local (control machine itself), and Mock (tests).
type Transport interface {
	Run(ctx context.Context, cmd string) (Result, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	// Fetch retrieves a URL through the host's configured proxy (or directly
	// when none is set), so package downloads honor restricted-network rules.
	Fetch(ctx context.Context, url string) ([]byte, error)
	Close() error
}
