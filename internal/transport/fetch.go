// internal/transport/fetch.go
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// fetchURL downloads url, through proxyURL when set. Shared by the SSH and
// Local transports.
func fetchURL(ctx context.Context, host, proxyURL, url string) ([]byte, error) {
	client, err := newHTTPClient(proxyURL, fetchTimeout)
	if err != nil {
		return nil, &Error{Op: "fetch", Host: host, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Op: "fetch", Host: host, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Op: "fetch", Host: host, Transient: isTransient(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "fetch", Host: host, Err: fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "fetch", Host: host, Transient: isTransient(err), Err: err}
	}
	return data, nil
}
