// internal/transport/proxy.go
package transport

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// dialFunc opens a TCP connection to addr, directly or through a forward
// proxy depending on how it was built.
type dialFunc func(network, addr string) (net.Conn, error)

// newDialer builds the connection strategy for a host. proxyURL may be empty
// (direct), socks5://..., or http://... for an HTTP CONNECT proxy.
func newDialer(proxyURL string, timeout time.Duration) (dialFunc, error) {
	direct := &net.Dialer{Timeout: timeout}
	if proxyURL == "" {
		return direct.Dial, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}

	switch u.Scheme {
	case "socks5":
		var auth *xproxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pass}
		}
		d, err := xproxy.SOCKS5("tcp", u.Host, auth, direct)
		if err != nil {
			return nil, err
		}
		return d.Dial, nil
	case "http":
		return httpConnectDialer(u, direct), nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// httpConnectDialer tunnels TCP through an HTTP forward proxy using CONNECT.
func httpConnectDialer(proxy *url.URL, direct *net.Dialer) dialFunc {
	return func(network, addr string) (net.Conn, error) {
		conn, err := direct.Dial(network, proxy.Host)
		if err != nil {
			return nil, err
		}

		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if proxy.User != nil {
			pass, _ := proxy.User.Password()
			cred := base64.StdEncoding.EncodeToString([]byte(proxy.User.Username() + ":" + pass))
			req.Header.Set("Proxy-Authorization", "Basic "+cred)
		}
		if err := req.Write(conn); err != nil {
			conn.Close()
			return nil, err
		}

		resp, err := http.ReadResponse(bufio.NewReader(conn), req)
		if err != nil {
			conn.Close()
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("proxy CONNECT to %s: %s", addr, resp.Status)
		}
		return conn, nil
	}
}

// newHTTPClient builds the client used by Fetch, routing through the same
// proxy as the SSH channel so all outbound traffic obeys one policy.
func newHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{Timeout: timeout}, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	t := &http.Transport{}
	switch u.Scheme {
	case "http":
		t.Proxy = http.ProxyURL(u)
	case "socks5":
		dial, err := newDialer(proxyURL, timeout)
		if err != nil {
			return nil, err
		}
		t.Dial = dial
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}
