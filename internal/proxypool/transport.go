package proxypool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// NewBaseTransport returns the pooled transport all per-proxy transports are cloned from.
func NewBaseTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// NewTransport clones base and routes it through address.
// HTTP(S) proxies use CONNECT; SOCKS5 proxies replace the dialer.
func NewTransport(base *http.Transport, address string) (*http.Transport, error) {
	if base == nil {
		base = NewBaseTransport()
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", address, err)
	}
	t := base.Clone()
	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
		return t, nil
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, &net.Dialer{Timeout: 10 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("build socks5 dialer: %w", err)
		}
		t.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// HTTPChecker validates a proxy by sending HEAD CheckURL through it.
type HTTPChecker struct {
	Base      *http.Transport
	CheckURL  string
	UserAgent string
}

// Check returns nil when the proxy relays CheckURL with a status below 400.
func (c *HTTPChecker) Check(ctx context.Context, address string) error {
	transport, err := NewTransport(c.Base, address)
	if err != nil {
		return err
	}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.CheckURL, nil)
	if err != nil {
		return fmt.Errorf("build check request: %w", err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("check proxy: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("check proxy: status %d", resp.StatusCode)
	}
	return nil
}
