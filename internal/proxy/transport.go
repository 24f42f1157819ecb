package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
	"h12.io/socks"
)

// TransportConfig tunes the per-endpoint transports.
type TransportConfig struct {
	DialTimeout time.Duration
}

// Transport builds an http.RoundTripper that tunnels through the endpoint.
// Keep-alives are disabled so every attempt opens a fresh connection through its own proxy.
func Transport(e Endpoint, cfg TransportConfig) (*http.Transport, error) {
	if e.Address == "" {
		return nil, fmt.Errorf("proxy endpoint has no address")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tr := &http.Transport{
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: timeout,
	}
	switch e.Kind {
	case KindHTTP:
		tr.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: e.Address})
		tr.DialContext = (&net.Dialer{Timeout: timeout}).DialContext
	case KindSOCKS5:
		dialer, err := xproxy.SOCKS5("tcp", e.Address, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer %s: %w", e.Address, err)
		}
		contextDialer, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer %s does not support contexts", e.Address)
		}
		tr.DialContext = contextDialer.DialContext
	case KindSOCKS4:
		dial := socks.Dial(fmt.Sprintf("socks4://%s?timeout=%s", e.Address, timeout))
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialWithContext(ctx, dial, network, addr)
		}
	default:
		return nil, fmt.Errorf("unknown proxy kind %q", e.Kind)
	}
	return tr, nil
}

// dialWithContext runs a context-unaware dial and abandons it when ctx ends first.
func dialWithContext(
	ctx context.Context,
	dial func(string, string) (net.Conn, error),
	network, addr string,
) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := dial(network, addr)
		done <- result{conn: conn, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("socks4 dial %s: %w", addr, res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("socks4 dial %s: %w", addr, ctx.Err())
	}
}
