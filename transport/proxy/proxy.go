// Package proxy adapts golang.org/x/net/proxy SOCKS5 dialers (explicit,
// or from ALL_PROXY/NO_PROXY via proxy.FromEnvironment) into the
// context-aware net dial function transport/ws.Dialer.NetDialContext
// expects, so a Webcom client can be routed through a corporate proxy
// the same way the teacher's service connectivity layer expects
// outbound dependencies to respect the ambient proxy environment.
package proxy

import (
	"context"
	"fmt"
	"net"

	xproxy "golang.org/x/net/proxy"
)

// DialContext returns a NetDialContext-shaped function that dials
// through the proxy named by the ALL_PROXY environment variable (a
// socks5:// URL), honoring NO_PROXY, and dials directly when none is
// configured. HTTP_PROXY and HTTPS_PROXY are not read, and no HTTP
// CONNECT proxying is done.
func DialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := xproxy.FromEnvironment()
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if ctxDialer, ok := dialer.(xproxy.ContextDialer); ok {
			return ctxDialer.DialContext(ctx, network, addr)
		}
		// Dialers that don't implement ContextDialer (some SOCKS5
		// configurations) can't observe ctx cancellation mid-dial; the
		// blocking call still returns once the proxy responds.
		conn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("proxy: dial %s: %w", addr, err)
		}
		return conn, nil
	}
}

// Static, for explicit SOCKS5 configuration rather than environment
// auto-detection.
func Static(socksAddr string, auth *xproxy.Auth) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	dialer, err := xproxy.SOCKS5("tcp", socksAddr, auth, xproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy: configure socks5 %s: %w", socksAddr, err)
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if ctxDialer, ok := dialer.(xproxy.ContextDialer); ok {
			return ctxDialer.DialContext(ctx, network, addr)
		}
		conn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("proxy: dial %s: %w", addr, err)
		}
		return conn, nil
	}, nil
}
