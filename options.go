package webcom

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/cedlm/webcom-go/internal/connfsm"
	"github.com/cedlm/webcom-go/internal/reactor"
	"github.com/cedlm/webcom-go/transport"
	"github.com/cedlm/webcom-go/transport/proxy"
	"github.com/cedlm/webcom-go/transport/ws"
)

// Option configures a Context. See New.
type Option func(*options)

type options struct {
	token     string
	secure    bool
	netDial   func(ctx context.Context, network, addr string) (net.Conn, error)
	reactor   reactor.Reactor
	dialer    transport.Dialer
	backoff   connfsm.BackoffPolicy
	keepalive time.Duration
}

func defaultOptions() options {
	return options{
		secure:    true,
		reactor:   reactor.NewDefault(),
		backoff:   connfsm.BackoffPolicy{},
		keepalive: 0,
	}
}

// WithToken sets the auth token sent as the "token" query parameter on
// the initial WebSocket handshake.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithInsecure connects over ws:// instead of the default wss://. Use
// only against a local/test server.
func WithInsecure() Option {
	return func(o *options) { o.secure = false }
}

// WithProxy routes the connection through the given SOCKS5 address
// instead of the default ALL_PROXY/NO_PROXY environment detection
// transport/proxy.DialContext already applies.
func WithProxy(socksAddr string) Option {
	return func(o *options) {
		dial, err := proxy.Static(socksAddr, nil)
		if err != nil {
			// Static only fails on a malformed socksAddr; surface it at
			// connect time instead of panicking during option application.
			o.netDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return nil, err
			}
			return
		}
		o.netDial = dial
	}
}

// WithKeepalive overrides the default keepalive ping interval. Zero
// keeps connfsm's built-in default.
func WithKeepalive(d time.Duration) Option {
	return func(o *options) { o.keepalive = d }
}

// WithBackoff overrides the default full-jitter exponential backoff
// policy used between reconnect attempts.
func WithBackoff(base, cap time.Duration) Option {
	return func(o *options) { o.backoff = connfsm.BackoffPolicy{Base: base, Cap: cap} }
}

// WithReactor overrides the timer implementation the connection state
// machine schedules backoff and keepalive timers against. Default is
// reactor.NewDefault(), built on time.AfterFunc.
func WithReactor(r reactor.Reactor) Option {
	return func(o *options) { o.reactor = r }
}

// WithTransport overrides the transport.Dialer used to open connections.
// Default is transport/ws.Dialer wired to the ambient proxy environment
// (or WithProxy's explicit SOCKS5 dialer, if set).
func WithTransport(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func (o options) resolveDialer(application string) transport.Dialer {
	if o.dialer != nil {
		return o.dialer
	}
	netDial := o.netDial
	if netDial == nil {
		netDial = proxy.DialContext()
	}
	query := url.Values{"v": {"5"}, "ns": {application}}
	if o.token != "" {
		query.Set("token", o.token)
	}
	return &ws.Dialer{Secure: o.secure, NetDialContext: netDial, Query: query}
}
