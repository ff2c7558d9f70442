// Package ws is the default transport.Dialer, backed by
// github.com/gorilla/websocket. Webcom's own servers speak the
// protocol over a single long-lived WebSocket per connection attempt
// (spec §4.9), so this is the transport every production deployment
// uses; transport.Dialer exists mainly so tests can substitute an
// in-memory fake.
package ws

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cedlm/webcom-go/transport"
)

// Dialer opens WebSocket connections to Webcom hosts.
type Dialer struct {
	// Secure selects wss:// (true) vs ws:// (false). The zero value is
	// ws://; the Context Facade sets Secure unless WithInsecure is given.
	Secure bool
	// Path is appended to the host to form the connection URL, e.g.
	// "/.ws". Defaults to "/.ws" if empty.
	Path string
	// HandshakeTimeout bounds the WebSocket upgrade itself, separate
	// from the Webcom handshake that follows on top of it. Defaults to
	// 10s if zero.
	HandshakeTimeout time.Duration
	// NetDialContext, if set, is used in place of the default dialer —
	// transport/proxy installs a SOCKS/HTTP-proxying one here.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// Query is appended to the connection URL, e.g. {"v": {"5"}, "ns":
	// {"myapp"}} for Webcom's protocol-version/namespace/token params.
	Query url.Values
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial opens a WebSocket connection to host.
func (d *Dialer) Dial(ctx context.Context, host string) (transport.Conn, error) {
	scheme := "wss"
	if !d.Secure {
		scheme = "ws"
	}
	path := d.Path
	if path == "" {
		path = "/.ws"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path}
	if len(d.Query) > 0 {
		u.RawQuery = d.Query.Encode()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout(),
		NetDialContext:   d.NetDialContext,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("ws: dial %s: %w (http status %d)", u.String(), err, status)
	}
	return &wsConn{conn: conn}, nil
}

func (d *Dialer) handshakeTimeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return 10 * time.Second
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage(ctx context.Context) (string, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("ws: read: %w", err)
	}
	return string(data), nil
}

func (c *wsConn) WriteMessage(ctx context.Context, data string) error {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
