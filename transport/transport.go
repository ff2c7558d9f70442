// Package transport defines the byte-level connection Webcom speaks its
// wire protocol over, independent of any particular library. The
// default implementation (transport/ws) uses gorilla/websocket;
// transport/proxy supplies SOCKS5 proxy dial functions that
// transport/ws.Dialer can dial through.
//
// Grounded on connect/endpoint.go's interface-first approach to service
// connectivity (an Endpoint abstraction the rest of the client package
// programs against, with concrete dialing pushed to the edges).
package transport

import "context"

// Conn is one open connection to a Webcom server. Implementations must
// make ReadMessage safe to call from exactly one goroutine (the
// connection's read loop) and WriteMessage/Close safe to call from any
// goroutine concurrently with ReadMessage.
type Conn interface {
	// ReadMessage blocks until one complete text frame arrives, the
	// connection closes, or ctx is canceled.
	ReadMessage(ctx context.Context) (string, error)
	// WriteMessage sends one complete text frame.
	WriteMessage(ctx context.Context, data string) error
	// Close closes the underlying connection. Idempotent.
	Close() error
}

// Dialer opens a Conn to a Webcom host. host is a bare host[:port] with
// no scheme; implementations decide the scheme (wss/ws) and path.
type Dialer interface {
	Dial(ctx context.Context, host string) (Conn, error)
}
