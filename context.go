// Package webcom is the Context Facade (spec §4.11): the public client
// SDK surface wiring the wire codec, tree cache, request/listen/on
// registries, and connection state machine into the datasync API
// applications call directly.
//
// Construction mirrors client/rig.go's Up/up split: New delegates to
// newContext, wrapping any error with a "webcom: " prefix; the facade itself never blocks on the network —
// Run starts in the background and the onEvent callback (or ServerTime,
// or Close's drain) is how a caller observes connection progress.
package webcom

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cedlm/webcom-go/internal/connfsm"
	"github.com/cedlm/webcom-go/internal/listenreg"
	"github.com/cedlm/webcom-go/internal/onreg"
	"github.com/cedlm/webcom-go/internal/reqreg"
	"github.com/cedlm/webcom-go/path"
	"github.com/cedlm/webcom-go/pushid"
	"github.com/cedlm/webcom-go/tree"
	"github.com/cedlm/webcom-go/wire"
)

// ConnState is the connection's position in its lifecycle, reported to
// an EventHandler registered with New.
type ConnState = connfsm.State

const (
	StateIdle        = connfsm.StateIdle
	StateConnecting  = connfsm.StateConnecting
	StateHandshaking = connfsm.StateHandshaking
	StateReady       = connfsm.StateReady
	StateBackoff     = connfsm.StateBackoff
)

// EventType identifies which kind of change an On* subscription fires
// for.
type EventType = onreg.EventType

const (
	EventValue        = onreg.EventValue
	EventChildAdded   = onreg.EventChildAdded
	EventChildChanged = onreg.EventChildChanged
	EventChildRemoved = onreg.EventChildRemoved
)

// Subscription is an opaque handle returned by every On* registration
// and consumed by OffPathTypeCallback.
type Subscription = onreg.Subscription

// EventHandler receives connection-lifecycle transitions. Registered
// once, at New.
type EventHandler func(ConnState)

// CompletionFunc receives the result of a Put or Merge. A nil err means
// the server acknowledged the mutation; otherwise err is a *RequestError
// (server rejected it) or a *TransportError (the connection dropped
// before a response arrived).
type CompletionFunc func(err error)

// ValueFunc receives a value-event: the full current value at path.
type ValueFunc func(path string, value any)

// ChildFunc receives a child-event: the child's key, its value (for
// child_removed, the value it had before removal), and the
// key of its current lexicographic predecessor among its siblings (""
// if it sorts first, or for child_removed, where ordering is moot).
type ChildFunc func(path string, key string, value any, prevKey string)

// Context is one logical Webcom connection: a local tree cache kept in
// sync with the server's, a set of path subscriptions, and the
// connection state machine driving it. The zero value is not usable;
// construct with New.
type Context struct {
	application string
	instanceID  string

	requests   *reqreg.Registry
	listens    *listenreg.Registry
	cache      *tree.Cache
	onRegistry *onreg.Registry
	dispatcher *onreg.Dispatcher
	fsm        *connfsm.FSM
	pushGen    *pushid.Generator

	cancel  context.CancelFunc
	runDone chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a Context connected to host:port under the given
// application namespace, and starts the connection state machine in
// the background. ctx's lifetime does not bound the Context's — only
// Close does that — but canceling ctx before Close is called will tear
// the connection down early, and ctx is the source New reads a logger
// from (see WithLogger). onEvent, if non-nil, is called on every
// connection state transition; it may be nil if the caller doesn't need
// lifecycle notifications.
func New(ctx context.Context, host string, port int, application string, onEvent EventHandler, opts ...Option) (*Context, error) {
	c, err := newContext(ctx, host, port, application, onEvent, opts...)
	if err != nil {
		return nil, fmt.Errorf("webcom: %w", err)
	}
	return c, nil
}

func newContext(ctx context.Context, host string, port int, application string, onEvent EventHandler, opts ...Option) (*Context, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	instanceID := uuid.New().String()
	logger := Logger(ctx).With("webcom_instance", instanceID, "application", application)

	requests := reqreg.New(logger)
	listens := listenreg.New(logger)
	cache := tree.NewCache()
	onRegistry := onreg.New(logger)
	dispatcher := onreg.NewDispatcher(onRegistry)

	cfg := connfsm.Config{
		Host:              addr,
		Dialer:            o.resolveDialer(application),
		Reactor:           o.reactor,
		Requests:          requests,
		Listens:           listens,
		Cache:             cache,
		Dispatcher:        dispatcher,
		Backoff:           o.backoff,
		KeepaliveInterval: o.keepalive,
		Logger:            logger,
		OnStateChange: func(s connfsm.State) {
			if onEvent != nil {
				onEvent(s)
			}
		},
	}
	fsm := connfsm.New(cfg)

	runCtx, cancel := context.WithCancel(ctx)
	c := &Context{
		application: application,
		instanceID:  instanceID,
		requests:    requests,
		listens:     listens,
		cache:       cache,
		onRegistry:  onRegistry,
		dispatcher:  dispatcher,
		fsm:         fsm,
		pushGen:     pushid.New(),
		cancel:      cancel,
		runDone:     make(chan struct{}),
	}

	go func() {
		defer close(c.runDone)
		fsm.Run(runCtx)
	}()

	return c, nil
}

// Put overwrites the value at path, replacing any existing subtree
// there entirely. onComplete, if non-nil, is invoked once the server
// acknowledges (or the connection drops first).
func (c *Context) Put(ctx context.Context, p string, value any, onComplete CompletionFunc) error {
	return c.mutate(ctx, wire.ActionPut, p, value, onComplete)
}

// Merge overlays value onto the existing subtree at path, leaving
// unnamed existing children untouched.
func (c *Context) Merge(ctx context.Context, p string, value any, onComplete CompletionFunc) error {
	return c.mutate(ctx, wire.ActionMerge, p, value, onComplete)
}

func (c *Context) mutate(ctx context.Context, action, p string, value any, onComplete CompletionFunc) error {
	if c.isClosed() {
		return ErrContextClosed
	}
	parsed, err := path.Parse(p)
	if err != nil {
		return &InvalidPathError{Input: p, Reason: err.Error()}
	}
	if _, err := json.Marshal(value); err != nil {
		return &InvalidJSONError{Err: err}
	}

	id, done := c.requests.Register()
	req := wire.DataRequest{ID: id, Action: action, Path: parsed.String(), Data: value}
	if err := c.fsm.Send(ctx, req); err != nil {
		c.requests.Cancel(id)
		return &TransportError{Op: action, Err: err}
	}

	if onComplete == nil {
		go func() { <-done }()
		return nil
	}

	go func() {
		res := <-done
		switch {
		case res.Err != nil:
			onComplete(&TransportError{Op: action, Err: res.Err})
		case res.Response.Status != wire.StatusOK:
			onComplete(&RequestError{Path: parsed.String(), Status: res.Response.Status})
		default:
			onComplete(nil)
		}
	}()
	return nil
}

// Push generates a new 20-character, time-ordered push ID, appends it
// as a child of path, and writes value there. It returns the generated
// ID immediately without waiting for server acknowledgement — pushes
// are fire-and-forget, matching get_push_id()'s synchronous contract in
// the original API.
func (c *Context) Push(ctx context.Context, p string, value any) (string, error) {
	if c.isClosed() {
		return "", ErrContextClosed
	}
	parsed, err := path.Parse(p)
	if err != nil {
		return "", &InvalidPathError{Input: p, Reason: err.Error()}
	}
	if _, err := json.Marshal(value); err != nil {
		return "", &InvalidJSONError{Err: err}
	}

	id := c.pushGen.Next(c.fsm.ServerTime().UnixMilli())
	child := parsed.Child(id)

	reqID, done := c.requests.Register()
	req := wire.DataRequest{ID: reqID, Action: wire.ActionPush, Path: child.String(), Data: value}
	if err := c.fsm.Send(ctx, req); err != nil {
		c.requests.Cancel(reqID)
		return "", &TransportError{Op: wire.ActionPush, Err: err}
	}
	go func() { <-done }()

	return id, nil
}

// OnValue subscribes cb to fire with the full current value at path
// whenever it changes, including once immediately if path is already
// populated.
func (c *Context) OnValue(p string, cb ValueFunc) (Subscription, error) {
	return c.on(p, onreg.EventValue, func(s onreg.Snapshot) {
		cb(s.Path.String(), s.View.Value())
	})
}

// OnChildAdded subscribes cb to fire once for each existing child of
// path and again for every subsequently added child.
func (c *Context) OnChildAdded(p string, cb ChildFunc) (Subscription, error) {
	return c.on(p, onreg.EventChildAdded, func(s onreg.Snapshot) {
		cb(s.Path.String(), s.Key, s.View.Value(), s.PrevKey)
	})
}

// OnChildChanged subscribes cb to fire whenever an existing child of
// path is overwritten with a different value.
func (c *Context) OnChildChanged(p string, cb ChildFunc) (Subscription, error) {
	return c.on(p, onreg.EventChildChanged, func(s onreg.Snapshot) {
		cb(s.Path.String(), s.Key, s.View.Value(), s.PrevKey)
	})
}

// OnChildRemoved subscribes cb to fire whenever a child of path is
// removed (set to null).
func (c *Context) OnChildRemoved(p string, cb ChildFunc) (Subscription, error) {
	return c.on(p, onreg.EventChildRemoved, func(s onreg.Snapshot) {
		cb(s.Path.String(), s.Key, s.View.Value(), s.PrevKey)
	})
}

func (c *Context) on(p string, event onreg.EventType, cb onreg.Callback) (Subscription, error) {
	if c.isClosed() {
		return Subscription{}, ErrContextClosed
	}
	parsed, err := path.Parse(p)
	if err != nil {
		return Subscription{}, &InvalidPathError{Input: p, Reason: err.Error()}
	}

	sub := c.onRegistry.On(parsed, event, cb)
	c.dispatcher.Prime(parsed, sub, event, c.cache.Get(parsed))
	c.ensureListen(parsed)
	return sub, nil
}

// ensureListen issues a "listen" request the first time path gains a
// subscriber. If the connection isn't Ready yet, the Listen Registry
// still records the path as pending and connfsm's replayListens picks
// it up on the next successful handshake.
func (c *Context) ensureListen(p path.Path) {
	if !c.listens.Acquire(p) {
		return
	}
	if c.fsm.State() != connfsm.StateReady {
		return
	}

	id, done := c.requests.Register()
	req := wire.DataRequest{ID: id, Action: wire.ActionListen, Path: p.String()}
	if err := c.fsm.Send(context.Background(), req); err != nil {
		c.requests.Cancel(id)
		return // a disconnect is already underway; reconnect will replay it
	}
	go func() {
		res := <-done
		if res.Err == nil && res.Response.Status == wire.StatusOK {
			c.listens.MarkActive(p)
		}
	}()
}

// releaseListens decrements the Listen Registry by n and, for each
// decrement that drops a path's refcount to zero, sends an "unlisten".
func (c *Context) releaseListens(p path.Path, n int) {
	for i := 0; i < n; i++ {
		if c.listens.Release(p) {
			id, done := c.requests.Register()
			req := wire.DataRequest{ID: id, Action: wire.ActionUnlisten, Path: p.String()}
			if err := c.fsm.Send(context.Background(), req); err != nil {
				c.requests.Cancel(id)
				continue
			}
			go func() { <-done }()
		}
	}
}

// OffPath removes every subscription (of any event type) registered at
// exactly path.
func (c *Context) OffPath(p string) error {
	parsed, err := path.Parse(p)
	if err != nil {
		return &InvalidPathError{Input: p, Reason: err.Error()}
	}
	n := c.onRegistry.OffPath(parsed)
	c.releaseListens(parsed, n)
	return nil
}

// OffPathType removes every subscription of the given event type
// registered at path, leaving subscriptions of other types there
// untouched.
func (c *Context) OffPathType(p string, ev EventType) error {
	parsed, err := path.Parse(p)
	if err != nil {
		return &InvalidPathError{Input: p, Reason: err.Error()}
	}
	n := c.onRegistry.OffPathType(parsed, ev)
	c.releaseListens(parsed, n)
	return nil
}

// OffPathTypeCallback removes exactly the subscription sub refers to.
func (c *Context) OffPathTypeCallback(sub Subscription) error {
	if p, ok := c.onRegistry.Off(sub); ok {
		c.releaseListens(p, 1)
	}
	return nil
}

// Close tears down the connection and stops all background work. Close
// is idempotent; calling it more than once is a no-op.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.runDone
	c.requests.FailAll(ErrContextClosed)
	return nil
}

// Reconnect forces a fresh connect-handshake cycle by closing the
// current connection, if any. The connection state machine treats that
// as an ordinary transport failure: pending requests fail, and after its
// usual backoff delay it reconnects and replays the listens of existing
// subscriptions on the new connection, same as an involuntary
// disconnect.
//
// Reconnect is rarely needed: the connection state machine already
// reconnects on its own after any transport or protocol error. It
// exists for callers who know external state changed and want a fresh
// handshake rather than wait for the current connection to fail on its
// own.
func (c *Context) Reconnect() error {
	if c.isClosed() {
		return ErrContextClosed
	}
	c.fsm.Disconnect()
	return nil
}

// ServerTime estimates the current server clock using the offset
// learned from the most recent handshake.
func (c *Context) ServerTime() time.Time {
	return c.fsm.ServerTime()
}

// InstanceID returns the random identifier generated for this Context
// at New and attached to every log line connfsm emits for it, letting
// a caller correlate its own logs with this connection's across
// reconnects.
func (c *Context) InstanceID() string {
	return c.instanceID
}

// PushID returns a fresh 20-character, time-ordered push ID without
// writing anything — useful for callers who want to reserve an ID
// before building the value to Put under it.
func (c *Context) PushID() string {
	return c.pushGen.Next(c.fsm.ServerTime().UnixMilli())
}

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
