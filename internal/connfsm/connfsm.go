// Package connfsm implements the Connection State Machine (spec §4.9/
// §4.10): Idle -> Connecting -> Handshaking -> Ready -> Backoff, looping
// forever with exponential jittered backoff until its Run context is
// canceled. It owns the one active transport.Conn, feeds inbound frames
// to the Request Registry, Cache, and Event Dispatcher, and replays
// listens after every reconnect.
//
// Grounded on server/lifecycle.go's serviceLifecycle: a run.Sequence of
// setup steps (there: publish, waitForEgresses, prestart; here: await
// handshake, replay listens) handing off into a supervised pair of
// long-running goroutines (there: the service process + lifecycle
// continuation, a run.Group; here: the keepalive loop under a
// run.Group, joined with the read loop through an errgroup so a
// failure in either tears down the whole connection cycle). Backoff
// timing is grounded on internal/server/ready.Poll's doubling-interval
// loop, generalized to full jitter per spec §4.9.
package connfsm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/matgreaves/run"

	"github.com/cedlm/webcom-go/internal/listenreg"
	"github.com/cedlm/webcom-go/internal/onreg"
	"github.com/cedlm/webcom-go/internal/reactor"
	"github.com/cedlm/webcom-go/internal/reqreg"
	"github.com/cedlm/webcom-go/path"
	"github.com/cedlm/webcom-go/transport"
	"github.com/cedlm/webcom-go/tree"
	"github.com/cedlm/webcom-go/wire"
)

// State is a position in the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// BackoffPolicy configures the full-jittered exponential backoff
// between reconnect attempts.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	return p
}

// delay returns the backoff delay for the given 0-indexed attempt,
// drawn uniformly from [0, min(base*2^attempt, cap)] — "full jitter",
// which avoids every disconnected client reconnecting in lockstep.
func (p BackoffPolicy) delay(attempt int) time.Duration {
	p = p.normalized()
	exp := p.Base
	for i := 0; i < attempt && exp < p.Cap; i++ {
		exp *= 2
	}
	if exp > p.Cap {
		exp = p.Cap
	}
	return time.Duration(rand.Int64N(int64(exp) + 1))
}

const (
	handshakeTimeout         = 10 * time.Second
	defaultKeepaliveInterval = 45 * time.Second
)

// Config collects an FSM's fixed collaborators and policy. Host, Dialer,
// Reactor, Requests, Listens, Cache and Dispatcher are required; a zero
// Backoff or KeepaliveInterval takes the defaults, a nil Logger defaults
// to slog.Default(), and OnStateChange may be nil.
type Config struct {
	Host       string
	Dialer     transport.Dialer
	Reactor    reactor.Reactor
	Requests   *reqreg.Registry
	Listens    *listenreg.Registry
	Cache      *tree.Cache
	Dispatcher *onreg.Dispatcher
	Backoff    BackoffPolicy
	Logger     *slog.Logger

	// KeepaliveInterval is how often a "g" ping is sent once Ready, and
	// how long a ping may go unacknowledged before the connection is
	// considered dead. Defaults to 45s.
	KeepaliveInterval time.Duration

	// OnStateChange, if set, is called synchronously on the goroutine
	// making the transition (after the FSM's lock is released) on every
	// transition. Used by the Context Facade to expose
	// connection state to callers without polling.
	OnStateChange func(State)
}

// FSM drives one logical Webcom connection.
type FSM struct {
	cfg Config

	mu          sync.Mutex
	state       State
	conn        transport.Conn
	clockOffset time.Duration
	session     string
	redirect    string
}

// New returns an FSM ready to Run.
func New(cfg Config) *FSM {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	cfg.Backoff = cfg.Backoff.normalized()
	return &FSM{cfg: cfg, state: StateIdle}
}

// State reports the current connection state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FSM) setState(s State) {
	f.mu.Lock()
	f.state = s
	cb := f.cfg.OnStateChange
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// ServerTime estimates the current server clock using the offset
// learned from the most recent handshake. Before any handshake
// completes it returns the local clock (zero offset).
func (f *FSM) ServerTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Now().Add(f.clockOffset)
}

// Disconnect force-closes the current connection, if any, causing Run's
// active cycle to end and a fresh connect-handshake cycle to begin
// after the usual backoff delay. Used by the Context Facade's
// Reconnect to let a caller force a fresh handshake (e.g. after
// rotating credentials) without waiting for an organic failure.
func (f *FSM) Disconnect() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Send transmits msg on the current connection. Returns an error
// immediately if the FSM is not Ready.
func (f *FSM) Send(ctx context.Context, msg wire.Msg) error {
	f.mu.Lock()
	conn := f.conn
	state := f.state
	f.mu.Unlock()

	if state != StateReady || conn == nil {
		return fmt.Errorf("connfsm: not connected (state %s)", state)
	}
	raw, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("connfsm: encode: %w", err)
	}
	return conn.WriteMessage(ctx, raw)
}

// Run drives Idle -> Connecting -> Handshaking -> Ready -> Backoff ->
// Connecting ... until ctx is canceled, at which point it returns nil.
func (f *FSM) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			f.setState(StateIdle)
			return nil
		}

		err := f.runOnce(ctx)

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()

		if ctx.Err() != nil {
			f.setState(StateIdle)
			return nil
		}
		if err == nil {
			attempt = 0
			continue
		}

		f.cfg.Requests.FailAll(err)
		f.setState(StateBackoff)
		delay := f.cfg.Backoff.delay(attempt)
		attempt++
		f.cfg.Logger.Warn("connfsm: connection cycle ended, backing off",
			"error", err, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			f.setState(StateIdle)
			return nil
		case <-f.afterReactor(delay):
		}
	}
}

// afterReactor returns a channel closed once when the FSM's Reactor
// fires a one-shot timer of duration d. Routing every wait through the
// Reactor (rather than time.After/time.NewTicker directly) is what lets
// a test substitute a fake clock for the whole state machine, per
// spec §5a's Reactor contract.
func (f *FSM) afterReactor(d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	f.cfg.Reactor.SetTimer(d, func() { close(ch) })
	return ch
}

// runOnce performs one connect-handshake-serve cycle, returning the
// error that ended it (nil only if ctx itself ended the cycle).
func (f *FSM) runOnce(ctx context.Context) error {
	host := f.targetHost()

	f.setState(StateConnecting)
	conn, err := f.cfg.Dialer.Dial(ctx, host)
	if err != nil {
		return fmt.Errorf("connfsm: dial %s: %w", host, err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	f.setState(StateHandshaking)

	handshakeResult := make(chan error, 1)
	readerDone := make(chan error, 1)
	go func() { readerDone <- f.readLoop(ctx, conn, handshakeResult) }()

	setup := run.Sequence{
		run.Func(func(ctx context.Context) error {
			select {
			case err := <-handshakeResult:
				return err
			case <-f.afterReactor(handshakeTimeout):
				return fmt.Errorf("connfsm: handshake: timed out after %s", handshakeTimeout)
			case <-ctx.Done():
				return fmt.Errorf("connfsm: handshake: %w", ctx.Err())
			}
		}),
		run.Func(func(ctx context.Context) error {
			return f.replayListens(ctx, conn)
		}),
	}
	if err := setup.Run(ctx); err != nil {
		conn.Close() // unblock the reader if it is still waiting for a frame
		<-readerDone
		return err
	}

	f.setState(StateReady)

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		conn.Close() // unblock the reader's in-flight ReadMessage promptly
	}()

	g.Go(func() error {
		select {
		case err := <-readerDone:
			return err
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	steady := run.Group{
		"keepalive": run.Func(func(ctx context.Context) error {
			return f.keepaliveLoop(ctx, conn)
		}),
	}
	g.Go(func() error { return steady.Run(gctx) })

	return g.Wait()
}

// targetHost returns the host to dial next: a pending redirect, if any
// (consumed on read — it applies to exactly one subsequent attempt, per
// the C header's cnx_actual_host/cnx_configured_host split), or the
// originally configured host.
func (f *FSM) targetHost() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redirect != "" {
		host := f.redirect
		f.redirect = ""
		return host
	}
	return f.cfg.Host
}

// readLoop is the connection's sole reader. Its first job is resolving
// the handshake (sent once on handshakeResult); every frame after that
// goes through handleMessage.
func (f *FSM) readLoop(ctx context.Context, conn transport.Conn, handshakeResult chan<- error) error {
	handshakeComplete := false

	for {
		raw, err := conn.ReadMessage(ctx)
		if err != nil {
			wrapped := fmt.Errorf("connfsm: read: %w", err)
			if !handshakeComplete {
				handshakeResult <- wrapped
			}
			return wrapped
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			wrapped := fmt.Errorf("connfsm: malformed frame: %w", err)
			if !handshakeComplete {
				handshakeResult <- wrapped
			}
			return wrapped
		}

		if !handshakeComplete {
			switch m := msg.(type) {
			case wire.ControlHandshake:
				f.mu.Lock()
				f.clockOffset = time.UnixMilli(m.Timestamp).Sub(time.Now())
				f.session = m.Session
				f.mu.Unlock()
				handshakeComplete = true
				handshakeResult <- nil
				continue
			case wire.ControlRedirect:
				f.mu.Lock()
				f.redirect = m.Host
				f.mu.Unlock()
				err := fmt.Errorf("connfsm: redirected to %s", m.Host)
				handshakeResult <- err
				return err
			case wire.ControlShutdown:
				err := fmt.Errorf("connfsm: server shutdown during handshake: %s", m.Reason)
				handshakeResult <- err
				return err
			default:
				err := fmt.Errorf("connfsm: unexpected frame during handshake: %T", msg)
				handshakeResult <- err
				return err
			}
		}

		if err := f.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (f *FSM) handleMessage(msg wire.Msg) error {
	switch m := msg.(type) {
	case wire.DataResponse:
		f.cfg.Requests.Complete(m)
	case wire.DataNotification:
		f.applyNotification(m)
	case wire.ControlRedirect:
		f.mu.Lock()
		f.redirect = m.Host
		f.mu.Unlock()
		return fmt.Errorf("connfsm: redirected to %s mid-connection", m.Host)
	case wire.ControlShutdown:
		return fmt.Errorf("connfsm: server shutdown: %s", m.Reason)
	case wire.ControlReset:
		f.cfg.Logger.Info("connfsm: server requested cache reset")
	case wire.ControlHandshake:
		f.cfg.Logger.Warn("connfsm: ignoring unexpected mid-connection handshake frame")
	default:
		f.cfg.Logger.Warn("connfsm: unexpected message type", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

func (f *FSM) applyNotification(m wire.DataNotification) {
	p, err := path.Parse(m.Path)
	if err != nil {
		f.cfg.Logger.Warn("connfsm: notification with malformed path", "path", m.Path, "error", err)
		return
	}

	before := f.cfg.Cache.Get(path.Root())

	var affected []path.Path
	switch m.Action {
	case wire.NotifyData:
		affected, err = f.cfg.Cache.Set(p, m.Data)
	case wire.NotifyMerge:
		affected, err = f.cfg.Cache.Merge(p, m.Data)
	default:
		f.cfg.Logger.Warn("connfsm: unknown notification action", "action", m.Action)
		return
	}
	if err != nil {
		f.cfg.Logger.Warn("connfsm: applying notification", "path", m.Path, "error", err)
		return
	}

	after := f.cfg.Cache.Get(path.Root())
	f.cfg.Dispatcher.Dispatch(before, after, affected)
}

// replayListens reissues a "l" (listen) request for every path the
// Listen Registry reports as needing replay (every path it knows about,
// since a fresh connection means the server has forgotten all of them),
// one at a time, waiting for each to be acknowledged before sending the
// next. Paths are replayed in the order ResetForReplay returns them,
// which is not sorted.
func (f *FSM) replayListens(ctx context.Context, conn transport.Conn) error {
	for _, p := range f.cfg.Listens.ResetForReplay() {
		id, done := f.cfg.Requests.Register()
		raw, err := wire.Encode(wire.DataRequest{ID: id, Action: wire.ActionListen, Path: p.String()})
		if err != nil {
			f.cfg.Requests.Cancel(id)
			return fmt.Errorf("connfsm: encode listen replay for %s: %w", p, err)
		}
		if err := conn.WriteMessage(ctx, raw); err != nil {
			return fmt.Errorf("connfsm: send listen replay for %s: %w", p, err)
		}

		select {
		case res := <-done:
			if res.Err != nil {
				return fmt.Errorf("connfsm: listen replay for %s: %w", p, res.Err)
			}
			if res.Response.Status != wire.StatusOK {
				f.cfg.Logger.Warn("connfsm: listen replay rejected", "path", p.String(), "status", res.Response.Status)
				continue
			}
			f.cfg.Listens.MarkActive(p)
		case <-ctx.Done():
			f.cfg.Requests.Cancel(id)
			return ctx.Err()
		}
	}
	return nil
}

// keepaliveLoop sends a "g" (ping) request every keepaliveInterval and
// fails the connection if a ping isn't acknowledged within one more
// interval. The rate.Limiter is a second line of defense against
// sending pings faster than keepaliveInterval even if the ticker and a
// manually-triggered ping (not currently exposed, but kept for callers
// layering their own liveness checks) were to race.
func (f *FSM) keepaliveLoop(ctx context.Context, conn transport.Conn) error {
	interval := f.cfg.KeepaliveInterval
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.afterReactor(interval):
		}

		if !limiter.Allow() {
			continue
		}

		id, done := f.cfg.Requests.Register()
		raw, err := wire.Encode(wire.DataRequest{ID: id, Action: wire.ActionPing})
		if err != nil {
			f.cfg.Requests.Cancel(id)
			return fmt.Errorf("connfsm: encode ping: %w", err)
		}
		if err := conn.WriteMessage(ctx, raw); err != nil {
			return fmt.Errorf("connfsm: send ping: %w", err)
		}

		select {
		case res := <-done:
			if res.Err != nil {
				return fmt.Errorf("connfsm: ping: %w", res.Err)
			}
		case <-f.afterReactor(interval):
			f.cfg.Requests.Cancel(id)
			return fmt.Errorf("connfsm: keepalive ping timed out")
		case <-ctx.Done():
			f.cfg.Requests.Cancel(id)
			return ctx.Err()
		}
	}
}
