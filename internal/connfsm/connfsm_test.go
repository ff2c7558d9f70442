package connfsm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/cedlm/webcom-go/internal/listenreg"
	"github.com/cedlm/webcom-go/internal/onreg"
	"github.com/cedlm/webcom-go/internal/reactor"
	"github.com/cedlm/webcom-go/internal/reqreg"
	"github.com/cedlm/webcom-go/path"
	"github.com/cedlm/webcom-go/transport"
	"github.com/cedlm/webcom-go/tree"
	"github.com/cedlm/webcom-go/wire"
)

// fakeConn is an in-memory transport.Conn: inbound simulates frames
// arriving from the server, outbound captures frames the FSM sends.
type fakeConn struct {
	inbound  chan string
	outbound chan string
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan string, 16),
		outbound: make(chan string, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) (string, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return "", fmt.Errorf("fakeConn: closed")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(ctx context.Context, data string) error {
	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return fmt.Errorf("fakeConn: closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out pre-built fakeConns in order, recording which
// hosts were dialed.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	hosts []string
}

func (d *fakeDialer) Dial(ctx context.Context, host string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts = append(d.hosts, host)
	if len(d.conns) == 0 {
		return nil, fmt.Errorf("fakeDialer: no more connections queued")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialedHosts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.hosts))
	copy(out, d.hosts)
	return out
}

func handshakeFrame(t *testing.T, ts int64, session string) string {
	t.Helper()
	raw, err := wire.Encode(wire.ControlHandshake{Timestamp: ts, Session: session})
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	return raw
}

func newTestFSM(t *testing.T, dialer *fakeDialer) (*FSM, *reqreg.Registry, *listenreg.Registry) {
	t.Helper()
	requests := reqreg.New(nil)
	listens := listenreg.New(nil)
	cache := tree.NewCache()
	dispatcher := onreg.NewDispatcher(onreg.New(nil))

	cfg := Config{
		Host:       "webcom.example:443",
		Dialer:     dialer,
		Reactor:    reactor.NewDefault(),
		Requests:   requests,
		Listens:    listens,
		Cache:      cache,
		Dispatcher: dispatcher,
		Backoff:    BackoffPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond},
	}
	return New(cfg), requests, listens
}

func waitForState(t *testing.T, f *FSM, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, f.State())
}

func TestHandshakeReachesReadyAndRecordsClockOffset(t *testing.T) {
	is := is.New(t)

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	f, _, _ := newTestFSM(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitForState(t, f, StateHandshaking, time.Second)
	conn.inbound <- handshakeFrame(t, time.Now().Add(time.Hour).UnixMilli(), "sess-1")

	waitForState(t, f, StateReady, time.Second)

	offset := f.ServerTime().Sub(time.Now())
	is.True(offset > 30*time.Minute) // clock offset reflects the handshake's future timestamp
}

func TestSendRoundTripsThroughRequestRegistry(t *testing.T) {
	is := is.New(t)

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	f, requests, _ := newTestFSM(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitForState(t, f, StateHandshaking, time.Second)
	conn.inbound <- handshakeFrame(t, time.Now().UnixMilli(), "sess-1")
	waitForState(t, f, StateReady, time.Second)

	id, done := requests.Register()
	is.NoErr(f.Send(ctx, wire.DataRequest{ID: id, Action: wire.ActionPut, Path: "/x", Data: 1.0}))

	select {
	case sent := <-conn.outbound:
		msg, err := wire.Decode(sent)
		is.NoErr(err)
		req, ok := msg.(wire.DataRequest)
		is.True(ok)
		is.Equal(req.Path, "/x")

		raw, err := wire.Encode(wire.DataResponse{ID: id, Status: wire.StatusOK})
		is.NoErr(err)
		conn.inbound <- raw
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound put")
	}

	select {
	case res := <-done:
		is.NoErr(res.Err)
		is.Equal(res.Response.Status, wire.StatusOK)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response correlation")
	}
}

func TestDataNotificationUpdatesCache(t *testing.T) {
	is := is.New(t)

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	f, _, _ := newTestFSM(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitForState(t, f, StateHandshaking, time.Second)
	conn.inbound <- handshakeFrame(t, time.Now().UnixMilli(), "sess-1")
	waitForState(t, f, StateReady, time.Second)

	raw, err := wire.Encode(wire.DataNotification{Action: wire.NotifyData, Path: "/a/b", Data: 42.0})
	is.NoErr(err)
	conn.inbound <- raw

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if f.cfg.Cache.Get(path.MustParse("/a/b")).Value() == 42.0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("notification never applied to cache")
}

func TestDisconnectTriggersBackoffThenRedial(t *testing.T) {
	is := is.New(t)

	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	f, _, _ := newTestFSM(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitForState(t, f, StateHandshaking, time.Second)
	conn1.inbound <- handshakeFrame(t, time.Now().UnixMilli(), "sess-1")
	waitForState(t, f, StateReady, time.Second)

	conn1.Close() // simulate the server dropping the connection

	waitForState(t, f, StateHandshaking, 2*time.Second) // backoff, then redial onto conn2
	conn2.inbound <- handshakeFrame(t, time.Now().UnixMilli(), "sess-2")
	waitForState(t, f, StateReady, time.Second)

	is.Equal(len(dialer.dialedHosts()), 2)
}

func TestListensReplayAfterReconnect(t *testing.T) {
	is := is.New(t)

	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	f, requests, listens := newTestFSM(t, dialer)
	_ = requests

	listens.Acquire(path.MustParse("/room"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitForState(t, f, StateHandshaking, time.Second)
	conn1.inbound <- handshakeFrame(t, time.Now().UnixMilli(), "sess-1")

	// First connection replays the listen too.
	var firstListenID uint64
	select {
	case sent := <-conn1.outbound:
		msg, err := wire.Decode(sent)
		is.NoErr(err)
		req := msg.(wire.DataRequest)
		is.Equal(req.Action, wire.ActionListen)
		is.Equal(req.Path, "/room")
		firstListenID = req.ID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial listen replay")
	}
	raw, _ := wire.Encode(wire.DataResponse{ID: firstListenID, Status: wire.StatusOK})
	conn1.inbound <- raw
	waitForState(t, f, StateReady, time.Second)

	conn1.Close()
	waitForState(t, f, StateHandshaking, 2*time.Second)
	conn2.inbound <- handshakeFrame(t, time.Now().UnixMilli(), "sess-2")

	select {
	case sent := <-conn2.outbound:
		msg, err := wire.Decode(sent)
		is.NoErr(err)
		req := msg.(wire.DataRequest)
		is.Equal(req.Action, wire.ActionListen)
		is.Equal(req.Path, "/room")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-reconnect listen replay")
	}
}

func TestBackoffDelayRespectsCap(t *testing.T) {
	is := is.New(t)

	p := BackoffPolicy{Base: time.Second, Cap: 4 * time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		d := p.delay(attempt)
		is.True(d >= 0)
		is.True(d <= 4*time.Second)
	}
}
