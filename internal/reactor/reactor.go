// Package reactor manages the timers the connection state machine needs
// (backoff, keepalive, handshake deadlines) behind one small interface,
// so tests can substitute a fake clock instead of waiting on wall time.
//
// The original C implementation this spec was distilled from multiplexes
// both timers and socket readiness through one reactor/event-loop
// abstraction (spec §9, design notes). Go's blocking-read-per-goroutine
// model already gets socket readiness for free from the runtime's
// netpoller, so this package narrows Reactor to the one piece Go doesn't
// hand you for free: cancelable timers. FD watching is deliberately not
// reintroduced — see DESIGN.md.
package reactor

import (
	"sync"
	"time"
)

// Timer is an opaque handle to a scheduled callback.
type Timer struct {
	id uint64
}

// Reactor schedules and cancels one-shot timer callbacks.
type Reactor interface {
	SetTimer(d time.Duration, fn func()) Timer
	CancelTimer(t Timer)
}

// Default is the production Reactor, backed by time.AfterFunc.
type Default struct {
	mu     sync.Mutex
	nextID uint64
	timers map[uint64]*time.Timer
}

// NewDefault returns a ready-to-use Default reactor.
func NewDefault() *Default {
	return &Default{timers: make(map[uint64]*time.Timer)}
}

var _ Reactor = (*Default)(nil)

// SetTimer schedules fn to run after d on its own goroutine (per
// time.AfterFunc). The returned Timer can be passed to CancelTimer
// before it fires to suppress the call.
func (r *Default) SetTimer(d time.Duration, fn func()) Timer {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	t := time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		fn()
	})

	r.mu.Lock()
	r.timers[id] = t
	r.mu.Unlock()

	return Timer{id: id}
}

// CancelTimer stops the timer identified by t, if it hasn't already
// fired. A no-op for an unknown or already-fired/canceled handle.
func (r *Default) CancelTimer(t Timer) {
	r.mu.Lock()
	timer, ok := r.timers[t.id]
	if ok {
		delete(r.timers, t.id)
	}
	r.mu.Unlock()

	if ok {
		timer.Stop()
	}
}
