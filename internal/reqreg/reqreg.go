// Package reqreg implements the Request Registry (spec §4.6): it
// correlates outbound DataRequest frames with their eventual DataResponse
// by a monotonically increasing request id, and lets a reconnect fail
// every still-pending request at once.
//
// Grounded on server/eventlog.go's mutex-guarded counter-plus-map shape
// (there: a seq counter gating two event slices; here: a seq counter
// minting ids gating one pending-response map) and on the teacher's
// general preference for a single-purpose struct with an explicit
// constructor over package-level state.
package reqreg

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cedlm/webcom-go/wire"
)

// Result is what a caller blocked on a pending request eventually
// receives: either the correlated response, or Err if the connection
// dropped before one arrived.
type Result struct {
	Response wire.DataResponse
	Err      error
}

// Registry hands out request ids and delivers each DataResponse to the
// caller that is waiting on its id. It is safe for concurrent use,
// though per the single-threaded cooperative model (spec §5) callers
// are normally confined to one goroutine plus the connection's read loop.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Result
}

// New returns an empty Registry. Ids start at 1 so that 0 is never a
// valid allocated id, letting callers use 0 as a sentinel for "no
// request in flight". A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{log: logger, pending: make(map[uint64]chan Result)}
}

// Register allocates the next request id and returns a channel that
// receives at most one Result: either from a matching Complete call or
// from a later FailAll. Cancel removes the entry without delivering a
// Result. The caller must eventually read from done
// (or call Cancel) to avoid leaking the registry entry.
func (r *Registry) Register() (id uint64, done <-chan Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id = r.nextID
	ch := make(chan Result, 1)
	r.pending[id] = ch
	return id, ch
}

// Complete delivers resp to the caller waiting on resp.ID. It reports
// false if no request with that id is pending — a late duplicate, a
// response to an id that was already failed or canceled, or a
// server bug — which callers should log rather than treat as fatal.
func (r *Registry) Complete(resp wire.DataResponse) bool {
	r.mu.Lock()
	ch, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("reqreg: response for unknown or already-resolved request", "id", resp.ID)
		return false
	}
	ch <- Result{Response: resp}
	return true
}

// Cancel removes id without delivering a Result, e.g. when the caller's
// context is canceled before a response arrives. It is a no-op if id is
// not (or no longer) pending.
func (r *Registry) Cancel(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// FailAll delivers err to every currently pending request and clears the
// registry. Called when the connection drops (spec §4.9's Backoff
// transition): every in-flight request is unrecoverable on the old
// connection and must be retried, if at all, on the new one.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]chan Result)
	r.mu.Unlock()

	for id, ch := range pending {
		ch <- Result{Err: fmt.Errorf("reqreg: request %d: %w", id, err)}
	}
}

// Len reports the number of requests currently awaiting a response.
// Intended for tests and diagnostics, not control flow.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
