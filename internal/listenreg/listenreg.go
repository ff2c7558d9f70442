// Package listenreg implements the Listen Registry (spec §4.7): it
// deduplicates "listen" requests by path so that N subscribers at the
// same path cost the server exactly one listen, and it knows which
// listens must be replayed after a reconnect.
//
// Grounded on internal/server/ports.go's PortAllocator, specifically its
// reverse-index pairing (allocated map[int]string / byInstance
// map[string][]int) adapted here to a single forward map with an
// explicit refcount rather than two maps, since unlike ports a listen
// has no secondary identity to reverse-index by — only a path and a
// count of interested subscribers.
package listenreg

import (
	"log/slog"
	"sync"

	"github.com/cedlm/webcom-go/path"
)

// State is where a registered path stands with the server.
type State int

const (
	// Pending means a listen request for this path has not yet been
	// acknowledged by the server (including right after a reconnect,
	// before replay completes).
	Pending State = iota
	// Active means the server has acknowledged the listen.
	Active
)

type entry struct {
	refcount int
	state    State
}

// Registry tracks, per path, how many local subscribers depend on a
// server-side listen and whether that listen is active or still
// pending acknowledgment. It is not safe for concurrent mutation from
// more than one goroutine without external serialization beyond what
// its own mutex provides for individual calls — per the single-threaded
// cooperative model (spec §5) it is normally confined to the event loop.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Registry. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{log: logger, entries: make(map[string]*entry)}
}

// Acquire records interest in p from one more subscriber. It reports
// first=true when p had no prior subscriber, in which case the caller
// must send a "l" (listen) request to the server.
func (r *Registry) Acquire(p path.Path) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.String()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{state: Pending}
		r.entries[key] = e
		first = true
	}
	e.refcount++
	return first
}

// Release records that one subscriber of p is gone. It reports
// last=true when p has no subscribers left, in which case the caller
// must send a "u" (unlisten) request and the entry is removed.
func (r *Registry) Release(p path.Path) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.String()
	e, ok := r.entries[key]
	if !ok {
		r.log.Warn("listenreg: release of path with no tracked listen", "path", key)
		return false
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(r.entries, key)
		return true
	}
	return false
}

// MarkActive transitions p from Pending to Active once the server has
// acknowledged the listen. It is a no-op if p is not registered.
func (r *Registry) MarkActive(p path.Path) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[p.String()]; ok {
		e.state = Active
	}
}

// State reports the current state of p, and whether p is registered at
// all.
func (r *Registry) State(p path.Path) (state State, registered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[p.String()]
	if !ok {
		return Pending, false
	}
	return e.state, true
}

// ResetForReplay marks every registered path Pending again and returns
// them all. Called right after a reconnect (spec §4.9): the server has
// forgotten every prior listen, so the connection state machine must
// reissue a "l" request for each path this returns before any cached
// data at those paths can be trusted again.
func (r *Registry) ResetForReplay() []path.Path {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]path.Path, 0, len(r.entries))
	for key, e := range r.entries {
		e.state = Pending
		p, err := path.Parse(key)
		if err != nil {
			r.log.Warn("listenreg: unparseable path key in replay set", "key", key, "err", err)
			continue // keys are always produced by Path.String, so unreachable in practice
		}
		paths = append(paths, p)
	}
	return paths
}

// Len reports the number of distinct listened paths. Intended for tests
// and diagnostics, not control flow.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
