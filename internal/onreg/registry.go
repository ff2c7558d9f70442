// Package onreg implements the On Registry and Event Dispatcher (spec
// §4.8): path-indexed storage of value/child_added/child_changed/
// child_removed subscriptions, and delivery of the right events, in the
// right order, when a Cache mutation changes the tree.
//
// Grounded on server/eventlog.go's EventLog (a mutex-guarded store with
// an explicit notify/dispatch step kept separate from storage) and on
// client/rig.go's hookFunc registration pattern, adapted from
// name-keyed hooks to path+event-type-keyed subscriptions returning an
// opaque handle — Go closures aren't comparable, so "remove this exact
// callback" (spec's off_path_type_cb) can't be done by value equality
// and must go through a handle instead.
package onreg

import (
	"log/slog"
	"sync"

	"github.com/cedlm/webcom-go/path"
	"github.com/cedlm/webcom-go/tree"
)

// EventType identifies which of the four subscription kinds a
// registration is for.
type EventType int

const (
	EventValue EventType = iota
	EventChildAdded
	EventChildChanged
	EventChildRemoved
)

func (e EventType) String() string {
	switch e {
	case EventValue:
		return "value"
	case EventChildAdded:
		return "child_added"
	case EventChildChanged:
		return "child_changed"
	case EventChildRemoved:
		return "child_removed"
	default:
		return "unknown"
	}
}

// Snapshot is what a callback receives: the affected path, the child
// key (set only for child_* events; empty for value), a read-only view
// of the data (for value, the current data at Path; for child_added and
// child_changed, the current data of child Key under Path; for
// child_removed, that child's data before removal), and — for
// child_added/child_changed —
// the lexicographic predecessor key among the parent's current
// children (empty string if Key sorts first).
type Snapshot struct {
	Path    path.Path
	Key     string
	View    tree.NodeView
	PrevKey string
}

// Callback is a user subscription function. It must not block and must
// not call back into the Cache/Registry synchronously without going
// through the owning facade's mutation entry points, which handle
// reentrancy (see Dispatcher).
type Callback func(Snapshot)

// Subscription is an opaque handle to one registered callback, returned
// by Registry.On and consumed by Registry.Off. Comparable and safe to
// store, unlike the callback it refers to.
type Subscription struct {
	id uint64
}

type registration struct {
	id    uint64
	path  path.Path
	event EventType
	cb    Callback

	mu       sync.Mutex
	primed   bool
	lastHash [20]byte
}

// observe reports whether a fire is due given the current content hash h
// at reg's path: true the first time it is called (priming a freshly
// registered subscription's catch-up dispatch) or whenever h differs from
// the last hash this registration actually observed. It always records h
// as observed, so a Prime call and a racing Dispatch call for the same
// underlying change deliver exactly one event between them, in whichever
// order they reach this registration.
//
// Grounded on original_source's on_value_sub/on_child_sub, which each
// carry their own treenode_hash_t — event delivery is a per-subscription
// state comparison, not a property of the mutation that triggered it.
func (reg *registration) observe(h [20]byte) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	fire := !reg.primed || reg.lastHash != h
	reg.primed = true
	reg.lastHash = h
	return fire
}

// Registry stores subscriptions indexed by path and event type. It is
// not itself responsible for deciding which events to fire on a
// mutation — that's Dispatcher's job — only for storing and looking up
// registrations.
type Registry struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID uint64
	byPath map[string][]*registration
}

// New returns an empty Registry. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{log: logger, byPath: make(map[string][]*registration)}
}

// On registers cb for event at p and returns a handle for later removal.
func (r *Registry) On(p path.Path, event EventType, cb Callback) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	reg := &registration{id: r.nextID, path: p, event: event, cb: cb}
	key := p.String()
	r.byPath[key] = append(r.byPath[key], reg)
	return Subscription{id: r.nextID}
}

// Off removes exactly the registration identified by sub, if still
// present, and reports the path it was registered at so the caller can
// release one Listen Registry refcount. ok is false if sub was already
// removed (or never existed), e.g. a racing double-unsubscribe.
func (r *Registry) Off(sub Subscription) (p path.Path, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, regs := range r.byPath {
		for i, reg := range regs {
			if reg.id == sub.id {
				r.byPath[key] = append(regs[:i], regs[i+1:]...)
				if len(r.byPath[key]) == 0 {
					delete(r.byPath, key)
				}
				return reg.path, true
			}
		}
	}
	r.log.Warn("onreg: off of unknown or already-removed subscription")
	return path.Path{}, false
}

// find returns the registration sub refers to, or nil if it is no longer
// registered. Used by Dispatcher.Prime to reach the one just-created
// registration by its opaque handle.
func (r *Registry) find(sub Subscription) *registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, regs := range r.byPath {
		for _, reg := range regs {
			if reg.id == sub.id {
				return reg
			}
		}
	}
	return nil
}

// OffPath removes every subscription registered at exactly p (of any
// event type) and reports how many were removed, so the caller can
// release that many watches from the Listen Registry.
func (r *Registry) OffPath(p path.Path) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.String()
	n := len(r.byPath[key])
	delete(r.byPath, key)
	return n
}

// OffPathType removes every subscription registered at p for the given
// event type, leaving subscriptions of other types at p untouched, and
// reports how many were removed.
func (r *Registry) OffPathType(p path.Path, event EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.String()
	regs := r.byPath[key]
	kept := regs[:0]
	removed := 0
	for _, reg := range regs {
		if reg.event != event {
			kept = append(kept, reg)
		} else {
			removed++
		}
	}
	if len(kept) == 0 {
		delete(r.byPath, key)
	} else {
		r.byPath[key] = kept
	}
	return removed
}

// HasSubscribers reports whether p has any registration at all.
func (r *Registry) HasSubscribers(p path.Path) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPath[p.String()]) > 0
}

// registrationsAt returns a snapshot of the registrations at p matching
// event, in registration order. Safe to range over without the lock:
// it's a copy.
func (r *Registry) registrationsAt(p path.Path, event EventType) []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*registration
	for _, reg := range r.byPath[p.String()] {
		if reg.event == event {
			out = append(out, reg)
		}
	}
	return out
}
