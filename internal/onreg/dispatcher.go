package onreg

import (
	"sync"

	"github.com/cedlm/webcom-go/path"
	"github.com/cedlm/webcom-go/tree"
)

// Dispatcher turns a Cache mutation (a before-snapshot, an after-
// snapshot, and the set of affected paths the mutation reports) into
// the callback invocations registered in a Registry, in the fixed order
// spec §4.8 requires: child_removed, then child_added, then
// child_changed, then value — within each category, deeper paths
// before shallower ones, and same-path registrations in registration
// order.
//
// Grounded on internal/server/watchdog.go's ticker-driven, single-
// goroutine-confined loop and on server/eventlog.go's Publish/notify
// split (compute first, wake/notify second) — here the "compute"
// phase is diffing before/after views and the "notify" phase is the
// ordered callback fan-out.
type Dispatcher struct {
	registry *Registry

	mu          sync.Mutex
	dispatching bool
	queue       []job
}

type job struct {
	before, after tree.NodeView
	affected      []path.Path
}

// NewDispatcher returns a Dispatcher delivering events from registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch processes one mutation's affected paths against the
// before/after root views. affected is expected in the child-to-root
// order Cache.Set/Cache.Merge return (deepest first).
//
// If Dispatch is called reentrantly — a callback invoked by an earlier
// Dispatch call itself triggers a mutation and calls Dispatch again —
// the new job is queued rather than processed recursively. The
// outermost call drains the queue in a plain loop, so callback stacks
// never grow with mutation depth and events from a reentrant mutation
// are delivered only after the triggering mutation's own events have
// all fired.
func (d *Dispatcher) Dispatch(before, after tree.NodeView, affected []path.Path) {
	d.mu.Lock()
	if d.dispatching {
		d.queue = append(d.queue, job{before: before, after: after, affected: affected})
		d.mu.Unlock()
		return
	}
	d.dispatching = true
	d.mu.Unlock()

	d.process(job{before: before, after: after, affected: affected})

	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.dispatching = false
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.process(next)
	}
}

type firing struct {
	path    path.Path
	key     string
	view    tree.NodeView
	prevKey string
}

func (d *Dispatcher) process(j job) {
	var removed, added, changed, values []firing

	for _, p := range j.affected {
		beforeView := viewAt(j.before, p)
		afterView := viewAt(j.after, p)
		if beforeView.Hash() == afterView.Hash() {
			continue
		}

		values = append(values, firing{path: p, view: afterView})

		if p.IsRoot() {
			continue
		}
		parent := p.Parent()
		key := p.Last()
		switch {
		case !beforeView.Exists() && afterView.Exists():
			prev := prevSibling(viewAt(j.after, parent), key)
			added = append(added, firing{path: parent, key: key, view: afterView, prevKey: prev})
		case beforeView.Exists() && !afterView.Exists():
			removed = append(removed, firing{path: parent, key: key, view: beforeView})
		default:
			prev := prevSibling(viewAt(j.after, parent), key)
			changed = append(changed, firing{path: parent, key: key, view: afterView, prevKey: prev})
		}
	}

	d.fireAll(removed, EventChildRemoved)
	d.fireAll(added, EventChildAdded)
	d.fireAll(changed, EventChildChanged)
	d.fireAll(values, EventValue)
}

func (d *Dispatcher) fireAll(firings []firing, event EventType) {
	for _, f := range firings {
		for _, reg := range d.registry.registrationsAt(f.path, event) {
			if event == EventValue && !reg.observe(f.view.Hash()) {
				continue
			}
			reg.cb(Snapshot{Path: f.path, Key: f.key, View: f.view, PrevKey: f.prevKey})
		}
	}
}

// Prime synthesizes a subscription's catch-up dispatch from the Cache's
// current state, for the instant right after Registry.On returns sub.
// Called from the Context Facade before the corresponding listen is
// (re)acquired, so a second subscriber on an already-populated path
// sees the same "fire once immediately" behavior as the first.
//
// For EventValue, fires once if the path currently holds data. For
// EventChildAdded, fires once per existing child, in key order, with
// prevKey chained correctly. EventChildChanged and EventChildRemoved
// describe transitions relative to a state the subscriber has already
// observed, so there is nothing to catch up on and Prime is a no-op for
// them.
//
// For EventValue, priming and ordinary Dispatch share
// registration.observe, so whichever of a racing Prime call and a
// Dispatch call for the same change reaches the registration first is
// the one that fires; the other finds the hash already observed and is
// silently suppressed. EventChildAdded priming does not go through
// observe: a child added by a Dispatch that races with Prime can be
// reported by both.
func (d *Dispatcher) Prime(p path.Path, sub Subscription, event EventType, view tree.NodeView) {
	reg := d.registry.find(sub)
	if reg == nil {
		return
	}

	switch event {
	case EventValue:
		if view.Exists() && reg.observe(view.Hash()) {
			reg.cb(Snapshot{Path: p, View: view})
		}
	case EventChildAdded:
		prev := ""
		for _, key := range view.ChildKeys() {
			child := view.Child(key)
			reg.cb(Snapshot{Path: p, Key: key, View: child, PrevKey: prev})
			prev = key
		}
	}
}

// prevSibling returns the lexicographic predecessor of key among
// parent's current children, or "" if key sorts first (or is absent).
func prevSibling(parent tree.NodeView, key string) string {
	prev := ""
	for _, k := range parent.ChildKeys() {
		if k == key {
			return prev
		}
		prev = k
	}
	return ""
}

// viewAt walks root's children along p's parts, returning the view at
// p. Reused by the dispatcher to locate both the before- and
// after-image of an affected path within each side's root snapshot.
func viewAt(root tree.NodeView, p path.Path) tree.NodeView {
	v := root
	for _, part := range p.Parts() {
		v = v.Child(part)
	}
	return v
}
