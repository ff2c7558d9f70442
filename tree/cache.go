package tree

import (
	"sync"

	"github.com/cedlm/webcom-go/path"
)

// Cache owns exactly one root Node and is the only component allowed to
// mutate the tree. All mutation goes through Set/Merge so the structural
// invariants hold: every internal node is non-empty (deleting the last
// child cascades the deletion upward), a node's hash is a pure function of
// its subtree, and setting a path creates all missing ancestors.
//
// Set/Merge are still meant to be called from a single goroutine only —
// the connection state machine's event loop, per the single-threaded
// cooperative model (spec §5). The RWMutex below guards solely the root
// pointer swap so that Get can additionally be called concurrently from
// other goroutines: the Context Facade primes a new subscription's
// catch-up dispatch by reading the cache's current state from whatever
// goroutine the caller registered it on, which is never the event loop.
type Cache struct {
	mu   sync.RWMutex
	root *Node
}

// NewCache returns an empty cache (root maps to absent/null).
func NewCache() *Cache {
	return &Cache{}
}

// Get returns a read-only snapshot of the node at p. The returned view
// never aliases Cache's mutable state — it is a deep copy, safe to retain
// after further mutation of the cache.
func (c *Cache) Get(p path.Path) NodeView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NodeView{node: lookup(c.root, p.Parts()).Clone()}
}

// Set replaces the subtree at p with value, which may be any tree.FromValue
// shape including nil (a delete). It returns the set of affected paths: p
// itself plus every proper ancestor up to the root, in child-to-root order.
//
// Deleting the last child of an internal node cascades: the emptied
// ancestor is removed too, and so on up the chain (invariant 1).
func (c *Cache) Set(p path.Path, value any) ([]path.Path, error) {
	newVal, err := FromValue(value)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.root = setAt(c.root, p.Parts(), newVal)
	c.mu.Unlock()
	return ancestorChain(p), nil
}

// Merge applies an internal-node payload as a set of independent child
// replacements at p: each key in value replaces the corresponding child,
// and children not present in value are left untouched. A non-internal
// (leaf or nil) value has no children to merge selectively against, so it
// replaces the whole subtree at p exactly as Set would.
//
// Returns the affected paths: every merged child path, plus p and its
// ancestors up to the root.
func (c *Cache) Merge(p path.Path, value any) ([]path.Path, error) {
	newVal, err := FromValue(value)
	if err != nil {
		return nil, err
	}
	// FromValue drops null members and turns an empty object into nil; a
	// merge keeps every named key, so a null member deletes that child and
	// an empty object changes nothing.
	if m, ok := value.(map[string]any); ok {
		children := make(map[string]*Node, len(m))
		for k, cv := range m {
			children[k], _ = FromValue(cv) // errors were already returned above
		}
		newVal = &Node{kind: kindInternal, children: children}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if newVal == nil || newVal.kind != kindInternal {
		c.root = setAt(c.root, p.Parts(), newVal)
		return ancestorChain(p), nil
	}

	affected := make([]path.Path, 0, len(newVal.children)+len(p.Parts())+1)
	seen := make(map[string]bool)
	add := func(pp path.Path) {
		s := pp.String()
		if !seen[s] {
			seen[s] = true
			affected = append(affected, pp)
		}
	}

	for key, child := range newVal.children {
		childPath := p.Child(key)
		c.root = setAt(c.root, childPath.Parts(), child)
		add(childPath)
	}
	for _, a := range ancestorChain(p) {
		add(a)
	}
	return affected, nil
}

// setAt returns the replacement for node after setting the subtree at
// parts to newVal. It creates missing internal ancestors, converts a
// non-internal existing node into an internal one when descending through
// it, invalidates the hash of every node it touches, and cascades the
// removal of any ancestor left with zero children.
func setAt(node *Node, parts []string, newVal *Node) *Node {
	if len(parts) == 0 {
		return newVal
	}

	key := parts[0]
	var child *Node
	if node.IsInternal() {
		child = node.children[key]
	}
	newChild := setAt(child, parts[1:], newVal)

	if !node.IsInternal() {
		if newChild == nil {
			return nil // nothing to create: still absent
		}
		node = &Node{kind: kindInternal, children: make(map[string]*Node, 1)}
	}

	if newChild == nil {
		delete(node.children, key)
	} else {
		node.children[key] = newChild
	}
	node.invalidate()

	if len(node.children) == 0 {
		return nil // invariant 1: cascade removal of emptied internal node
	}
	return node
}

// lookup walks node along parts without mutating anything, returning nil
// if any step is absent or passes through a non-internal node.
func lookup(node *Node, parts []string) *Node {
	for _, key := range parts {
		if !node.IsInternal() {
			return nil
		}
		node = node.children[key]
	}
	return node
}

// ancestorChain returns p, p.Parent(), ..., the root, inclusive, in that
// order. Deletes and writes always invalidate this entire chain, so Cache
// reports it conservatively as "affected" regardless of whether a given
// ancestor's hash happened to end up unchanged — downstream consumers
// (the Event Dispatcher) make the precise by-hash comparison per
// subscription (see internal/onreg).
func ancestorChain(p path.Path) []path.Path {
	chain := []path.Path{p}
	cur := p
	for !cur.IsRoot() {
		cur = cur.Parent()
		chain = append(chain, cur)
	}
	return chain
}

// NodeView is a read-only snapshot of a tree node, returned by Cache.Get.
// It never aliases Cache's internal mutable state.
type NodeView struct {
	node *Node
}

// Exists reports whether the viewed path is populated (not absent/null).
func (v NodeView) Exists() bool {
	return v.node != nil
}

// Hash returns the node's canonical content hash.
func (v NodeView) Hash() [20]byte {
	return v.node.Hash()
}

// Value returns the node's data as an opaque JSON-shaped value (nil,
// bool, float64, string, or map[string]any), suitable for handing to a
// user callback or serializing over the wire.
func (v NodeView) Value() any {
	return ToValue(v.node)
}

// ChildKeys returns the view's direct child names in lexicographic order,
// or nil if the node is absent or a leaf.
func (v NodeView) ChildKeys() []string {
	return v.node.ChildKeys()
}

// Child returns a view of the named direct child.
func (v NodeView) Child(name string) NodeView {
	return NodeView{node: v.node.Child(name).Clone()}
}
