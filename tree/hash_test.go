package tree

import (
	"testing"

	"github.com/matryer/is"
)

func TestHashStableUnderKeyInsertionOrder(t *testing.T) {
	is := is.New(t)

	a, err := FromValue(map[string]any{"a": 1.0, "b": 2.0})
	is.NoErr(err)
	b, err := FromValue(map[string]any{"b": 2.0, "a": 1.0})
	is.NoErr(err)

	is.Equal(a.Hash(), b.Hash())
}

func TestHashNullIsEmptyStringSHA1(t *testing.T) {
	is := is.New(t)

	var n *Node
	is.Equal(n.Hash(), nullHash)
}

func TestHashDiffersByValue(t *testing.T) {
	is := is.New(t)

	a := NewNumber(1)
	b := NewNumber(2)
	is.True(a.Hash() != b.Hash())
}

func TestHashLeafTypesDistinctEvenWithSameLiteral(t *testing.T) {
	is := is.New(t)

	s := NewString("true")
	b := NewBool(true)
	is.True(s.Hash() != b.Hash())
}

func TestHashCachedUntilInvalidated(t *testing.T) {
	is := is.New(t)

	n := NewNumber(1)
	h1 := n.Hash()
	// Mutate the cached value directly without invalidating — the cache
	// must still return the stale hash, proving recomputation is lazy.
	n.n = 2
	is.Equal(n.Hash(), h1)

	n.invalidate()
	is.True(n.Hash() != h1)
}
