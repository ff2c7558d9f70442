package pushid

import (
	"testing"

	"github.com/matryer/is"
)

func TestNextHasFixedLength(t *testing.T) {
	is := is.New(t)

	g := New()
	id := g.Next(1700000000000)
	is.Equal(len(id), idLen)
}

func TestNextIsMonotonicAcrossIncreasingTimestamps(t *testing.T) {
	is := is.New(t)

	g := New()
	a := g.Next(1700000000000)
	b := g.Next(1700000000001)
	is.True(a < b)
}

func TestNextIsMonotonicWithinSameMillisecond(t *testing.T) {
	is := is.New(t)

	g := New()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = g.Next(1700000000000)
	}
	for i := 1; i < len(ids); i++ {
		is.True(ids[i-1] < ids[i])
	}
}

func TestNextUsesOnlyAlphabetCharacters(t *testing.T) {
	is := is.New(t)

	g := New()
	id := g.Next(1700000000000)
	for _, c := range id {
		is.True(containsRune(alphabet, c))
	}
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
