package path

import (
	"testing"

	"github.com/matryer/is"
)

func TestParseRoundTrip(t *testing.T) {
	is := is.New(t)

	cases := []string{"/", "", "/a", "a", "/a/b/c", "a/b/c"}
	for _, s := range cases {
		p, err := Parse(s)
		is.NoErr(err)

		back, err := Parse(p.String())
		is.NoErr(err)
		is.True(p.Equals(back))
	}
}

func TestParseRejectsEmptySegments(t *testing.T) {
	is := is.New(t)

	_, err := Parse("a//b")
	is.True(err != nil)
}

func TestParent(t *testing.T) {
	is := is.New(t)

	p := MustParse("/a/b/c")
	is.Equal(p.Parent().String(), "/a/b")
	is.Equal(p.Parent().Parent().String(), "/a")
	is.Equal(Root().Parent().String(), "/")
}

func TestChild(t *testing.T) {
	is := is.New(t)

	p := MustParse("/a/b").Child("c")
	is.Equal(p.String(), "/a/b/c")
	is.Equal(Root().Child("x").String(), "/x")
}

func TestStartsWith(t *testing.T) {
	is := is.New(t)

	p := MustParse("/a/b/c")
	is.True(p.StartsWith(Root()))
	is.True(p.StartsWith(MustParse("/a")))
	is.True(p.StartsWith(MustParse("/a/b")))
	is.True(p.StartsWith(p))
	is.True(!p.StartsWith(MustParse("/a/x")))
	is.True(!MustParse("/a").StartsWith(p))
}

func TestRelativeTo(t *testing.T) {
	is := is.New(t)

	p := MustParse("/a/b/c")
	rel, ok := p.RelativeTo(MustParse("/a"))
	is.True(ok)
	is.Equal(rel, []string{"b", "c"})

	_, ok = p.RelativeTo(MustParse("/x"))
	is.True(!ok)
}

func TestEqualsIgnoresUnderlyingSliceIdentity(t *testing.T) {
	is := is.New(t)

	a := MustParse("/a/b")
	b := Root().Child("a").Child("b")
	is.True(a.Equals(b))
}

func TestLast(t *testing.T) {
	is := is.New(t)

	is.Equal(MustParse("/a/b/c").Last(), "c")
	is.Equal(Root().Last(), "")
}
