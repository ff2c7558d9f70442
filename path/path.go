// Package path implements slash-delimited addresses into the Webcom tree.
//
// A Path is an immutable, ordered sequence of name parts. The root path
// has zero parts. Parts never contain "/"; there is no "." or ".."
// traversal semantics — segments are taken literally.
package path

import (
	"fmt"
	"strings"
)

// Path is an immutable address into the shared tree. The zero value is
// the root path.
type Path struct {
	parts []string
}

// Root returns the root path ("/").
func Root() Path {
	return Path{}
}

// Parse splits s on "/" and validates the result. A leading slash is
// optional; a trailing slash is stripped. "/" and "" both parse to the
// root path. Empty interior segments ("a//b") are rejected, as is any
// segment containing "/" (which cannot occur from splitting, but is
// rejected explicitly for segments built programmatically via Child).
func Parse(s string) (Path, error) {
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return Root(), nil
	}
	rawParts := strings.Split(s, "/")
	parts := make([]string, 0, len(rawParts))
	for _, p := range rawParts {
		if p == "" {
			return Path{}, fmt.Errorf("path: empty segment in %q", s)
		}
		parts = append(parts, p)
	}
	return Path{parts: parts}, nil
}

// MustParse is Parse but panics on error. Intended for tests and constant
// paths known at compile time.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Parts returns the path's name parts. The returned slice must not be
// mutated by the caller; it is shared with the Path's internal state.
func (p Path) Parts() []string {
	return p.parts
}

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool {
	return len(p.parts) == 0
}

// Parent returns the path with its last part removed. Calling Parent on
// the root path returns the root path.
func (p Path) Parent() Path {
	if len(p.parts) == 0 {
		return p
	}
	return Path{parts: p.parts[:len(p.parts)-1]}
}

// Last returns the final name part, or "" for the root path.
func (p Path) Last() string {
	if len(p.parts) == 0 {
		return ""
	}
	return p.parts[len(p.parts)-1]
}

// Child appends name as a new final part. name must not contain "/".
func (p Path) Child(name string) Path {
	if strings.Contains(name, "/") {
		panic(fmt.Sprintf("path: child name %q contains '/'", name))
	}
	parts := make([]string, len(p.parts)+1)
	copy(parts, p.parts)
	parts[len(p.parts)] = name
	return Path{parts: parts}
}

// Equals reports whether p and other address the same node.
func (p Path) Equals(other Path) bool {
	if len(p.parts) != len(other.parts) {
		return false
	}
	for i := range p.parts {
		if p.parts[i] != other.parts[i] {
			return false
		}
	}
	return true
}

// StartsWith reports whether other is a prefix of p (every part of other
// matches the corresponding part of p, in order). The root path is a
// prefix of every path, including itself.
func (p Path) StartsWith(other Path) bool {
	if len(other.parts) > len(p.parts) {
		return false
	}
	for i := range other.parts {
		if p.parts[i] != other.parts[i] {
			return false
		}
	}
	return true
}

// RelativeTo returns the parts of p beyond the prefix other, or (nil,
// false) if other is not a prefix of p.
func (p Path) RelativeTo(other Path) ([]string, bool) {
	if !p.StartsWith(other) {
		return nil, false
	}
	return p.parts[len(other.parts):], true
}

// String renders the canonical form: "/" for root, otherwise
// "/a/b/c" with no trailing slash.
func (p Path) String() string {
	if len(p.parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.parts, "/")
}
