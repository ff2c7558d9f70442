package tree

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
)

// Hash computes the canonical content hash for n, as specified in §6's
// canonical hash encoding:
//
//   - nil (absent/null)        -> SHA-1 of the empty string
//   - bool leaf                -> SHA-1 of "boolean:true"/"boolean:false"
//   - number leaf               -> SHA-1 of "number:<shortest round-trip decimal>"
//   - string leaf                -> SHA-1 of "string:<raw utf-8 bytes>"
//   - internal                   -> SHA-1 of ":key:base64(child.Hash())" for
//     each child in lexicographic key order, concatenated
//
// Hash recomputation is lazy: a node's hash is cached after first
// computation and only invalidated by mutation (see Cache), so a read on
// an untouched subtree is O(1).
func (n *Node) Hash() [20]byte {
	if n == nil {
		return nullHash
	}
	if n.hashValid {
		return n.hashCache
	}
	h := n.computeHash()
	n.hashCache = h
	n.hashValid = true
	return h
}

var nullHash = sha1.Sum(nil)

func (n *Node) computeHash() [20]byte {
	switch n.kind {
	case kindBool:
		if n.b {
			return sha1.Sum([]byte("boolean:true"))
		}
		return sha1.Sum([]byte("boolean:false"))
	case kindNumber:
		return sha1.Sum([]byte("number:" + formatCanonicalNumber(n.n)))
	case kindString:
		return sha1.Sum([]byte("string:" + n.s))
	default: // kindInternal
		var buf bytes.Buffer
		for _, key := range sortedKeys(n.children) {
			childHash := n.children[key].Hash()
			buf.WriteByte(':')
			buf.WriteString(key)
			buf.WriteByte(':')
			buf.WriteString(base64.RawStdEncoding.EncodeToString(childHash[:]))
		}
		return sha1.Sum(buf.Bytes())
	}
}

// formatCanonicalNumber renders f as the shortest round-trip decimal with
// no trailing zeros and a lowercase exponent, matching §6's canonical hash
// encoding for number leaves.
func formatCanonicalNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// invalidate clears n's cached hash. Internal-only: called by Cache along
// the chain of ancestors affected by a mutation.
func (n *Node) invalidate() {
	if n != nil {
		n.hashValid = false
	}
}
