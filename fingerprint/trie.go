package fingerprint

// Trie is a byte-wise prefix tree over banner signatures. Lookups walk the
// banner once, so matching costs O(longest prefix). The tree is built at
// load time and never mutated by the scanning path, which makes it safe to
// share across workers without locking.
type Trie struct {
	root *trieNode
	size int
}

type trieNode struct {
	children map[byte]*trieNode
	sig      *Signature
}

func NewTrie() *Trie {
	return &Trie{root: &trieNode{}}
}

// Insert registers sig under its prefix. When two signatures share an
// identical prefix the first insertion wins, keeping lookups deterministic
// with respect to load order.
func (t *Trie) Insert(sig Signature) {
	if sig.Prefix == "" {
		return
	}
	node := t.root
	for i := 0; i < len(sig.Prefix); i++ {
		c := sig.Prefix[i]
		if node.children == nil {
			node.children = make(map[byte]*trieNode)
		}
		next, ok := node.children[c]
		if !ok {
			next = &trieNode{}
			node.children[c] = next
		}
		node = next
	}
	if node.sig == nil {
		copied := sig
		node.sig = &copied
		t.size++
	}
}

// LongestPrefixMatch returns the signature whose prefix is the longest
// exact byte match against banner. Matching is case sensitive.
func (t *Trie) LongestPrefixMatch(banner []byte) (Signature, bool) {
	node := t.root
	var best *Signature
	for i := 0; i < len(banner); i++ {
		next, ok := node.children[banner[i]]
		if !ok {
			break
		}
		node = next
		if node.sig != nil {
			best = node.sig
		}
	}
	if best == nil {
		return Signature{}, false
	}
	return *best, true
}

// Len reports the number of stored signatures.
func (t *Trie) Len() int {
	return t.size
}
