package trie

import (
	"strings"

	"github.com/elmq0022/gohan/set"
)

// Node is a subject trie keyed by dot-separated tokens. Patterns may use the
// "*" and ">" wildcards; each terminal node keeps the set of subscription
// ids registered through it.
type Node struct {
	ch   map[string]*Node
	subs *set.Set[uint64]
}

func NewNode() *Node {
	return &Node{
		ch: make(map[string]*Node),
	}
}

func (n *Node) Add(pattern string, key uint64) error {
	parts, err := ValidatePattern(pattern)
	if err != nil {
		return err
	}
	cur := n
	for _, part := range parts {
		if cur.ch[part] == nil {
			cur.ch[part] = NewNode()
		}
		cur = cur.ch[part]
	}
	if cur.subs == nil {
		cur.subs = set.NewSet[uint64]()
	}
	cur.subs.Add(key)
	return nil
}

// Remove drops key from pattern and prunes branches left empty. Unknown
// patterns or keys are ignored.
func (n *Node) Remove(pattern string, key uint64) {
	n.remove(strings.Split(pattern, "."), key)
}

func (n *Node) remove(parts []string, key uint64) bool {
	if len(parts) == 0 {
		if n.subs != nil {
			kept := set.NewSet[uint64]()
			remaining := 0
			for _, s := range n.subs.Slice() {
				if s != key {
					kept.Add(s)
					remaining++
				}
			}
			n.subs = nil
			if remaining > 0 {
				n.subs = kept
			}
		}
		return n.empty()
	}

	child := n.ch[parts[0]]
	if child == nil {
		return false
	}
	if child.remove(parts[1:], key) {
		delete(n.ch, parts[0])
	}
	return n.empty()
}

func (n *Node) empty() bool {
	return n.subs == nil && len(n.ch) == 0
}

// Lookup returns every key whose pattern matches subject, without duplicates.
func (n *Node) Lookup(subject string) []uint64 {
	res := set.NewSet[uint64]()
	parts := strings.Split(subject, ".")
	match(parts, n, res)
	return res.Slice()
}

func match(parts []string, n *Node, res *set.Set[uint64]) {
	if len(parts) == 0 {
		if n.subs != nil {
			res.Merge(n.subs)
		}
		return
	}

	if n.ch[parts[0]] != nil {
		match(parts[1:], n.ch[parts[0]], res)
	}

	if n.ch["*"] != nil {
		match(parts[1:], n.ch["*"], res)
	}

	if n.ch[">"] != nil && n.ch[">"].subs != nil {
		res.Merge(n.ch[">"].subs)
	}
}
