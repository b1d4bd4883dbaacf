package resource

import (
	"pkt.systems/netlock/internal/proto"
)

// Tree serves every hierarchical name below one root segment. A lock at a
// path must be compatible with the holders on that node, on each of its
// ancestors and anywhere in its subtree.
type Tree struct {
	queue
	root    *node
	granted []*Holder
}

var _ Resource = (*Tree)(nil)

type node struct {
	name     string
	parent   *node
	children map[string]*node
	granted  []*Holder
	// below counts the holders of each mode strictly inside the subtree.
	below [numModes]int
}

func newNode(name string, parent *node) *node {
	return &node{name: name, parent: parent}
}

func newTree(q queue) *Tree {
	return &Tree{queue: q, root: newNode(q.Name(), nil)}
}

func (t *Tree) HandleMessage(conn ConnID, msg *proto.Message) (*proto.Message, error) {
	return handle(&t.queue, t, conn, msg)
}

func (t *Tree) Clean(conn ConnID) bool { return clean(&t.queue, t, conn) }
func (t *Tree) Waitings() []Grant      { return waitings(&t.queue, t) }
func (t *Tree) Free()                  { free(&t.queue, t) }
func (t *Tree) Busy() bool             { return busy(&t.queue, t) }
func (t *Tree) Snapshot() Snapshot     { return snapshot(&t.queue, t) }

func (t *Tree) request(conn ConnID, spec Spec, r *proto.Resource) (*Holder, proto.Warning, error) {
	mode, warning := t.mode(r)
	path := append([]string(nil), spec.Path...)
	return &Holder{Conn: conn, Name: spec.Name, Mode: mode, Path: path}, warning, nil
}

func (t *Tree) possible(*Holder) bool { return true }

func (t *Tree) fits(h *Holder) bool {
	n := t.root
	for depth := 1; ; depth++ {
		for _, g := range n.granted {
			if !CanGrant(g.Mode, h.Mode) {
				return false
			}
		}
		if depth == len(h.Path) {
			break
		}
		child, ok := n.children[h.Path[depth]]
		if !ok {
			return true
		}
		n = child
	}
	for i, count := range n.below {
		if count > 0 && !CanGrant(Modes[i], h.Mode) {
			return false
		}
	}
	return true
}

// lookup returns the node at path, optionally creating missing nodes.
func (t *Tree) lookup(path []string, create bool) *node {
	n := t.root
	for _, seg := range path[1:] {
		child, ok := n.children[seg]
		if !ok {
			if !create {
				return nil
			}
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			child = newNode(seg, n)
			n.children[seg] = child
		}
		n = child
	}
	return n
}

func (t *Tree) take(h *Holder) {
	n := t.lookup(h.Path, true)
	n.granted = append(n.granted, h)
	for p := n.parent; p != nil; p = p.parent {
		p.below[h.Mode-1]++
	}
	t.granted = append(t.granted, h)
}

func (t *Tree) held(conn ConnID) *Holder {
	if i := indexOf(t.granted, conn); i >= 0 {
		return t.granted[i]
	}
	return nil
}

func (t *Tree) release(conn ConnID) *Holder {
	i := indexOf(t.granted, conn)
	if i < 0 {
		return nil
	}
	h := t.granted[i]
	t.granted = append(t.granted[:i], t.granted[i+1:]...)
	n := t.lookup(h.Path, false)
	if n == nil {
		return h
	}
	if j := indexOf(n.granted, conn); j >= 0 {
		n.granted = append(n.granted[:j], n.granted[j+1:]...)
	}
	for p := n.parent; p != nil; p = p.parent {
		p.below[h.Mode-1]--
	}
	t.prune(n)
	return h
}

// prune removes empty nodes from n upwards. The root node is kept.
func (t *Tree) prune(n *node) {
	for n != t.root && len(n.granted) == 0 && len(n.children) == 0 {
		parent := n.parent
		delete(parent.children, n.name)
		n.parent = nil
		n = parent
	}
}

// nodes counts the nodes below the root.
func (t *Tree) nodes() int {
	var count func(*node) int
	count = func(n *node) int {
		total := 0
		for _, c := range n.children {
			total += 1 + count(c)
		}
		return total
	}
	return count(t.root)
}

func (t *Tree) owns(h *Holder, name string) bool { return name == h.Name }

func (t *Tree) fifo() bool { return true }

func (t *Tree) holders() []Holder { return cloneAll(t.granted) }

func (t *Tree) reset() {
	t.granted = nil
	t.root = newNode(t.Name(), nil)
}
