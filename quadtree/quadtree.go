// Package quadtree stores terrain quadtree nodes in an arena addressed by
// index. Parent, child and tile relations are indices, never pointers.
package quadtree

import (
	"fmt"

	"github.com/flywave/go-qmterrain/scene"
)

// NodeID addresses a node in a Tree. Nil means "no node".
type NodeID int32

const Nil NodeID = -1

// State is the LOD state of a node in the last traversal.
type State uint8

const (
	Unvisited State = iota
	Active
	Subdivided
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Subdivided:
		return "subdivided"
	}
	return "unvisited"
}

// Node is a quadrant of the terrain. X, Y and Level are local to the base
// tile of the terrain.
type Node struct {
	X, Y, Level uint32

	Parent   NodeID
	Children [4]NodeID
	State    State

	// BBox is the scene box of the node; Materialized is set once it comes
	// from a real tile rather than from the extent alone.
	BBox         scene.AABB
	Epsilon      float64
	Materialized bool

	// Generation is unique per allocation, so a (NodeID, Generation) pair
	// never matches a reused slot.
	Generation uint32
	free       bool
}

func (n *Node) HasChildren() bool {
	return n.Children[0] != Nil
}

// Tree is the arena. The zero value is not usable; call New.
type Tree struct {
	nodes    []Node
	freeList []NodeID
	root     NodeID
	nextGen  uint32
}

func New() *Tree {
	t := &Tree{}
	t.Reset()
	return t
}

// Reset releases every node and allocates a fresh root.
func (t *Tree) Reset() {
	t.nodes = t.nodes[:0]
	t.freeList = t.freeList[:0]
	t.root = t.alloc(0, 0, 0, Nil)
}

func (t *Tree) alloc(x, y, level uint32, parent NodeID) NodeID {
	t.nextGen++
	n := Node{X: x, Y: y, Level: level, Parent: parent, Children: [4]NodeID{Nil, Nil, Nil, Nil}, Generation: t.nextGen}
	if k := len(t.freeList); k > 0 {
		id := t.freeList[k-1]
		t.freeList = t.freeList[:k-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

func (t *Tree) Root() NodeID {
	return t.root
}

// Node returns the node for id. The pointer is invalidated by the next
// allocation.
func (t *Tree) Node(id NodeID) *Node {
	if !t.Valid(id) {
		panic(fmt.Sprintf("quadtree: invalid node %d", id))
	}
	return &t.nodes[id]
}

func (t *Tree) Valid(id NodeID) bool {
	return id >= 0 && int(id) < len(t.nodes) && !t.nodes[id].free
}

// Alive reports whether id still refers to the node of generation gen.
func (t *Tree) Alive(id NodeID, gen uint32) bool {
	return t.Valid(id) && t.nodes[id].Generation == gen
}

// Len is the number of live nodes.
func (t *Tree) Len() int {
	return len(t.nodes) - len(t.freeList)
}

// Children returns the four children of id, creating them on first use.
// Quadrant q covers local (2x + q&1, 2y + q>>1).
func (t *Tree) Children(id NodeID) [4]NodeID {
	if !t.nodes[id].HasChildren() {
		n := t.nodes[id]
		var children [4]NodeID
		for q := 0; q < 4; q++ {
			children[q] = t.alloc(n.X*2+uint32(q&1), n.Y*2+uint32(q>>1), n.Level+1, id)
		}
		t.nodes[id].Children = children
	}
	return t.nodes[id].Children
}

// Prune releases the descendants of id, calling release for each one first.
func (t *Tree) Prune(id NodeID, release func(NodeID)) {
	children := t.nodes[id].Children
	if children[0] == Nil {
		return
	}
	for _, c := range children {
		t.Prune(c, release)
		if release != nil {
			release(c)
		}
		t.nodes[c].free = true
		t.freeList = append(t.freeList, c)
	}
	t.nodes[id].Children = [4]NodeID{Nil, Nil, Nil, Nil}
}

// IsAncestor reports whether a is a strict ancestor of b.
func (t *Tree) IsAncestor(a, b NodeID) bool {
	for p := t.nodes[b].Parent; p != Nil; p = t.nodes[p].Parent {
		if p == a {
			return true
		}
	}
	return false
}

// Walk visits id and its descendants depth first until fn returns false.
func (t *Tree) Walk(id NodeID, fn func(NodeID, *Node) bool) {
	if !fn(id, &t.nodes[id]) {
		return
	}
	if t.nodes[id].HasChildren() {
		for _, c := range t.nodes[id].Children {
			t.Walk(c, fn)
		}
	}
}
