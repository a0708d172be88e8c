// Package hierarchy rebuilds parent/child forests from flat collections of
// entities that reference an optional parent of the same type.
package hierarchy

import "entitycore/pkg/domain"

// Node wraps one entity inside a forest. The parent pointer is a back
// reference only; a forest owns its nodes through the roots.
type Node[T domain.Hierarchical] struct {
	Item     T
	parent   *Node[T]
	children []*Node[T]
	loaded   bool
}

// NewNode wraps item without linking it to any parent or child.
func NewNode[T domain.Hierarchical](item T) *Node[T] {
	return &Node[T]{Item: item}
}

// ID returns the wrapped entity identity.
func (n *Node[T]) ID() (int64, bool) {
	return n.Item.Identity()
}

// ParentID returns the parent identity declared by the wrapped entity.
func (n *Node[T]) ParentID() (int64, bool) {
	return n.Item.ParentIdentity()
}

// Parent returns the linked parent, nil for roots and unresolved parents.
func (n *Node[T]) Parent() *Node[T] {
	return n.parent
}

// Children returns the children linked so far in input order. Use
// Engine.Children to also load children that were not part of the input.
func (n *Node[T]) Children() []*Node[T] {
	out := make([]*Node[T], len(n.children))
	copy(out, n.children)
	return out
}

// IsRoot reports whether the entity declares no parent.
func (n *Node[T]) IsRoot() bool {
	_, ok := n.ParentID()
	return !ok
}

func (n *Node[T]) attach(child *Node[T]) {
	child.parent = n
	n.children = append(n.children, child)
}

// Forest is the result of a reconstruction.
type Forest[T domain.Hierarchical] struct {
	roots []*Node[T]
	index map[int64]*Node[T]
	size  int
}

// Roots returns the root nodes in input order.
func (f *Forest[T]) Roots() []*Node[T] {
	out := make([]*Node[T], len(f.roots))
	copy(out, f.roots)
	return out
}

// Len returns the number of nodes in the forest.
func (f *Forest[T]) Len() int {
	return f.size
}

// Find returns the node holding the entity with the given identity.
func (f *Forest[T]) Find(id int64) (*Node[T], bool) {
	n, ok := f.index[id]
	return n, ok
}

// Walk visits every node depth first in pre-order. Roots have depth 1.
// Returning false from fn stops the walk.
func (f *Forest[T]) Walk(fn func(n *Node[T], depth int) bool) {
	type frame struct {
		node  *Node[T]
		depth int
	}
	stack := make([]frame, 0, len(f.roots))
	for i := len(f.roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: f.roots[i], depth: 1})
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(top.node, top.depth) {
			return
		}
		for i := len(top.node.children) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: top.node.children[i], depth: top.depth + 1})
		}
	}
}

// Items flattens the forest in pre-order.
func (f *Forest[T]) Items() []T {
	out := make([]T, 0, f.size)
	f.Walk(func(n *Node[T], _ int) bool {
		out = append(out, n.Item)
		return true
	})
	return out
}
