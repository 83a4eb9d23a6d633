// Package interval provides a start-keyed binary search tree augmented with
// subtree max end values, answering "which intervals contain point p"
// without scanning every entry.
//
// The tree is not rebalanced. Edits are rare compared to point queries
// (one query per played frame), so a skewed tree costs O(n) only on the
// write-heavy worst case. The index is not safe for concurrent use; the
// owner guards it (see timeline.Timeline).
package interval

import "fmt"

type node[T comparable] struct {
	start  int64
	end    int64
	maxEnd int64
	item   T
	left   *node[T]
	right  *node[T]
}

// update restores maxEnd from the node's own end and its children.
func (n *node[T]) update() {
	n.maxEnd = n.end
	if n.left != nil && n.left.maxEnd > n.maxEnd {
		n.maxEnd = n.left.maxEnd
	}
	if n.right != nil && n.right.maxEnd > n.maxEnd {
		n.maxEnd = n.right.maxEnd
	}
}

// Index holds half-open intervals [start, end) tagged with an item.
type Index[T comparable] struct {
	root *node[T]
	size int
}

// New creates an empty index
func New[T comparable]() *Index[T] {
	return &Index[T]{}
}

// Len returns the number of stored intervals
func (x *Index[T]) Len() int {
	return x.size
}

// Clear drops every interval
func (x *Index[T]) Clear() {
	x.root = nil
	x.size = 0
}

// Insert adds [start, end) for item. Equal starts descend right, which is
// what Remove relies on when resolving ties by item identity.
func (x *Index[T]) Insert(start, end int64, item T) {
	if end <= start {
		panic(fmt.Sprintf("interval: empty interval [%d, %d)", start, end))
	}
	x.root = insert(x.root, &node[T]{start: start, end: end, maxEnd: end, item: item})
	x.size++
}

func insert[T comparable](n, fresh *node[T]) *node[T] {
	if n == nil {
		return fresh
	}
	if fresh.start < n.start {
		n.left = insert(n.left, fresh)
	} else {
		n.right = insert(n.right, fresh)
	}
	if fresh.maxEnd > n.maxEnd {
		n.maxEnd = fresh.maxEnd
	}
	return n
}

// Remove deletes the exact (start, end, item) triple. It reports false when
// no such entry exists, which means the caller passed coordinates that no
// longer match what was inserted.
func (x *Index[T]) Remove(start, end int64, item T) bool {
	var ok bool
	x.root, ok = remove(x.root, start, end, item)
	if ok {
		x.size--
	}
	return ok
}

func remove[T comparable](n *node[T], start, end int64, item T) (*node[T], bool) {
	if n == nil {
		return nil, false
	}

	var ok bool
	switch {
	case start < n.start:
		n.left, ok = remove(n.left, start, end, item)
	case start > n.start:
		n.right, ok = remove(n.right, start, end, item)
	default:
		if n.end == end && n.item == item {
			return unlink(n), true
		}
		// Same start, different entry: ties live in the right subtree.
		n.right, ok = remove(n.right, start, end, item)
	}

	if ok {
		n.update()
	}
	return n, ok
}

// unlink removes n from its position and returns the subtree replacing it.
func unlink[T comparable](n *node[T]) *node[T] {
	if n.left == nil {
		return n.right
	}
	if n.right == nil {
		return n.left
	}

	successor, rest := popMin(n.right)
	successor.left = n.left
	successor.right = rest
	successor.update()
	return successor
}

// popMin detaches the leftmost node of n and returns it with the remaining subtree.
func popMin[T comparable](n *node[T]) (*node[T], *node[T]) {
	if n.left == nil {
		rest := n.right
		n.right = nil
		return n, rest
	}
	min, rest := popMin(n.left)
	n.left = rest
	n.update()
	return min, n
}

// Query returns every item whose interval contains point, in no particular order.
func (x *Index[T]) Query(point int64) []T {
	var out []T
	query(x.root, point, &out)
	return out
}

func query[T comparable](n *node[T], point int64, out *[]T) {
	// Nothing below ends after point.
	if n == nil || n.maxEnd <= point {
		return
	}

	if n.left != nil && n.left.maxEnd > point {
		query(n.left, point, out)
	}

	if n.start <= point && point < n.end {
		*out = append(*out, n.item)
	}

	// Right subtree starts at or after n.start.
	if point >= n.start {
		query(n.right, point, out)
	}
}

// Walk visits intervals in start order until fn returns false.
func (x *Index[T]) Walk(fn func(start, end int64, item T) bool) {
	walk(x.root, fn)
}

func walk[T comparable](n *node[T], fn func(start, end int64, item T) bool) bool {
	if n == nil {
		return true
	}
	if !walk(n.left, fn) {
		return false
	}
	if !fn(n.start, n.end, n.item) {
		return false
	}
	return walk(n.right, fn)
}

// MaxEnd returns the largest end in the index, or 0 when empty.
func (x *Index[T]) MaxEnd() int64 {
	if x.root == nil {
		return 0
	}
	return x.root.maxEnd
}
