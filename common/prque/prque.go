// Package prque implements a priority queue data structure supporting arbitrary
// value types and int64 priorities.
//
// Adapted from go-ethereum's common/prque package (itself derived from the
// CookieJar algorithm toolbox) and genericized for paladin-core's scheduler,
// which needs a priority container ordered by descending fee/priority.
package prque

import "container/heap"

// Prque is a priority queue data structure. It orders elements of type V by
// a priority P (highest first) and supports removal by index through the
// positions reported to setIndex.
type Prque[P int64 | float64, V any] struct {
	cont *sstack[P, V]
}

// New creates a new priority queue. setIndex, if non-nil, is called whenever
// an item's position in the internal storage changes (including on removal,
// where it is called with index -1), letting callers keep an external index
// of item positions.
func New[P int64 | float64, V any](setIndex func(data V, index int)) *Prque[P, V] {
	return &Prque[P, V]{cont: newSstack[P, V](setIndex)}
}

// Push adds an item with the given priority.
func (p *Prque[P, V]) Push(data V, priority P) {
	heap.Push(p.cont, &item[P, V]{data, priority})
}

// Peek returns the highest priority item without popping it.
func (p *Prque[P, V]) Peek() (V, P) {
	item := p.cont.blocks[0][0]
	return item.value, item.priority
}

// Pop removes and returns the highest priority item.
func (p *Prque[P, V]) Pop() (V, P) {
	item := heap.Pop(p.cont).(*item[P, V])
	return item.value, item.priority
}

// PopItem is a convenience wrapper for Pop, returning only the value.
func (p *Prque[P, V]) PopItem() V {
	v, _ := p.Pop()
	return v
}

// Remove deletes the item at index i (as reported through setIndex) and
// returns its value.
func (p *Prque[P, V]) Remove(i int) V {
	return heap.Remove(p.cont, i).(*item[P, V]).value
}

// Empty checks whether the queue is empty.
func (p *Prque[P, V]) Empty() bool {
	return p.cont.Len() == 0
}

// Size returns the number of items in the queue.
func (p *Prque[P, V]) Size() int {
	return p.cont.Len()
}

// Reset clears the queue, discarding all items.
func (p *Prque[P, V]) Reset() {
	*p.cont = *newSstack[P, V](p.cont.setIndex)
}
