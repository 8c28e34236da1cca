// Package quadtree is a concurrent region quadtree over geographic points.
//
// Locking discipline:
//
//   - every quadrant carries its own shared/upgradeable/exclusive lock, and
//     mutable quadrant state is only read under at least a shared hold;
//   - a child is only locked while its parent is held, and siblings only
//     after their common parent, so locks are always taken top-down;
//   - Insert descends hand-over-hand with upgradeable holds and upgrades at
//     the destination leaf;
//   - a cross-quadrant Move keeps an upgradeable hold on the nearest common
//     ancestor while it locks both the source and destination leaves;
//   - joins take the parent exclusively and then the four children in index
//     order;
//   - range queries keep a shared hold on every quadrant of the current path,
//     so no join can disconnect a quadrant they are still visiting.
package quadtree

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/example/rideshare/internal/geo"
)

// Options bounds the shape of the tree.
type Options struct {
	// MaxCapacity is the leaf size above which Reindex subdivides.
	MaxCapacity int
	// MinCapacity is the combined sibling size below which Reindex joins.
	MinCapacity int
	// MaxDepth stops subdivision.
	MaxDepth int
}

func DefaultOptions() Options {
	return Options{MaxCapacity: 10, MinCapacity: 1, MaxDepth: 25}
}

func (o Options) Validate() error {
	var errs []error
	if o.MaxCapacity < 1 {
		errs = append(errs, fmt.Errorf("max capacity must be >= 1, got %d", o.MaxCapacity))
	}
	if o.MinCapacity < 0 || o.MinCapacity > o.MaxCapacity/4 {
		errs = append(errs, fmt.Errorf("min capacity must be in [0, max/4], got %d", o.MinCapacity))
	}
	if o.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("max depth must be >= 0, got %d", o.MaxDepth))
	}
	return errors.Join(errs...)
}

// Element is a handle to a value stored in the tree. Its identity, not its
// value, is what the tree tracks.
type Element[T any] struct {
	value   T
	point   atomic.Pointer[geo.Point]
	leaf    atomic.Pointer[quadrant[T]]
	busy    atomic.Bool
	removed atomic.Bool
}

func (e *Element[T]) Value() T { return e.value }

func (e *Element[T]) Point() geo.Point { return *e.point.Load() }

// Removed reports whether Remove has been called on the handle.
func (e *Element[T]) Removed() bool { return e.removed.Load() }

// Tree is safe for concurrent use.
type Tree[T any] struct {
	root *quadrant[T]
	opts Options
	size atomic.Int64

	mu          sync.Mutex // guards the candidate sets
	toSubdivide map[*quadrant[T]]struct{}
	toJoin      map[*quadrant[T]]struct{}
}

func New[T any](opts Options) (*Tree[T], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Tree[T]{
		root:        newRoot[T](),
		opts:        opts,
		toSubdivide: make(map[*quadrant[T]]struct{}),
		toJoin:      make(map[*quadrant[T]]struct{}),
	}, nil
}

// Len returns the number of elements currently stored.
func (t *Tree[T]) Len() int { return int(t.size.Load()) }

// Insert stores value at p and returns its handle.
func (t *Tree[T]) Insert(value T, p geo.Point) *Element[T] {
	p = p.Normalized()
	e := &Element[T]{value: value}
	e.point.Store(&p)

	t.root.lock.ULock()
	q := t.descend(t.root, p, false)
	q.lock.Upgrade()
	t.place(q, e)
	q.lock.Unlock()
	t.size.Add(1)
	return e
}

// Remove deletes the element. It reports false if the handle was already
// removed, including by a concurrent Remove.
func (t *Tree[T]) Remove(e *Element[T]) bool {
	if e == nil || !e.removed.CompareAndSwap(false, true) {
		return false
	}
	// No new Move can start once removed is set, so this wait is bounded.
	for e.busy.Load() {
		runtime.Gosched()
	}
	q := t.lockLeafOf(e, true)
	delete(q.elements, e)
	e.leaf.Store(nil)
	if q.parent != nil && len(q.elements) < t.opts.MinCapacity {
		t.markJoin(q.parent)
	}
	q.lock.Unlock()
	t.size.Add(-1)
	return true
}

// Move relocates the element to p. It returns false when the handle has been
// removed or another Move on the same handle is in flight.
func (t *Tree[T]) Move(e *Element[T], p geo.Point) bool {
	if e == nil || !e.busy.CompareAndSwap(false, true) {
		return false
	}
	defer e.busy.Store(false)
	if e.removed.Load() {
		return false
	}
	p = p.Normalized()
	for {
		q := t.lockLeafOf(e, false)
		if q.covers(p) {
			// Only the busy holder writes the point, so a shared hold is enough.
			e.point.Store(&p)
			q.lock.RUnlock()
			return true
		}
		q.lock.RUnlock()
		if t.relocate(e, q, p) {
			return true
		}
	}
}

// relocate moves e out of src into the leaf covering p. It returns false if
// the tree changed shape underneath and the caller should retry.
func (t *Tree[T]) relocate(e *Element[T], src *quadrant[T], p geo.Point) bool {
	a := src.parent
	for a != nil && !a.covers(p) {
		a = a.parent
	}
	if a == nil {
		a = t.root
	}
	a.lock.ULock()
	if a.disconnected {
		a.lock.UUnlock()
		return false
	}
	if a.children == nil {
		// a absorbed its children since we looked; e lives here now.
		if e.leaf.Load() != a {
			a.lock.UUnlock()
			return false
		}
		e.point.Store(&p)
		a.lock.UUnlock()
		return true
	}
	old := e.Point()
	if a.childIndex(old) == a.childIndex(p) {
		a.lock.UUnlock()
		return false
	}

	dst := t.descend(a, p, true)
	from := t.descend(a, old, true)
	if e.leaf.Load() != from {
		panic("quadtree: moving element not found in the leaf covering its position")
	}
	from.lock.Upgrade()
	dst.lock.Upgrade()

	delete(from.elements, e)
	e.point.Store(&p)
	t.place(dst, e)
	if len(from.elements) < t.opts.MinCapacity {
		t.markJoin(from.parent)
	}

	dst.lock.Unlock()
	from.lock.Unlock()
	a.lock.UUnlock()
	return true
}

// descend walks from a quadrant held upgradeable down to the leaf covering
// p, hand over hand. The leaf is returned held upgradeable. When keep is set
// the starting quadrant stays held.
func (t *Tree[T]) descend(from *quadrant[T], p geo.Point, keep bool) *quadrant[T] {
	q := from
	for q.children != nil {
		c := q.children[q.childIndex(p)]
		c.lock.ULock()
		if q != from || !keep {
			q.lock.UUnlock()
		}
		q = c
	}
	return q
}

// place adds e to the exclusively held leaf q.
func (t *Tree[T]) place(q *quadrant[T], e *Element[T]) {
	q.elements[e] = struct{}{}
	e.leaf.Store(q)
	if len(q.elements) > t.opts.MaxCapacity && q.depth < t.opts.MaxDepth {
		t.markSubdivide(q)
	}
}

// lockLeafOf locks the leaf currently holding e, shared or exclusive,
// retrying if a subdivide or join moved e while we waited.
func (t *Tree[T]) lockLeafOf(e *Element[T], exclusive bool) *quadrant[T] {
	for {
		q := e.leaf.Load()
		if q == nil {
			panic("quadtree: live element is not stored in any quadrant")
		}
		if exclusive {
			q.lock.Lock()
		} else {
			q.lock.RLock()
		}
		if !q.disconnected && q.children == nil && e.leaf.Load() == q {
			if _, ok := q.elements[e]; !ok {
				panic("quadtree: element missing from its leaf")
			}
			return q
		}
		if exclusive {
			q.lock.Unlock()
		} else {
			q.lock.RUnlock()
		}
		runtime.Gosched()
	}
}

func (t *Tree[T]) markSubdivide(q *quadrant[T]) {
	t.mu.Lock()
	t.toSubdivide[q] = struct{}{}
	t.mu.Unlock()
}

func (t *Tree[T]) markJoin(q *quadrant[T]) {
	if q == nil {
		return
	}
	t.mu.Lock()
	t.toJoin[q] = struct{}{}
	t.mu.Unlock()
}

// RangeQuery returns every element whose position satisfies pred. pred must
// be monotonic under containment: if it holds for a rectangle it must hold
// for every rectangle containing it. Elements are tested as zero-area
// rectangles.
func (t *Tree[T]) RangeQuery(pred func(geo.Rect) bool) []*Element[T] {
	var out []*Element[T]
	t.root.lock.RLock()
	defer t.root.lock.RUnlock()
	t.query(t.root, pred, &out)
	return out
}

func (t *Tree[T]) query(q *quadrant[T], pred func(geo.Rect) bool, out *[]*Element[T]) {
	if !pred(q.rect()) {
		return
	}
	if q.isLeaf() {
		for e := range q.elements {
			if pred(geo.RectFromPoint(e.Point())) {
				*out = append(*out, e)
			}
		}
		return
	}
	for _, c := range q.children {
		c.lock.RLock()
		t.query(c, pred, out)
		c.lock.RUnlock()
	}
}

// GetLargestSubdivisionLevel returns the depth of the deepest leaf.
func (t *Tree[T]) GetLargestSubdivisionLevel() int {
	t.root.lock.RLock()
	defer t.root.lock.RUnlock()
	return deepest(t.root)
}

func deepest[T any](q *quadrant[T]) int {
	if q.isLeaf() {
		return q.depth
	}
	max := q.depth
	for _, c := range q.children {
		c.lock.RLock()
		if d := deepest(c); d > max {
			max = d
		}
		c.lock.RUnlock()
	}
	return max
}

// Reindex subdivides overfull leaves and joins sparse sibling groups that
// were flagged by earlier Insert, Move and Remove calls. It is safe to run
// concurrently with every other operation.
func (t *Tree[T]) Reindex() ReindexStats {
	t.mu.Lock()
	sub, join := t.toSubdivide, t.toJoin
	t.toSubdivide = make(map[*quadrant[T]]struct{})
	t.toJoin = make(map[*quadrant[T]]struct{})
	t.mu.Unlock()

	var stats ReindexStats
	work := make([]*quadrant[T], 0, len(sub))
	for q := range sub {
		work = append(work, q)
	}
	for len(work) > 0 {
		q := work[len(work)-1]
		work = work[:len(work)-1]
		more, ok := t.subdivide(q)
		if ok {
			stats.Subdivided++
		}
		work = append(work, more...)
	}

	work = work[:0]
	for q := range join {
		work = append(work, q)
	}
	for len(work) > 0 {
		q := work[len(work)-1]
		work = work[:len(work)-1]
		if t.join(q) {
			stats.Joined++
			if q.parent != nil {
				work = append(work, q.parent)
			}
		}
	}
	return stats
}

// ReindexStats counts the structural changes of one Reindex pass.
type ReindexStats struct {
	Subdivided int
	Joined     int
}

// subdivide splits an overfull leaf, returning any children that are still
// overfull.
func (t *Tree[T]) subdivide(q *quadrant[T]) ([]*quadrant[T], bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.disconnected || !q.isLeaf() || len(q.elements) <= t.opts.MaxCapacity || q.depth >= t.opts.MaxDepth {
		return nil, false
	}
	kids := q.split()
	// Elements become reachable through their leaf pointer before the
	// children are complete, so hold every child until they are.
	for _, c := range kids {
		c.lock.Lock()
	}
	defer func() {
		for _, c := range kids {
			c.lock.Unlock()
		}
	}()
	for e := range q.elements {
		c := kids[q.childIndex(e.Point())]
		c.elements[e] = struct{}{}
		e.leaf.Store(c)
	}
	q.elements = nil
	q.children = &kids

	var again []*quadrant[T]
	for _, c := range kids {
		if len(c.elements) > t.opts.MaxCapacity && c.depth < t.opts.MaxDepth {
			again = append(again, c)
		}
	}
	return again, true
}

// join folds the four leaf children of p back into p when together they hold
// fewer than MinCapacity elements.
func (t *Tree[T]) join(p *quadrant[T]) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.disconnected || p.isLeaf() {
		return false
	}
	kids := p.children
	locked := 0
	defer func() {
		for i := locked - 1; i >= 0; i-- {
			kids[i].lock.Unlock()
		}
	}()

	total := 0
	for _, c := range kids {
		c.lock.Lock()
		locked++
		if !c.isLeaf() {
			return false
		}
		total += len(c.elements)
	}
	if total >= t.opts.MinCapacity || total > t.opts.MaxCapacity {
		return false
	}

	merged := make(map[*Element[T]]struct{}, total)
	for _, c := range kids {
		for e := range c.elements {
			merged[e] = struct{}{}
			e.leaf.Store(p)
		}
		c.elements = nil
		c.disconnected = true
	}
	p.children = nil
	p.elements = merged
	return true
}
