package container

import "container/heap"

// Priority is the set of numeric types usable as a PriorityMap priority.
type Priority interface{ ~int64 | ~float64 }

// PriorityMap is a map with an attached priority queue, letting a caller
// both look values up by key and repeatedly pop the lowest-priority entry —
// used by the idempotent-response cache to evict by expiry time and by
// cost-weighted benefit.
type PriorityMap[K comparable, V any, P Priority] struct {
	q priorityQueue[K, V, P]
	m map[K]*pmEntry[K, V, P]
}

type pmEntry[K comparable, V any, P Priority] struct {
	key K
	val V
	pri P
	idx int
}

type priorityQueue[K comparable, V any, P Priority] []*pmEntry[K, V, P]

func (pq priorityQueue[K, V, P]) Len() int { return len(pq) }

func (pq priorityQueue[K, V, P]) Less(i, j int) bool { return pq[i].pri < pq[j].pri }

func (pq priorityQueue[K, V, P]) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].idx, pq[j].idx = i, j
}

func (pq *priorityQueue[K, V, P]) Push(v any) {
	e := v.(*pmEntry[K, V, P])
	e.idx = len(*pq)
	*pq = append(*pq, e)
}

func (pq *priorityQueue[K, V, P]) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return e
}

// NewPriorityMap constructs an empty PriorityMap.
func NewPriorityMap[K comparable, V any, P Priority]() *PriorityMap[K, V, P] {
	return &PriorityMap[K, V, P]{m: make(map[K]*pmEntry[K, V, P])}
}

// Len returns the number of entries in the map.
func (p *PriorityMap[K, V, P]) Len() int { return len(p.q) }

// Get looks up the value stored for key.
func (p *PriorityMap[K, V, P]) Get(key K) (V, bool) {
	if e, ok := p.m[key]; ok {
		return e.val, true
	}
	var zero V
	return zero, false
}

// Set inserts or updates the value and priority stored for key.
func (p *PriorityMap[K, V, P]) Set(key K, val V, pri P) {
	if e, ok := p.m[key]; ok {
		e.val, e.pri = val, pri
		heap.Fix(&p.q, e.idx)
		return
	}
	e := &pmEntry[K, V, P]{key: key, val: val, pri: pri}
	p.m[key] = e
	heap.Push(&p.q, e)
}

// Next returns the entry with the lowest priority without removing it.
func (p *PriorityMap[K, V, P]) Next() (K, V, bool) {
	if len(p.q) == 0 {
		var zk K
		var zv V
		return zk, zv, false
	}
	e := p.q[0]
	return e.key, e.val, true
}

// Find returns the first entry (in unspecified order) for which pred
// returns true.
func (p *PriorityMap[K, V, P]) Find(pred func(V) bool) (V, bool) {
	for _, e := range p.q {
		if pred(e.val) {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// Delete removes key from the map.
func (p *PriorityMap[K, V, P]) Delete(key K) {
	if e, ok := p.m[key]; ok {
		heap.Remove(&p.q, e.idx)
		delete(p.m, key)
	}
}
