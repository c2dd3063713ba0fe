package websocket

import "container/heap"

// dedupeWindow suppresses repeated deliveries of the same event id.
// Ids at or below the floor count as seen. Ids above it are remembered in a
// bounded set; when the set overflows the smallest id is evicted and the
// floor rises to it. Late ids above the floor are still delivered once.
type dedupeWindow struct {
	floor  int64
	size   int
	recent map[int64]struct{}
	order  idHeap
}

func newDedupeWindow(size int) *dedupeWindow {
	if size <= 0 {
		size = 1024
	}
	return &dedupeWindow{
		size:   size,
		recent: make(map[int64]struct{}, size),
	}
}

// Seen reports whether id was already delivered and records it if not.
func (d *dedupeWindow) Seen(id int64) bool {
	if id <= d.floor {
		return true
	}
	if _, ok := d.recent[id]; ok {
		return true
	}

	d.recent[id] = struct{}{}
	heap.Push(&d.order, id)

	for len(d.recent) > d.size {
		evicted := heap.Pop(&d.order).(int64)
		delete(d.recent, evicted)
		if evicted > d.floor {
			d.floor = evicted
		}
	}
	return false
}

// Advance raises the floor to id, typically the last id the client got
// through catch-up.
func (d *dedupeWindow) Advance(id int64) {
	if id <= d.floor {
		return
	}
	d.floor = id
	for d.order.Len() > 0 && d.order[0] <= id {
		delete(d.recent, heap.Pop(&d.order).(int64))
	}
}

func (d *dedupeWindow) Floor() int64 {
	return d.floor
}

type idHeap []int64

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) { *h = append(*h, x.(int64)) }

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
