package gofusion

import (
	"container/heap"
	"time"
)

type queued struct {
	m   Measurement
	seq uint64
}

// measurementHeap orders measurements by timestamp, then by arrival.
type measurementHeap []queued

func (h measurementHeap) Len() int { return len(h) }
func (h measurementHeap) Less(i, j int) bool {
	if h[i].m.Time.Equal(h[j].m.Time) {
		return h[i].seq < h[j].seq
	}
	return h[i].m.Time.Before(h[j].m.Time)
}
func (h measurementHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *measurementHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *measurementHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// reorderBuffer holds measurements for a short window so that near simultaneous
// arrivals are released in timestamp order.
type reorderBuffer struct {
	window time.Duration
	items  measurementHeap
	newest time.Time
	seq    uint64
}

func newReorderBuffer(window time.Duration) *reorderBuffer {
	return &reorderBuffer{window: window}
}

func (b *reorderBuffer) push(m Measurement) {
	b.seq++
	heap.Push(&b.items, queued{m, b.seq})
	if m.Time.After(b.newest) {
		b.newest = m.Time
	}
}

// release pops every measurement older than the newest one minus the window.
func (b *reorderBuffer) release() []Measurement {
	var out []Measurement
	horizon := b.newest.Add(-b.window)
	for b.items.Len() > 0 && !b.items[0].m.Time.After(horizon) {
		out = append(out, heap.Pop(&b.items).(queued).m)
	}
	return out
}

func (b *reorderBuffer) flush() []Measurement {
	out := make([]Measurement, 0, b.items.Len())
	for b.items.Len() > 0 {
		out = append(out, heap.Pop(&b.items).(queued).m)
	}
	return out
}

func (b *reorderBuffer) Len() int {
	return b.items.Len()
}
