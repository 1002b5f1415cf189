package pool

import (
	"container/heap"
)

// idleEntry is one available connection. The ordering key is captured when
// the connection enters the heap so later activity cannot corrupt the order.
type idleEntry struct {
	conn  *PooledConn
	key   int64  // last activity at insertion, unix nanos
	seq   uint64 // insertion sequence, breaks ties deterministically
	index int
}

// idleHeap is a min-heap of available connections, most idle first.
type idleHeap struct {
	entries []*idleEntry
	byConn  map[*PooledConn]*idleEntry
	nextSeq uint64
}

func newIdleHeap() *idleHeap {
	return &idleHeap{byConn: make(map[*PooledConn]*idleEntry)}
}

func (h *idleHeap) Len() int { return len(h.entries) }

func (h *idleHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	return lessActivity(a.key, a.seq, b.key, b.seq)
}

func (h *idleHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *idleHeap) Push(x any) {
	e := x.(*idleEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *idleHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	e.index = -1
	return e
}

// add inserts conn keyed on its current last-activity time.
func (h *idleHeap) add(conn *PooledConn) {
	if _, ok := h.byConn[conn]; ok {
		return
	}
	h.nextSeq++
	e := &idleEntry{conn: conn, key: conn.lastActivity.Load(), seq: h.nextSeq}
	h.byConn[conn] = e
	heap.Push(h, e)
}

// popOldest removes and returns the most idle connection, or nil.
func (h *idleHeap) popOldest() *PooledConn {
	if len(h.entries) == 0 {
		return nil
	}
	e := heap.Pop(h).(*idleEntry)
	delete(h.byConn, e.conn)
	return e.conn
}

// remove deletes conn if present and reports whether it was.
func (h *idleHeap) remove(conn *PooledConn) bool {
	e, ok := h.byConn[conn]
	if !ok {
		return false
	}
	heap.Remove(h, e.index)
	delete(h.byConn, conn)
	return true
}

func (h *idleHeap) contains(conn *PooledConn) bool {
	_, ok := h.byConn[conn]
	return ok
}

// drain removes every connection, oldest first.
func (h *idleHeap) drain() []*PooledConn {
	out := make([]*PooledConn, 0, len(h.entries))
	for len(h.entries) > 0 {
		out = append(out, h.popOldest())
	}
	return out
}
