package broker

import (
	"container/heap"
	"net"
	"sync"
	"time"
)

// delayedPacket is one datagram waiting to be relayed once its release time
// arrives.
type delayedPacket struct {
	releaseAt time.Time
	dest      *net.UDPAddr
	data      []byte
}

// packetHeap is a min-heap of delayedPacket ordered by releaseAt, giving the
// delay queue O(log n) insert and pop-earliest.
type packetHeap []*delayedPacket

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].releaseAt.Before(h[j].releaseAt) }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x interface{}) { *h = append(*h, x.(*delayedPacket)) }
func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// delayQueue reorders datagrams by release time. Datagrams pushed with
// different delays may pop out of send order, which is intentional: the
// delay filter does not preserve ordering across datagrams.
type delayQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    packetHeap
	closed   bool
	dispatch func(dest *net.UDPAddr, data []byte)
}

func newDelayQueue(dispatch func(dest *net.UDPAddr, data []byte)) *delayQueue {
	q := &delayQueue{dispatch: dispatch}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push schedules data for delivery to dest at releaseAt.
func (q *delayQueue) push(dest *net.UDPAddr, data []byte, releaseAt time.Time) {
	q.mu.Lock()
	heap.Push(&q.items, &delayedPacket{releaseAt: releaseAt, dest: dest, data: data})
	q.mu.Unlock()
	q.cond.Broadcast()
}

// len reports the number of datagrams currently waiting, for QueueLen metrics.
func (q *delayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// run dispatches datagrams as their release time arrives. It blocks until
// close is called, so callers run it in its own goroutine.
func (q *delayQueue) run() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return
		}
		if len(q.items) == 0 {
			q.cond.Wait()
			continue
		}

		next := q.items[0]
		wait := time.Until(next.releaseAt)
		if wait <= 0 {
			heap.Pop(&q.items)
			dest, data := next.dest, next.data
			q.mu.Unlock()
			q.dispatch(dest, data)
			q.mu.Lock()
			continue
		}

		// Wake up when the earliest item is due, or sooner if a new,
		// earlier item is pushed while we wait.
		timer := time.AfterFunc(wait, q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()
	}
}

// close wakes run so it can return; already-queued datagrams are dropped.
func (q *delayQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
