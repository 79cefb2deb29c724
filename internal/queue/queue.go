// Package queue provides the per-connection packet queue that hands decoded
// packets from reader goroutines to the tick goroutine.
package queue

import (
	"sync"

	ring "github.com/eapache/queue"

	"github.com/blockgate-project/blockgate/internal/protocol"
)

// Queue is an unbounded multiple-producer single-consumer FIFO of packets.
// Producers only ever Push; a single consumer Pops and Clears.
type Queue struct {
	mu     sync.Mutex
	items  *ring.Queue
	notify chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		items:  ring.New(),
		notify: make(chan struct{}, 1),
	}
}

// Push appends p.
func (q *Queue) Push(p protocol.Packet) {
	q.mu.Lock()
	q.items.Add(p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest packet.
func (q *Queue) Pop() (protocol.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		return nil, false
	}
	return q.items.Remove().(protocol.Packet), true
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Clear discards every queued packet and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.items.Length()
	if n > 0 {
		q.items = ring.New()
	}
	return n
}

// Ready returns a channel that receives after a Push. Signals coalesce, so
// one receive may cover many pushes.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}
