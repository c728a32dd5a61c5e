package relay

import (
	"sync"
	"sync/atomic"
)

// sendQueue is the bounded FIFO between UDP receive loops (producers) and
// the single sender goroutine (consumer). Enqueue never blocks: when the
// queue is full the frame is dropped and counted, so a stalled client
// transport degrades to metered drops instead of stalled UDP reads.
type sendQueue struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	drops  atomic.Uint64
	onDrop func()
}

func newSendQueue(capacity int, onDrop func()) *sendQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &sendQueue{
		frames: make(chan []byte, capacity),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
}

func (q *sendQueue) Enqueue(frame []byte) bool {
	select {
	case <-q.done:
		// Shutdown, not backpressure: the drop counter only ever means a
		// stalled client, so frames arriving after Close are discarded
		// uncounted.
		return false
	default:
	}

	select {
	case q.frames <- frame:
		return true
	default:
		q.drop()
		return false
	}
}

// Dequeue blocks until a frame is available or the queue is closed.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	select {
	case <-q.done:
		return nil, false
	default:
	}
	select {
	case f := <-q.frames:
		return f, true
	case <-q.done:
		return nil, false
	}
}

// Close releases the consumer. Pending frames are discarded uncounted; the
// relay is shutting down and there is no client to deliver them to.
func (q *sendQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *sendQueue) DropCount() uint64 { return q.drops.Load() }

func (q *sendQueue) drop() {
	q.drops.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
}
