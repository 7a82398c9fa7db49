package bus

import (
	"errors"
	"sync"
)

var (
	// ErrQueueFull means the consumer is far behind; the trigger is dropped.
	ErrQueueFull = errors.New("bus: command queue full")
	// ErrQueueClosed means the appliance is shutting down.
	ErrQueueClosed = errors.New("bus: command queue closed")
)

// Queue is a bounded many-producer single-consumer FIFO. Enqueue never
// blocks; a full queue drops the command, matching the best-effort trigger
// contract.
type Queue struct {
	mu     sync.RWMutex
	ch     chan Command
	closed bool
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 16
	}
	return &Queue{ch: make(chan Command, size)}
}

func (q *Queue) Enqueue(cmd Command) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Commands is the consumer side; arrival order is delivery order.
func (q *Queue) Commands() <-chan Command {
	return q.ch
}

// Close stops intake. Buffered commands remain readable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
