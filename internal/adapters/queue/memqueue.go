package queue

import (
	"sync"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// MemQueue is a bounded in-memory FIFO backed by a ring buffer.
type MemQueue struct {
	mu   sync.Mutex
	data []ports.QueuedSample
	head int
	size int
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemQueue{data: make([]ports.QueuedSample, capacity)}
}

func (q *MemQueue) Enqueue(id ports.WALEntryID, s *domain.Sample) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.data) {
		return false
	}
	q.data[(q.head+q.size)%len(q.data)] = ports.QueuedSample{ID: id, Sample: s}
	q.size++
	return true
}

func (q *MemQueue) DequeueBatch(max int) []ports.QueuedSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	if max <= 0 || max > q.size {
		max = q.size
	}
	out := make([]ports.QueuedSample, max)
	for i := range out {
		idx := (q.head + i) % len(q.data)
		out[i] = q.data[idx]
		q.data[idx] = ports.QueuedSample{}
	}
	q.head = (q.head + max) % len(q.data)
	q.size -= max
	return out
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *MemQueue) Cap() int { return len(q.data) }

var _ ports.SampleQueue = (*MemQueue)(nil)
