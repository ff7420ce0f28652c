// Package evaluation contains the scheduler at the centre of the grader: it
// owns the operation queue, tracks the worker pool, dispatches jobs, persists
// their results and enqueues follow-up work.
package evaluation

import (
	"errors"
	"sync"
	"time"

	"dev.helix.grader/internal/models"
)

// ErrQueueSaturated is returned when a low-priority enqueue is refused
// because the queue is over its depth limit. Contest-time priorities are
// never refused.
var ErrQueueSaturated = errors.New("operation queue is saturated")

const priorityBands = models.PriorityExtraLow + 1

// Queue is a priority-banded FIFO of operations, deduplicated on the
// operation fingerprint. At most one entry per fingerprint is queued at any
// time; re-pushing an already queued operation may only promote its priority.
type Queue struct {
	mu       sync.Mutex
	bands    [priorityBands][]models.QueuedOperation
	queued   map[string]int // fingerprint -> band
	maxDepth int
}

func NewQueue(maxDepth int) *Queue {
	return &Queue{
		queued:   make(map[string]int),
		maxDepth: maxDepth,
	}
}

// Push enqueues the operation at the tail of its band. Operations at
// PriorityLow or below are refused with ErrQueueSaturated once the queue is
// over its depth limit.
func (q *Queue) Push(op models.Operation, priority int, timestamp time.Time) error {
	if priority < models.PriorityExtra {
		priority = models.PriorityExtra
	}
	if priority > models.PriorityExtraLow {
		priority = models.PriorityExtraLow
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	fp := op.Fingerprint()
	if band, ok := q.queued[fp]; ok {
		if priority < band {
			q.removeFromBand(band, fp)
			q.insert(op, priority, timestamp, false)
		}
		return nil
	}

	if q.maxDepth > 0 && q.length() >= q.maxDepth && priority >= models.PriorityLow {
		return ErrQueueSaturated
	}
	q.insert(op, priority, timestamp, false)
	return nil
}

// PushFront re-enqueues an operation at the head of its band, ahead of
// everything at the same priority. Used when a worker dies with the
// operation in flight.
func (q *Queue) PushFront(op models.Operation, priority int, timestamp time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fp := op.Fingerprint()
	if band, ok := q.queued[fp]; ok {
		q.removeFromBand(band, fp)
	}
	q.insert(op, priority, timestamp, true)
}

func (q *Queue) insert(op models.Operation, priority int, timestamp time.Time, front bool) {
	entry := models.QueuedOperation{Operation: op, Priority: priority, Timestamp: timestamp}
	if front {
		q.bands[priority] = append([]models.QueuedOperation{entry}, q.bands[priority]...)
	} else {
		q.bands[priority] = append(q.bands[priority], entry)
	}
	q.queued[op.Fingerprint()] = priority
}

func (q *Queue) removeFromBand(band int, fingerprint string) {
	entries := q.bands[band]
	for i, e := range entries {
		if e.Operation.Fingerprint() == fingerprint {
			q.bands[band] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	delete(q.queued, fingerprint)
}

// Pop removes and returns the highest-priority, oldest queued operation.
func (q *Queue) Pop() (models.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for band := range q.bands {
		if len(q.bands[band]) == 0 {
			continue
		}
		entry := q.bands[band][0]
		q.bands[band] = q.bands[band][1:]
		delete(q.queued, entry.Operation.Fingerprint())
		return entry, true
	}
	return models.QueuedOperation{}, false
}

// Remove drops a queued operation, reporting whether it was present.
func (q *Queue) Remove(fingerprint string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	band, ok := q.queued[fingerprint]
	if !ok {
		return false
	}
	q.removeFromBand(band, fingerprint)
	return true
}

// Contains reports whether an operation with this fingerprint is queued.
func (q *Queue) Contains(fingerprint string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[fingerprint]
	return ok
}

// Len returns the total number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length()
}

func (q *Queue) length() int {
	return len(q.queued)
}

// Depths returns the number of queued operations per priority band.
func (q *Queue) Depths() [priorityBands]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var depths [priorityBands]int
	for band := range q.bands {
		depths[band] = len(q.bands[band])
	}
	return depths
}

// Snapshot returns the queued operations in dispatch order, for the status
// endpoint.
func (q *Queue) Snapshot() []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.QueuedOperation, 0, q.length())
	for band := range q.bands {
		out = append(out, q.bands[band]...)
	}
	return out
}
