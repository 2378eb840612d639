package fieldbus

import (
	"errors"

	"github.com/Workiva/go-datastructures/queue"
)

// executionQueue is the blocking queue between the planner and the drain loop.
type executionQueue struct {
	q *queue.Queue
}

func newExecutionQueue() *executionQueue {
	return &executionQueue{q: queue.New(32)}
}

func (e *executionQueue) empty() bool {
	return e.q.Empty()
}

func (e *executionQueue) len() int {
	return int(e.q.Len())
}

// fill appends the entries of a new pass. The caller checks empty() first.
func (e *executionQueue) fill(entries []queueEntry) error {
	items := make([]interface{}, len(entries))
	for i := range entries {
		items[i] = entries[i]
	}
	if err := e.q.Put(items...); err != nil {
		return translateQueueErr(err)
	}
	return nil
}

// take blocks until an entry is available or the queue is closed.
func (e *executionQueue) take() (queueEntry, error) {
	items, err := e.q.Get(1)
	if err != nil {
		return queueEntry{}, translateQueueErr(err)
	}
	if len(items) == 0 {
		return queueEntry{}, ErrQueueClosed
	}
	return items[0].(queueEntry), nil
}

func (e *executionQueue) close() {
	e.q.Dispose()
}

func translateQueueErr(err error) error {
	if errors.Is(err, queue.ErrDisposed) {
		return ErrQueueClosed
	}
	return err
}
