package fst

import (
	"errors"

	"NetSpectraRx/internal/model"

	"github.com/gammazero/deque"
)

var ErrQueueFull = errors.New("mirror update queue is full")

// Update is a pending mirror write.
type Update struct {
	Index    uint32
	Tuple    model.FiveTuple
	Steering uint8
	Context  uint8
}

// UpdateQueue is the FIFO of pending mirror writes. At most one update per
// flow index is queued at a time. It is not safe for concurrent use; the
// flow table guards it with its own lock.
type UpdateQueue struct {
	deque  *deque.Deque
	queued map[uint32]struct{}
	limit  int
}

// NewUpdateQueue creates a queue holding at most limit updates.
func NewUpdateQueue(limit int) *UpdateQueue {
	return &UpdateQueue{
		deque:  deque.New(),
		queued: make(map[uint32]struct{}),
		limit:  limit,
	}
}

// Push queues u unless an update for the same index is already pending.
// It reports whether u was added.
func (q *UpdateQueue) Push(u Update) (bool, error) {
	if _, ok := q.queued[u.Index]; ok {
		return false, nil
	}
	if q.limit > 0 && q.deque.Len() >= q.limit {
		return false, ErrQueueFull
	}
	q.deque.PushBack(u)
	q.queued[u.Index] = struct{}{}
	return true, nil
}

// Pop removes the oldest update.
func (q *UpdateQueue) Pop() (Update, bool) {
	if q.deque.Len() == 0 {
		return Update{}, false
	}
	u := q.deque.PopFront().(Update)
	delete(q.queued, u.Index)
	return u, true
}

// Pending reports whether an update for index is queued.
func (q *UpdateQueue) Pending(index uint32) bool {
	_, ok := q.queued[index]
	return ok
}

func (q *UpdateQueue) Len() int {
	return q.deque.Len()
}
