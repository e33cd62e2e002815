// Package keyqueue serializes operations sharing the same key. Operations submitted for a key run one at a time,
// in submission order, while operations for different keys never wait on each other.
//
// A Queue is created once per resource class and shared by every writer of that resource. Per-key state is created
// lazily on first use and dropped as soon as the key has nothing running or waiting, so an idle queue holds no keys.
package keyqueue

import (
	"errors"
	"fmt"
	"sync"
)

// ErrQueueFull returned by Do when MaxPending is set and the key already has that many operations in flight
var ErrQueueFull = errors.New("too many pending operations for key")

// Queue is a keyed FIFO critical section. Zero value is not usable, use New.
type Queue struct {
	maxPending int

	mu      sync.Mutex
	tickets map[string]*ticket
}

// ticket holds the state of a single key. The running operation is not in waiters,
// pending counts the running one plus all waiters.
type ticket struct {
	waiters []chan struct{}
	pending int
}

// New makes a Queue. maxPending limits running+waiting operations per key, 0 means unlimited.
func New(maxPending int) *Queue {
	return &Queue{maxPending: maxPending, tickets: make(map[string]*ticket)}
}

// Do runs fn once every operation submitted earlier for the same key has finished.
// The error returned is fn's own error, a recovered panic from fn, or ErrQueueFull.
// A failure of fn never affects operations queued behind it.
func (q *Queue) Do(key string, fn func() error) (err error) {
	if err := q.acquire(key); err != nil {
		return err
	}
	defer q.release(key)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation for key %q panicked: %v", key, r)
		}
	}()
	return fn()
}

// Run is a typed form of Queue.Do returning fn's result
func Run[T any](q *Queue, key string, fn func() (T, error)) (T, error) {
	var res T
	err := q.Do(key, func() error {
		var e error
		res, e = fn()
		return e
	})
	return res, err
}

// Len returns the number of keys with running or waiting operations
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets)
}

// Pending returns the number of running and waiting operations for the key
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tickets[key]; ok {
		return t.pending
	}
	return 0
}

// acquire blocks until the caller owns the key
func (q *Queue) acquire(key string) error {
	q.mu.Lock()
	t, ok := q.tickets[key]
	if !ok {
		q.tickets[key] = &ticket{pending: 1}
		q.mu.Unlock()
		return nil
	}
	if q.maxPending > 0 && t.pending >= q.maxPending {
		q.mu.Unlock()
		return fmt.Errorf("%w %q (%d)", ErrQueueFull, key, t.pending)
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.pending++
	q.mu.Unlock()

	<-ch // ownership handed over by release
	return nil
}

// release passes ownership directly to the oldest waiter, or drops the key if nobody waits
func (q *Queue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.tickets[key]
	t.pending--
	if len(t.waiters) == 0 {
		delete(q.tickets, key)
		return
	}
	next := t.waiters[0]
	t.waiters[0] = nil
	t.waiters = t.waiters[1:]
	close(next)
}
