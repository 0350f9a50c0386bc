package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is matched by every error returned from WithTimeout on expiry.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError reports that an operation did not finish within its budget.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.After)
}

// Is makes errors.Is(err, ErrTimeout) hold for any *TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// WithTimeout races op against a timer of length d. op receives a context
// that expires with the timer; an op that ignores it is abandoned and its
// late result dropped. Expiry yields a *TimeoutError, cancellation of the
// parent ctx is returned as is. The timer is released on every path.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	return withTimeout(ctx, d, op, nil)
}

// withTimeout is WithTimeout with a release hook that receives a successful
// result arriving after the deadline, so callers can return it to its owner.
func withTimeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error), release func(T)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(tctx)
		done <- result{v, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-tctx.Done():
		select {
		case r = <-done:
		default:
			if release != nil {
				go func() {
					if late := <-done; late.err == nil {
						release(late.v)
					}
				}()
			}
			var zero T
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			return zero, &TimeoutError{After: d}
		}
	}
	if r.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		var zero T
		return zero, &TimeoutError{After: d}
	}
	return r.v, r.err
}

// fifo is the shared core of Queue and BoundedQueue.
// capacity <= 0 means unbounded.
type fifo[T any] struct {
	mu        sync.Mutex
	capacity  int
	items     []T
	consumers []chan T
	producers []*pendingPut[T]
}

type pendingPut[T any] struct {
	item     T
	accepted chan struct{}
}

func (q *fifo[T]) put(ctx context.Context, item T) error {
	q.mu.Lock()
	if len(q.consumers) > 0 {
		c := q.consumers[0]
		q.consumers = q.consumers[1:]
		c <- item
		q.mu.Unlock()
		return nil
	}
	if q.capacity <= 0 || len(q.items) < q.capacity {
		q.items = append(q.items, item)
		q.mu.Unlock()
		return nil
	}
	p := &pendingPut[T]{item: item, accepted: make(chan struct{})}
	q.producers = append(q.producers, p)
	q.mu.Unlock()

	select {
	case <-p.accepted:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, w := range q.producers {
			if w == p {
				q.producers = append(q.producers[:i], q.producers[i+1:]...)
				return ctx.Err()
			}
		}
		// Accepted while we were giving up.
		return nil
	}
}

// popLocked removes the head item and admits at most one blocked producer.
func (q *fifo[T]) popLocked() T {
	var zero T
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.producers) > 0 {
		p := q.producers[0]
		q.producers = q.producers[1:]
		q.items = append(q.items, p.item)
		close(p.accepted)
	}
	return v
}

func (q *fifo[T]) get(ctx context.Context) (T, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		v := q.popLocked()
		q.mu.Unlock()
		return v, nil
	}
	c := make(chan T, 1)
	q.consumers = append(q.consumers, c)
	q.mu.Unlock()

	select {
	case v := <-c:
		return v, nil
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, w := range q.consumers {
			if w == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				var zero T
				return zero, ctx.Err()
			}
		}
		// An item was handed over before we could withdraw; keep it.
		return <-c, nil
	}
}

// pushFront returns an item to the head, or to the oldest waiting consumer.
func (q *fifo[T]) pushFront(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.consumers) > 0 {
		c := q.consumers[0]
		q.consumers = q.consumers[1:]
		c <- item
		return
	}
	q.items = append([]T{item}, q.items...)
}

func (q *fifo[T]) tryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

func (q *fifo[T]) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifo[T]) waitingConsumers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.consumers)
}

// Queue is an unbounded FIFO with blocking consumption.
type Queue[T any] struct {
	q fifo[T]
}

// NewQueue creates an empty unbounded queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Put enqueues item, or hands it directly to the oldest waiting consumer.
// It never blocks.
func (q *Queue[T]) Put(item T) {
	_ = q.q.put(context.Background(), item)
}

// Get blocks until an item is available or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	return q.q.get(ctx)
}

// GetTimeout is Get raced against a timer of length d. An item handed over
// after the timer fired goes back to the head of the queue.
func (q *Queue[T]) GetTimeout(ctx context.Context, d time.Duration) (T, error) {
	return withTimeout(ctx, d, q.q.get, q.q.pushFront)
}

// TryGet returns the head item without blocking; ok is false when empty.
func (q *Queue[T]) TryGet() (item T, ok bool) {
	return q.q.tryGet()
}

// Size returns the number of buffered items.
func (q *Queue[T]) Size() int {
	return q.q.size()
}

// WaitingConsumers returns the number of blocked Get calls.
func (q *Queue[T]) WaitingConsumers() int {
	return q.q.waitingConsumers()
}

// BoundedQueue is a FIFO that blocks producers while it is full.
// Each consumed item admits exactly one blocked producer, oldest first.
type BoundedQueue[T any] struct {
	q fifo[T]
}

// NewBoundedQueue creates a queue holding at most capacity items.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedQueue[T]{q: fifo[T]{capacity: capacity}}
}

// Put enqueues item, blocking while the queue is full.
func (q *BoundedQueue[T]) Put(ctx context.Context, item T) error {
	return q.q.put(ctx, item)
}

// Get blocks until an item is available or ctx is done.
func (q *BoundedQueue[T]) Get(ctx context.Context) (T, error) {
	return q.q.get(ctx)
}

// TryGet returns the head item without blocking; ok is false when empty.
func (q *BoundedQueue[T]) TryGet() (item T, ok bool) {
	return q.q.tryGet()
}

// Size returns the number of buffered items.
func (q *BoundedQueue[T]) Size() int {
	return q.q.size()
}

// Capacity returns the configured capacity.
func (q *BoundedQueue[T]) Capacity() int {
	return q.q.capacity
}

// WaitingConsumers returns the number of blocked Get calls.
func (q *BoundedQueue[T]) WaitingConsumers() int {
	return q.q.waitingConsumers()
}

// WaitingProducers returns the number of blocked Put calls.
func (q *BoundedQueue[T]) WaitingProducers() int {
	q.q.mu.Lock()
	defer q.q.mu.Unlock()
	return len(q.q.producers)
}
