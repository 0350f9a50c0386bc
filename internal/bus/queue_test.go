package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 100; i++ {
		q.Put(i)
	}
	if q.Size() != 100 {
		t.Fatalf("expected size 100, got %d", q.Size())
	}
	for i := 0; i < 100; i++ {
		v, err := q.Get(context.Background())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
}

func TestQueueHandsOffToWaitingConsumersInOrder(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 5
	results := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			v, err := q.Get(ctx)
			if err != nil {
				t.Errorf("consumer %d: %v", idx, err)
				return
			}
			results[idx] = v
		}()
		// Make consumer i the i-th waiter.
		waitFor(t, func() bool { return q.WaitingConsumers() == idx+1 })
	}

	for i := 0; i < n; i++ {
		q.Put(100 + i)
	}
	wg.Wait()

	for i, v := range results {
		if v != 100+i {
			t.Fatalf("consumer %d got %d, want %d", i, v, 100+i)
		}
	}
	if q.Size() != 0 || q.WaitingConsumers() != 0 {
		t.Fatalf("expected drained queue, size=%d waiting=%d", q.Size(), q.WaitingConsumers())
	}
}

func TestQueueTryGet(t *testing.T) {
	q := NewQueue[string]()
	if _, ok := q.TryGet(); ok {
		t.Fatal("expected empty queue")
	}
	q.Put("")
	v, ok := q.TryGet()
	if !ok {
		t.Fatal("expected zero-value item to be returned as present")
	}
	if v != "" {
		t.Fatalf("unexpected value %q", v)
	}
}

func TestQueueGetCancelled(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		done <- err
	}()
	waitFor(t, func() bool { return q.WaitingConsumers() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not return after cancel")
	}
	if q.WaitingConsumers() != 0 {
		t.Fatalf("cancelled consumer still registered")
	}

	q.Put(7)
	if v, ok := q.TryGet(); !ok || v != 7 {
		t.Fatalf("item lost after cancelled consumer, got %v %v", v, ok)
	}
}

func TestBoundedQueueBlocksProducers(t *testing.T) {
	q := NewBoundedQueue[int](2)
	ctx := context.Background()
	if err := q.Put(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(ctx, 2); err != nil {
		t.Fatal(err)
	}

	putDone := make(chan struct{}, 2)
	go func() {
		_ = q.Put(ctx, 3)
		putDone <- struct{}{}
	}()
	waitFor(t, func() bool { return q.WaitingProducers() == 1 })
	go func() {
		_ = q.Put(ctx, 4)
		putDone <- struct{}{}
	}()
	waitFor(t, func() bool { return q.WaitingProducers() == 2 })

	v, _ := q.Get(ctx)
	if v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	// One consumed item admits exactly one producer.
	select {
	case <-putDone:
	case <-time.After(time.Second):
		t.Fatal("producer not admitted")
	}
	if q.WaitingProducers() != 1 {
		t.Fatalf("expected one producer still waiting, got %d", q.WaitingProducers())
	}

	var got []int
	for i := 0; i < 3; i++ {
		v, err := q.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	want := []int{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBoundedQueuePutCancelled(t *testing.T) {
	q := NewBoundedQueue[int](1)
	_ = q.Put(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Put(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if q.WaitingProducers() != 0 {
		t.Fatal("cancelled producer still registered")
	}
	if q.Size() != 1 {
		t.Fatalf("expected size 1, got %d", q.Size())
	}
}

func TestWithTimeoutReturnsResult(t *testing.T) {
	v, err := WithTimeout(context.Background(), time.Second, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestWithTimeoutExpires(t *testing.T) {
	start := time.Now()
	_, err := WithTimeout(context.Background(), 30*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.After != 30*time.Millisecond {
		t.Fatalf("expected *TimeoutError with duration, got %#v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout took too long")
	}
}

func TestWithTimeoutPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := WithTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected boom, got %v", err)
	}

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = WithTimeout(parent, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if errors.Is(err, ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected parent cancellation, got %v", err)
	}
}

func TestWithTimeoutQueueGet(t *testing.T) {
	q := NewQueue[int]()
	_, err := WithTimeout(context.Background(), 20*time.Millisecond, q.Get)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	waitFor(t, func() bool { return q.WaitingConsumers() == 0 })
}

func TestWithTimeoutAbandonsUncooperativeOp(t *testing.T) {
	start := time.Now()
	v, err := WithTimeout(context.Background(), 20*time.Millisecond, func(context.Context) (int, error) {
		time.Sleep(300 * time.Millisecond)
		return 42, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got v=%d err=%v", v, err)
	}
	if v != 0 {
		t.Errorf("expected zero value on timeout, got %d", v)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("WithTimeout waited for the op: %v", elapsed)
	}
}

func TestGetTimeoutKeepsLateItem(t *testing.T) {
	const n = 50
	q := NewQueue[int]()
	consumed := 0
	for i := 0; i < n; i++ {
		go q.Put(i)
		_, err := q.GetTimeout(context.Background(), time.Microsecond)
		switch {
		case err == nil:
			consumed++
		case !errors.Is(err, ErrTimeout):
			t.Fatalf("unexpected error %v", err)
		}
	}
	// Items handed over after a timeout are pushed back, never dropped.
	waitFor(t, func() bool { return consumed+q.Size() == n && q.WaitingConsumers() == 0 })
}

func TestGetTimeoutReturnsItem(t *testing.T) {
	q := NewQueue[string]()
	q.Put("a")
	v, err := q.GetTimeout(context.Background(), time.Second)
	if err != nil || v != "a" {
		t.Fatalf("got %q, %v", v, err)
	}
	if _, err := q.GetTimeout(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout on empty queue, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
