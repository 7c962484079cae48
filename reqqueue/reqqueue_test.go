package reqqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelgfx/kestrel/reqqueue"
)

func TestPopDrainsHighBeforeLow(t *testing.T) {
	q := reqqueue.New[string](4)
	q.Push(context.Background(), reqqueue.PriorityLow, "low")
	q.Push(context.Background(), reqqueue.PriorityHigh, "high")
	q.Push(context.Background(), reqqueue.PriorityNormal, "normal")

	ctx := context.Background()
	order := []string{}
	for i := 0; i < 3; i++ {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("q.Pop: unexpected error: %v", err)
		}
		order = append(order, v)
	}
	want := []string{"high", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("q.Pop order:\nhave %v\nwant %v", order, want)
		}
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := reqqueue.New[int](1)
	ctx := context.Background()
	done := make(chan int, 1)
	go func() {
		v, _ := q.Pop(ctx)
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("q.Pop: returned before anything was pushed")
	case <-time.After(30 * time.Millisecond):
	}

	q.Push(ctx, reqqueue.PriorityNormal, 7)
	select {
	case v := <-done:
		if v != 7 {
			t.Fatalf("q.Pop: have %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("q.Pop: did not unblock after Push")
	}
}

func TestTryPushFullLevel(t *testing.T) {
	q := reqqueue.New[int](1)
	if !q.TryPush(reqqueue.PriorityNormal, 1) {
		t.Fatal("q.TryPush: expected success on empty level")
	}
	if q.TryPush(reqqueue.PriorityNormal, 2) {
		t.Fatal("q.TryPush: expected failure on full level")
	}
}

func TestTryPopEmpty(t *testing.T) {
	q := reqqueue.New[int](1)
	if _, ok := q.TryPop(); ok {
		t.Fatal("q.TryPop: expected false on empty queue")
	}
	q.TryPush(reqqueue.PriorityHigh, 5)
	v, ok := q.TryPop()
	if !ok || v != 5 {
		t.Fatalf("q.TryPop: have (%d, %t), want (5, true)", v, ok)
	}
}

func TestPushCanceledByContext(t *testing.T) {
	q := reqqueue.New[int](1)
	q.TryPush(reqqueue.PriorityNormal, 1) // fill the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, reqqueue.PriorityNormal, 2); err == nil {
		t.Fatal("q.Push: expected context deadline error, got nil")
	}
}
