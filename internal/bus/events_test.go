package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishAndDispatch(t *testing.T) {
	eb := NewEventBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eb.Dispatch(ctx)

	var mu sync.Mutex
	var got []RunEvent
	eb.Subscribe("test", func(evt RunEvent) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})

	eb.Publish(RunEvent{TaskID: "task-1", Kind: KindRunStarted, Timestamp: time.Now()})
	eb.Publish(RunEvent{TaskID: "task-1", Kind: KindRunCompleted, Timestamp: time.Now()})

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivered %d events, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Kind != KindRunStarted || got[1].Kind != KindRunCompleted {
		t.Fatalf("events = %+v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eb := NewEventBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eb.Dispatch(ctx)

	var mu sync.Mutex
	count := 0
	eb.Subscribe("gone", func(RunEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	eb.Unsubscribe("gone")

	eb.Publish(RunEvent{TaskID: "task-1", Kind: KindRunEvent})
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("delivered %d events after unsubscribe", count)
	}
}

func TestPublishFullBufferDoesNotBlock(t *testing.T) {
	eb := NewEventBus(1)
	// No dispatcher running; the second publish must drop, not block.
	done := make(chan struct{})
	go func() {
		eb.Publish(RunEvent{TaskID: "a", Kind: KindRunEvent})
		eb.Publish(RunEvent{TaskID: "b", Kind: KindRunEvent})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on full buffer")
	}
}
