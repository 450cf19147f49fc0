// Package bus fans run lifecycle events out to live subscribers (websocket
// feed, notifier). Delivery is best effort; the run log is the durable record.
package bus

import (
	"context"
	"log"
	"sync"
	"time"
)

// RunEvent kinds.
const (
	KindRunStarted   = "run_started"
	KindRunEvent     = "run_event"
	KindRunCompleted = "run_completed"
	KindRunFailed    = "run_failed"
)

type RunEvent struct {
	TaskID    string    `json:"taskId"`
	ProjectID string    `json:"projectId,omitempty"`
	Kind      string    `json:"kind"`
	Line      string    `json:"line,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type EventBus struct {
	events chan RunEvent

	mu          sync.RWMutex
	subscribers map[string]func(RunEvent)
}

func NewEventBus(bufSize int) *EventBus {
	return &EventBus{
		events:      make(chan RunEvent, bufSize),
		subscribers: make(map[string]func(RunEvent)),
	}
}

// Publish enqueues an event without blocking the run; when the buffer is full
// the event is dropped.
func (b *EventBus) Publish(evt RunEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case b.events <- evt:
	default:
		log.Printf("[bus] buffer full, dropping %s for task %s", evt.Kind, evt.TaskID)
	}
}

func (b *EventBus) Subscribe(name string, fn func(RunEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = fn
}

func (b *EventBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, name)
}

// Dispatch delivers queued events to all subscribers until ctx is done.
func (b *EventBus) Dispatch(ctx context.Context) {
	for {
		select {
		case evt := <-b.events:
			b.mu.RLock()
			for _, fn := range b.subscribers {
				fn(evt)
			}
			b.mu.RUnlock()
		case <-ctx.Done():
			return
		}
	}
}
