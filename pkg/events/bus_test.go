package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

type countingStore struct {
	mu     sync.Mutex
	counts map[string]int64
	seen   chan struct{}
}

func (c *countingStore) IncrementUsage(day, event string, delta int64) error {
	c.mu.Lock()
	c.counts[day+"|"+event] += delta
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func TestAggregatorFoldsEventsIntoDailyCounters(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	cs := &countingStore{counts: make(map[string]int64), seen: make(chan struct{}, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = RunAggregator(ctx, bus, cs, nil) }()

	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, UsageEvent{Event: EventMessageCreated, OccurredAt: at}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := bus.Publish(ctx, UsageEvent{Event: EventChatCompleted, OccurredAt: at}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i := 0; i < 4; i++ {
		select {
		case <-cs.seen:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for aggregation")
		}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if got := cs.counts["2026-08-30|"+EventMessageCreated]; got != 3 {
		t.Errorf("message_created count = %d, want 3", got)
	}
	if got := cs.counts["2026-08-30|"+EventChatCompleted]; got != 1 {
		t.Errorf("chat_completed count = %d, want 1", got)
	}
}

func TestPublishFillsDefaults(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	if err := bus.Publish(context.Background(), UsageEvent{Event: EventUserSignup}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	event := <-bus.ch
	if event.ID == "" {
		t.Error("expected generated event id")
	}
	if event.OccurredAt.IsZero() {
		t.Error("expected server-set timestamp")
	}
}
