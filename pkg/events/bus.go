package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"schemesathi/pkg/store"
)

// Usage event names aggregated into the admin analytics counters.
const (
	EventMessageCreated         = "message_created"
	EventChatCompleted          = "chat_completed"
	EventTranscriptionCompleted = "transcription_completed"
	EventUserSignup             = "user_signup"
)

// UsageEvent is one countable occurrence published by a service.
type UsageEvent struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"`
	UserID     string    `json:"userId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher emits usage events. Services hold this interface so tests
// and single-process setups can swap the broker out.
type Publisher interface {
	Publish(ctx context.Context, event UsageEvent) error
}

// Bus is a Publisher that can also be consumed from.
type Bus interface {
	Publisher
	Consume(ctx context.Context, handler func(context.Context, UsageEvent) error) error
	Close() error
}

// AMQPBusConfig configures the RabbitMQ-backed bus.
type AMQPBusConfig struct {
	URL   string
	Queue string
}

// AMQPBus publishes and consumes usage events over RabbitMQ.
type AMQPBus struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewAMQPBus(cfg AMQPBusConfig, logger *slog.Logger) (*AMQPBus, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = "usage-events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPBus{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Publish sends the event to the queue as a persistent message.
func (b *AMQPBus) Publish(ctx context.Context, event UsageEvent) error {
	if event.ID == "" {
		event.ID = store.NewID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}
	err = b.ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish usage event: %w", err)
	}
	return nil
}

// Consume delivers events to the handler until the context is done or
// the channel closes. Handler errors requeue the delivery once.
func (b *AMQPBus) Consume(ctx context.Context, handler func(context.Context, UsageEvent) error) error {
	deliveries, err := b.ch.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			var event UsageEvent
			if err := json.Unmarshal(d.Body, &event); err != nil {
				b.logger.Warn("drop malformed usage event", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			if err := handler(ctx, event); err != nil {
				b.logger.Warn("usage event handler failed", "event", event.Event, "error", err)
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.ch.Close(); err != nil {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}

// MemoryBus is an in-process Bus for tests and broker-less deployments.
type MemoryBus struct {
	ch     chan UsageEvent
	once   sync.Once
	closed chan struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{ch: make(chan UsageEvent, 256), closed: make(chan struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, event UsageEvent) error {
	if event.ID == "" {
		event.ID = store.NewID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	select {
	case b.ch <- event:
		return nil
	case <-b.closed:
		return errors.New("bus closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Consume(ctx context.Context, handler func(context.Context, UsageEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return nil
		case event := <-b.ch:
			if err := handler(ctx, event); err != nil {
				return err
			}
		}
	}
}

func (b *MemoryBus) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// NopPublisher discards events. Used when analytics is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, UsageEvent) error { return nil }

// UsageCounter is the slice of the store the aggregator needs.
type UsageCounter interface {
	IncrementUsage(day, event string, delta int64) error
}

// RunAggregator consumes usage events and folds them into per-day
// counters until the context is cancelled.
func RunAggregator(ctx context.Context, bus Bus, counter UsageCounter, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.Consume(ctx, func(ctx context.Context, event UsageEvent) error {
		day := event.OccurredAt.UTC().Format("2006-01-02")
		if err := counter.IncrementUsage(day, event.Event, 1); err != nil {
			return fmt.Errorf("increment usage %s/%s: %w", day, event.Event, err)
		}
		logger.Debug("usage event aggregated", "day", day, "event", event.Event)
		return nil
	})
}
