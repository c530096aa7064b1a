package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"pollcast/internal/shared/events"
)

var ErrBusClosed = errors.New("event bus closed")

// Bus is the event bus the outbox relay publishes to. Delivery is in-process
// publish/subscribe keyed by topic; brokers are recorded for the external
// transport and not dialed.
type Bus struct {
	mu          sync.RWMutex
	brokers     []string
	subscribers map[string][]chan events.Envelope
	closed      bool
	logger      *slog.Logger
}

func NewBus(brokers []string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		brokers:     append([]string(nil), brokers...),
		subscribers: make(map[string][]chan events.Envelope),
		logger:      logger,
	}
}

// Publish hands event to every subscriber of topic without waiting on slow
// ones; a full subscriber queue drops the event for that subscriber.
func (b *Bus) Publish(ctx context.Context, topic string, event events.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// sends never block, so holding the read lock keeps Close from closing a
	// channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	subs := b.subscribers[topic]
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"event", "bus_publish_drop",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"event_id", event.EventID,
			)
		}
	}

	b.logger.Debug("event published",
		"event", "bus_publish",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"event_id", event.EventID,
		"event_type", event.EventType,
		"partition_key", event.PartitionKey,
		"subscribers", len(subs),
	)
	return nil
}

// Subscribe runs handler for every event on topic until ctx ends.
func (b *Bus) Subscribe(
	ctx context.Context,
	topic string,
	consumerGroup string,
	handler func(context.Context, events.Envelope) error,
) error {
	ch := make(chan events.Envelope, 128)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.removeSubscriber(topic, ch)
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, event); err != nil {
					b.logger.Error("consumer handler failed",
						"event", "bus_consume_failed",
						"module", "internal/platform/messaging",
						"layer", "platform",
						"topic", topic,
						"consumer_group", consumerGroup,
						"event_id", event.EventID,
						"event_type", event.EventType,
						"error", err.Error(),
					)
				}
			}
		}
	}()
	return nil
}

// Close stops delivery; pending subscriber loops exit.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, items := range b.subscribers {
		for _, item := range items {
			close(item)
		}
		delete(b.subscribers, topic)
	}
}

func (b *Bus) removeSubscriber(topic string, target chan events.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.subscribers[topic]
	if len(items) == 0 {
		return
	}
	filtered := make([]chan events.Envelope, 0, len(items))
	for _, item := range items {
		if item != target {
			filtered = append(filtered, item)
		}
	}
	if len(filtered) == 0 {
		delete(b.subscribers, topic)
		return
	}
	b.subscribers[topic] = filtered
}

func (b *Bus) Brokers() []string {
	return append([]string(nil), b.brokers...)
}
