package workers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"pollcast/contexts/live-polls/tally-service/application"
	"pollcast/contexts/live-polls/tally-service/ports"
)

// OutboxRelay publishes vote events persisted by the ledger to the event bus.
type OutboxRelay struct {
	Outbox    ports.OutboxRepository
	Publisher ports.EventPublisher
	Clock     ports.Clock
	BatchSize int
	Logger    *slog.Logger
}

// RunOnce publishes one batch of pending rows in creation order and marks a
// row published only after the bus accepted it. It stops at the first
// failure so the next cycle resumes from that row.
func (r OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	logger := application.ResolveLogger(r.Logger)
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}

	pending, err := r.Outbox.ListPendingOutbox(ctx, limit)
	if err != nil {
		logger.Error("vote outbox list failed",
			"event", "vote_outbox_list_failed",
			"module", "live-polls/tally-service",
			"layer", "worker",
			"error", err.Error(),
		)
		return 0, err
	}
	if len(pending) == 0 {
		logger.Debug("vote outbox relay found no pending rows",
			"event", "vote_outbox_relay_noop",
			"module", "live-polls/tally-service",
			"layer", "worker",
			"batch_size", limit,
		)
		return 0, nil
	}

	now := time.Now().UTC()
	if r.Clock != nil {
		now = r.Clock.Now().UTC()
	}

	published := 0
	for _, row := range pending {
		var event ports.EventEnvelope
		if err := json.Unmarshal(row.Payload, &event); err != nil {
			logger.Error("vote outbox decode failed",
				"event", "vote_outbox_decode_failed",
				"module", "live-polls/tally-service",
				"layer", "worker",
				"outbox_id", row.OutboxID,
				"error", err.Error(),
			)
			return published, err
		}
		topic := event.EventType
		if topic == "" {
			topic = row.EventType
		}
		if err := r.Publisher.Publish(ctx, topic, event); err != nil {
			logger.Error("vote outbox publish failed",
				"event", "vote_outbox_publish_failed",
				"module", "live-polls/tally-service",
				"layer", "worker",
				"outbox_id", row.OutboxID,
				"event_id", event.EventID,
				"event_type", event.EventType,
				"error", err.Error(),
			)
			return published, err
		}
		if err := r.Outbox.MarkOutboxPublished(ctx, row.OutboxID, now); err != nil {
			logger.Error("vote outbox mark published failed",
				"event", "vote_outbox_mark_published_failed",
				"module", "live-polls/tally-service",
				"layer", "worker",
				"outbox_id", row.OutboxID,
				"error", err.Error(),
			)
			return published, err
		}
		published++
	}

	logger.Info("vote outbox relay cycle completed",
		"event", "vote_outbox_relay_completed",
		"module", "live-polls/tally-service",
		"layer", "worker",
		"published_count", published,
	)
	return published, nil
}

// Run repeats RunOnce every interval until ctx ends. Cycle errors are logged
// and retried on the next tick.
func (r OutboxRelay) Run(ctx context.Context, interval time.Duration) error {
	return runEvery(ctx, interval, func(ctx context.Context) error {
		_, err := r.RunOnce(ctx)
		return err
	})
}

func runEvery(ctx context.Context, interval time.Duration, cycle func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := cycle(ctx); errors.Is(err, context.Canceled) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
