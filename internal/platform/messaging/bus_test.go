package messaging

import (
	"context"
	"testing"
	"time"

	"pollcast/internal/shared/events"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversToTopicSubscribers(t *testing.T) {
	bus := NewBus([]string{"localhost:9092"}, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan events.Envelope, 1)
	require.NoError(t, bus.Subscribe(ctx, "vote.cast", "test-cg", func(_ context.Context, event events.Envelope) error {
		received <- event
		return nil
	}))

	event, err := events.NewEnvelope("evt-1", "vote.cast", "tally-service", "poll_id", "P1", time.Now(), map[string]string{"poll_id": "P1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "other.topic", event))
	require.NoError(t, bus.Publish(ctx, "vote.cast", event))

	select {
	case got := <-received:
		require.Equal(t, "evt-1", got.EventID)
		require.Equal(t, "P1", got.PartitionKey)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBusRejectsPublishAfterClose(t *testing.T) {
	bus := NewBus(nil, nil)
	bus.Close()
	bus.Close()
	require.ErrorIs(t, bus.Publish(context.Background(), "vote.cast", events.Envelope{}), ErrBusClosed)
	require.ErrorIs(t, bus.Subscribe(context.Background(), "vote.cast", "cg", nil), ErrBusClosed)
}
