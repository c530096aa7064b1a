package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pollcast/contexts/live-polls/tally-service/adapters/memory"
	"pollcast/contexts/live-polls/tally-service/application/broker"
	"pollcast/contexts/live-polls/tally-service/application/commands"
	"pollcast/contexts/live-polls/tally-service/application/tally"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	"pollcast/contexts/live-polls/tally-service/ports"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []ports.EventEnvelope
	topics []string
	fail   error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event ports.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return nil
}

func poll() entities.Poll {
	return entities.Poll{
		PollID: "P1",
		Options: []entities.Option{
			{OptionID: "O1", Position: 0},
			{OptionID: "O2", Position: 1},
		},
	}
}

func newGateway(store *memory.Store) (*commands.VoteGateway, *tally.Cache, *broker.Broker) {
	cache := tally.NewCache(store, store, store, nil)
	b := broker.New(cache, broker.Quotas{}, nil)
	return &commands.VoteGateway{
		Directory:    store,
		Ledger:       store,
		Tally:        cache,
		Broker:       b,
		Clock:        store,
		IDGen:        store,
		LockWait:     100 * time.Millisecond,
		LockAttempts: 3,
	}, cache, b
}

func TestOutboxRelayPublishesVoteEvents(t *testing.T) {
	store := memory.NewStore([]entities.Poll{poll()}, nil)
	gateway, _, _ := newGateway(store)
	ctx := context.Background()
	for _, voter := range []string{"U1", "U2"} {
		if _, err := gateway.SubmitVote(ctx, commands.SubmitVoteCommand{PollID: "P1", VoterID: voter, OptionID: "O1"}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	// resubmission stores no event
	if _, err := gateway.SubmitVote(ctx, commands.SubmitVoteCommand{PollID: "P1", VoterID: "U1", OptionID: "O1"}); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}

	publisher := &recordingPublisher{}
	relay := OutboxRelay{Outbox: store, Publisher: publisher, Clock: store}
	published, err := relay.RunOnce(ctx)
	if err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if published != 2 {
		t.Fatalf("expected 2 published events, got %d", published)
	}
	for i, event := range publisher.events {
		if publisher.topics[i] != commands.EventTypeVoteCast || event.PartitionKey != "P1" {
			t.Fatalf("unexpected event %+v on topic %s", event, publisher.topics[i])
		}
	}

	again, err := relay.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second relay cycle failed: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected nothing left to publish, got %d", again)
	}
}

func TestOutboxRelayKeepsRowsOnPublishFailure(t *testing.T) {
	store := memory.NewStore([]entities.Poll{poll()}, nil)
	gateway, _, _ := newGateway(store)
	if _, err := gateway.SubmitVote(context.Background(), commands.SubmitVoteCommand{PollID: "P1", VoterID: "U1", OptionID: "O2"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	publisher := &recordingPublisher{fail: errors.New("bus down")}
	relay := OutboxRelay{Outbox: store, Publisher: publisher}
	if _, err := relay.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected publish failure")
	}
	pending, _ := store.ListPendingOutbox(context.Background(), 10)
	if len(pending) != 1 {
		t.Fatalf("expected the row to stay pending, got %d", len(pending))
	}
}

func TestTallyReconcilerRepairsDivergedPolls(t *testing.T) {
	store := memory.NewStore([]entities.Poll{poll()}, nil)
	gateway, cache, b := newGateway(store)
	ctx := context.Background()
	if _, err := gateway.SubmitVote(ctx, commands.SubmitVoteCommand{PollID: "P1", VoterID: "U1", OptionID: "O1"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	sub, err := b.Subscribe(ctx, "P1", "viewer")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	reconciler := TallyReconciler{Polls: cache, Gateway: gateway}
	diverged, err := reconciler.RunOnce(ctx)
	if err != nil || diverged != 0 {
		t.Fatalf("expected clean reconcile, diverged=%d err=%v", diverged, err)
	}

	if _, err := store.ApplyVote(ctx, entities.Vote{PollID: "P1", VoterID: "U2", OptionID: "O2"}, ports.EventEnvelope{}); err != nil {
		t.Fatalf("direct ledger write failed: %v", err)
	}
	diverged, err = reconciler.RunOnce(ctx)
	if err != nil || diverged != 1 {
		t.Fatalf("expected one repaired poll, diverged=%d err=%v", diverged, err)
	}
	select {
	case snapshot := <-sub.Updates():
		if snapshot.Count("O1") != 1 || snapshot.Count("O2") != 1 {
			t.Fatalf("unexpected repaired snapshot: %+v", snapshot.Counts)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected repaired snapshot to be published")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memory.NewStore([]entities.Poll{poll()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- OutboxRelay{Outbox: store, Publisher: &recordingPublisher{}}.Run(ctx, 5*time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("relay did not stop")
	}
}
