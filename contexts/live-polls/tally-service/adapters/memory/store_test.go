package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
	"pollcast/contexts/live-polls/tally-service/ports"
	"pollcast/internal/shared/events"
)

func testPoll() entities.Poll {
	return entities.Poll{
		PollID:   "poll-1",
		Question: "Lunch?",
		Options: []entities.Option{
			{OptionID: "opt-2", Caption: "Sushi", Position: 1},
			{OptionID: "opt-1", Caption: "Pizza", Position: 0},
		},
	}
}

func voteEvent(t *testing.T, eventID string, vote entities.Vote) ports.EventEnvelope {
	t.Helper()
	envelope, err := events.NewEnvelope(eventID, "vote.cast", "tally-service", "poll_id", vote.PollID, time.Now(), vote)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return envelope
}

func TestApplyVoteInsertReplaceAndNoop(t *testing.T) {
	store := NewStore([]entities.Poll{testPoll()}, nil)
	ctx := context.Background()

	first := entities.Vote{PollID: "poll-1", VoterID: "user-1", OptionID: "opt-1"}
	result, err := store.ApplyVote(ctx, first, voteEvent(t, "evt-1", first))
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if result.HadPrevious || !result.Changed {
		t.Fatalf("expected fresh insert, got %+v", result)
	}

	replace := entities.Vote{PollID: "poll-1", VoterID: "user-1", OptionID: "opt-2"}
	result, err = store.ApplyVote(ctx, replace, voteEvent(t, "evt-2", replace))
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if !result.HadPrevious || result.PreviousOptionID != "opt-1" || !result.Changed {
		t.Fatalf("expected replacement of opt-1, got %+v", result)
	}

	result, err = store.ApplyVote(ctx, replace, voteEvent(t, "evt-3", replace))
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if result.Changed || result.PreviousOptionID != "opt-2" {
		t.Fatalf("expected no-op resubmission, got %+v", result)
	}

	counts, err := store.TallyVotes(ctx, "poll-1")
	if err != nil {
		t.Fatalf("tally failed: %v", err)
	}
	if counts["opt-1"] != 0 || counts["opt-2"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	pending, err := store.ListPendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("list outbox failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 outbox rows for 2 effective changes, got %d", len(pending))
	}
}

func TestFailedApplyLeavesLedgerUntouched(t *testing.T) {
	store := NewStore([]entities.Poll{testPoll()}, nil)
	ctx := context.Background()
	store.FailNextCalls(1)

	vote := entities.Vote{PollID: "poll-1", VoterID: "user-1", OptionID: "opt-1"}
	if _, err := store.ApplyVote(ctx, vote, voteEvent(t, "evt-1", vote)); !errors.Is(err, domainerrors.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if _, found, err := store.CurrentVote(ctx, "poll-1", "user-1"); err != nil || found {
		t.Fatalf("expected no vote after failed apply, found=%v err=%v", found, err)
	}
	pending, _ := store.ListPendingOutbox(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("expected empty outbox after failed apply, got %d", len(pending))
	}
}

func TestOptionsFollowPositionOrder(t *testing.T) {
	store := NewStore([]entities.Poll{testPoll()}, nil)
	options, err := store.ValidOptions(context.Background(), "poll-1")
	if err != nil {
		t.Fatalf("valid options failed: %v", err)
	}
	if len(options) != 2 || options[0] != "opt-1" || options[1] != "opt-2" {
		t.Fatalf("unexpected options: %v", options)
	}
	exists, err := store.PollExists(context.Background(), "nope")
	if err != nil || exists {
		t.Fatalf("expected missing poll, exists=%v err=%v", exists, err)
	}
}

func TestMarkOutboxPublished(t *testing.T) {
	store := NewStore([]entities.Poll{testPoll()}, nil)
	ctx := context.Background()
	vote := entities.Vote{PollID: "poll-1", VoterID: "user-1", OptionID: "opt-1"}
	if _, err := store.ApplyVote(ctx, vote, voteEvent(t, "evt-1", vote)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := store.MarkOutboxPublished(ctx, "evt-1", time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	pending, _ := store.ListPendingOutbox(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("expected no pending rows, got %d", len(pending))
	}
	if err := store.MarkOutboxPublished(ctx, "missing", time.Now()); !errors.Is(err, domainerrors.ErrConcurrentUpdateConflict) {
		t.Fatalf("expected conflict for unknown row, got %v", err)
	}
}

func TestParsePolls(t *testing.T) {
	raw := []byte(`
polls:
  - id: poll-1
    creator_id: creator-1
    question: Lunch?
    created_at: 2026-03-01T10:00:00Z
    options:
      - id: opt-1
        caption: Pizza
      - id: opt-2
        caption: Sushi
`)
	polls, err := ParsePolls(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(polls) != 1 || len(polls[0].Options) != 2 {
		t.Fatalf("unexpected polls: %+v", polls)
	}
	if polls[0].Options[1].OptionID != "opt-2" || polls[0].Options[1].Position != 1 {
		t.Fatalf("unexpected second option: %+v", polls[0].Options[1])
	}

	if _, err := ParsePolls([]byte("polls:\n  - id: p\n    options:\n      - id: a\n      - id: a\n")); err == nil {
		t.Fatalf("expected duplicate option error")
	}
}
