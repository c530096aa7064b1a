package ports

import (
	"context"
	"time"

	"pollcast/contexts/live-polls/tally-service/domain/entities"
	"pollcast/internal/shared/events"
)

// PollDirectory is the read-only view of polls owned outside this service.
type PollDirectory interface {
	GetPoll(ctx context.Context, pollID string) (entities.Poll, error)
	PollExists(ctx context.Context, pollID string) (bool, error)
	ValidOptions(ctx context.Context, pollID string) ([]string, error)
	CurrentVote(ctx context.Context, pollID string, voterID string) (string, bool, error)
	ListPolls(ctx context.Context) ([]entities.Poll, error)
}

// VoteLedger is the single source of truth for active votes.
type VoteLedger interface {
	// ApplyVote inserts or replaces the voter's active vote. When the vote
	// changes, event is stored in the same transaction.
	ApplyVote(ctx context.Context, vote entities.Vote, event EventEnvelope) (entities.ApplyResult, error)
	CurrentVote(ctx context.Context, pollID string, voterID string) (string, bool, error)
	TallyVotes(ctx context.Context, pollID string) (map[string]int, error)
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

type EventEnvelope = events.Envelope

type OutboxMessage struct {
	OutboxID     string
	EventType    string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
}

type OutboxRepository interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event EventEnvelope) error
}
