package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
	"pollcast/contexts/live-polls/tally-service/ports"

	"github.com/google/uuid"
)

type voteKey struct {
	pollID  string
	voterID string
}

type outboxRecord struct {
	message   ports.OutboxMessage
	published bool
}

// Store is an in-process poll directory, vote ledger and outbox.
type Store struct {
	mu sync.RWMutex

	polls  map[string]entities.Poll
	votes  map[voteKey]entities.Vote
	outbox map[string]outboxRecord

	failures   int
	failureOps map[string]int
}

func NewStore(polls []entities.Poll, seed []entities.Vote) *Store {
	store := &Store{
		polls:      make(map[string]entities.Poll, len(polls)),
		votes:      make(map[voteKey]entities.Vote, len(seed)),
		outbox:     make(map[string]outboxRecord),
		failureOps: make(map[string]int),
	}
	for _, poll := range polls {
		store.polls[strings.TrimSpace(poll.PollID)] = normalizePoll(poll)
	}
	for _, vote := range seed {
		store.votes[voteKey{pollID: vote.PollID, voterID: vote.VoterID}] = vote
	}
	return store
}

func (s *Store) SetPoll(poll entities.Poll) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[strings.TrimSpace(poll.PollID)] = normalizePoll(poll)
}

// FailNextCalls makes the next n storage calls fail with ErrStorageUnavailable.
func (s *Store) FailNextCalls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// FailOperation makes the next n calls of one operation (for example
// "apply_vote") fail with ErrStorageUnavailable.
func (s *Store) FailOperation(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureOps[op] = n
}

// takeFailure must be called with s.mu held for writing.
func (s *Store) takeFailure(op string) error {
	if s.failureOps[op] > 0 {
		s.failureOps[op]--
		return fmt.Errorf("%w: memory %s failed", domainerrors.ErrStorageUnavailable, op)
	}
	if s.failures <= 0 {
		return nil
	}
	s.failures--
	return fmt.Errorf("%w: memory %s failed", domainerrors.ErrStorageUnavailable, op)
}

func (s *Store) GetPoll(_ context.Context, pollID string) (entities.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("get_poll"); err != nil {
		return entities.Poll{}, err
	}
	poll, ok := s.polls[strings.TrimSpace(pollID)]
	if !ok {
		return entities.Poll{}, domainerrors.ErrPollNotFound
	}
	return clonePoll(poll), nil
}

func (s *Store) PollExists(ctx context.Context, pollID string) (bool, error) {
	_, err := s.GetPoll(ctx, pollID)
	if err != nil {
		if err == domainerrors.ErrPollNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) ValidOptions(ctx context.Context, pollID string) ([]string, error) {
	poll, err := s.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return poll.OptionIDs(), nil
}

func (s *Store) ListPolls(_ context.Context) ([]entities.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("list_polls"); err != nil {
		return nil, err
	}
	items := make([]entities.Poll, 0, len(s.polls))
	for _, poll := range s.polls {
		items = append(items, clonePoll(poll))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].PollID < items[j].PollID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *Store) CurrentVote(_ context.Context, pollID string, voterID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("current_vote"); err != nil {
		return "", false, err
	}
	vote, ok := s.votes[voteKey{pollID: strings.TrimSpace(pollID), voterID: strings.TrimSpace(voterID)}]
	if !ok {
		return "", false, nil
	}
	return vote.OptionID, true, nil
}

func (s *Store) ApplyVote(
	_ context.Context,
	vote entities.Vote,
	event ports.EventEnvelope,
) (entities.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("apply_vote"); err != nil {
		return entities.ApplyResult{}, err
	}

	key := voteKey{pollID: strings.TrimSpace(vote.PollID), voterID: strings.TrimSpace(vote.VoterID)}
	existing, found := s.votes[key]
	if found && existing.OptionID == vote.OptionID {
		return entities.ApplyResult{
			PreviousOptionID: existing.OptionID,
			HadPrevious:      true,
		}, nil
	}

	result := entities.ApplyResult{Changed: true}
	if found {
		result.PreviousOptionID = existing.OptionID
		result.HadPrevious = true
		vote.CastAt = existing.CastAt
	}
	if vote.CastAt.IsZero() {
		vote.CastAt = time.Now().UTC()
	}
	if vote.UpdatedAt.IsZero() {
		vote.UpdatedAt = vote.CastAt
	}
	if err := s.appendOutboxLocked(event); err != nil {
		return entities.ApplyResult{}, err
	}
	s.votes[key] = vote
	return result, nil
}

func (s *Store) TallyVotes(_ context.Context, pollID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("tally_votes"); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for key, vote := range s.votes {
		if key.pollID == strings.TrimSpace(pollID) {
			counts[vote.OptionID]++
		}
	}
	return counts, nil
}

// ListVotes returns the active votes of a poll ordered by cast time.
func (s *Store) ListVotes(_ context.Context, pollID string) ([]entities.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]entities.Vote, 0)
	for key, vote := range s.votes {
		if key.pollID == strings.TrimSpace(pollID) {
			items = append(items, vote)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CastAt.Equal(items[j].CastAt) {
			return items[i].VoterID < items[j].VoterID
		}
		return items[i].CastAt.Before(items[j].CastAt)
	})
	return items, nil
}

func (s *Store) appendOutboxLocked(envelope ports.EventEnvelope) error {
	if strings.TrimSpace(envelope.EventType) == "" {
		return nil
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	outboxID := strings.TrimSpace(envelope.EventID)
	if outboxID == "" {
		outboxID = uuid.NewString()
	}
	if existing, ok := s.outbox[outboxID]; ok {
		if !bytes.Equal(existing.message.Payload, payload) {
			return domainerrors.ErrConcurrentUpdateConflict
		}
		return nil
	}
	createdAt := envelope.OccurredAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.outbox[outboxID] = outboxRecord{
		message: ports.OutboxMessage{
			OutboxID:     outboxID,
			EventType:    strings.TrimSpace(envelope.EventType),
			PartitionKey: strings.TrimSpace(envelope.PartitionKey),
			Payload:      payload,
			CreatedAt:    createdAt,
		},
	}
	return nil
}

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]ports.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	items := make([]ports.OutboxMessage, 0, len(s.outbox))
	for _, row := range s.outbox {
		if row.published {
			continue
		}
		items = append(items, row.message)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].OutboxID < items[j].OutboxID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, outboxID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[strings.TrimSpace(outboxID)]
	if !ok {
		return domainerrors.ErrConcurrentUpdateConflict
	}
	row.published = true
	s.outbox[strings.TrimSpace(outboxID)] = row
	return nil
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

func normalizePoll(poll entities.Poll) entities.Poll {
	poll = clonePoll(poll)
	poll.PollID = strings.TrimSpace(poll.PollID)
	sort.SliceStable(poll.Options, func(i, j int) bool {
		return poll.Options[i].Position < poll.Options[j].Position
	})
	return poll
}

func clonePoll(poll entities.Poll) entities.Poll {
	options := make([]entities.Option, len(poll.Options))
	copy(options, poll.Options)
	poll.Options = options
	return poll
}

var _ ports.PollDirectory = (*Store)(nil)
var _ ports.VoteLedger = (*Store)(nil)
var _ ports.OutboxRepository = (*Store)(nil)
var _ ports.Clock = (*Store)(nil)
var _ ports.IDGenerator = (*Store)(nil)
