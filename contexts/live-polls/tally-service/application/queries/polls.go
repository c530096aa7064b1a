package queries

import (
	"context"
	"strings"

	"pollcast/contexts/live-polls/tally-service/application"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
	"pollcast/contexts/live-polls/tally-service/ports"
)

// PollView is a poll as shown to one voter.
type PollView struct {
	Poll            entities.Poll
	CurrentOptionID string
	HasVoted        bool
}

type SnapshotReader interface {
	Current(ctx context.Context, pollID string) (entities.Snapshot, error)
}

type PollUseCase struct {
	Directory ports.PollDirectory
	Tally     SnapshotReader
	Retry     application.RetryPolicy
}

// FetchPoll returns the poll with its options in display order and the
// voter's current choice, if any. An empty voterID skips the vote lookup.
func (uc PollUseCase) FetchPoll(ctx context.Context, pollID string, voterID string) (PollView, error) {
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return PollView{}, domainerrors.ErrPollNotFound
	}
	poll, err := application.ReadWithRetry(ctx, uc.Retry, func(ctx context.Context) (entities.Poll, error) {
		return uc.Directory.GetPoll(ctx, pollID)
	})
	if err != nil {
		return PollView{}, err
	}

	view := PollView{Poll: poll}
	voterID = strings.TrimSpace(voterID)
	if voterID == "" {
		return view, nil
	}
	type current struct {
		optionID string
		found    bool
	}
	vote, err := application.ReadWithRetry(ctx, uc.Retry, func(ctx context.Context) (current, error) {
		optionID, found, err := uc.Directory.CurrentVote(ctx, pollID, voterID)
		return current{optionID: optionID, found: found}, err
	})
	if err != nil {
		return PollView{}, err
	}
	view.CurrentOptionID = vote.optionID
	view.HasVoted = vote.found
	return view, nil
}

func (uc PollUseCase) ListPolls(ctx context.Context) ([]entities.Poll, error) {
	return application.ReadWithRetry(ctx, uc.Retry, uc.Directory.ListPolls)
}

// CurrentTally returns the cached tally, loading it from the ledger on first
// use.
func (uc PollUseCase) CurrentTally(ctx context.Context, pollID string) (entities.Snapshot, error) {
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return entities.Snapshot{}, domainerrors.ErrPollNotFound
	}
	return uc.Tally.Current(ctx, pollID)
}
