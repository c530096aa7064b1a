package cacheadapter

import (
	"context"
	"strings"

	"pollcast/contexts/live-polls/tally-service/domain/entities"
	"pollcast/contexts/live-polls/tally-service/ports"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Directory is a read-through LRU in front of a poll directory. Poll
// definitions do not change while votes are open, so entries are never
// invalidated. Votes and the poll list are always read from the backend.
type Directory struct {
	next  ports.PollDirectory
	polls *lru.Cache[string, entities.Poll]
}

func NewDirectory(next ports.PollDirectory, size int) (*Directory, error) {
	if size <= 0 {
		size = 1024
	}
	polls, err := lru.New[string, entities.Poll](size)
	if err != nil {
		return nil, err
	}
	return &Directory{next: next, polls: polls}, nil
}

func (d *Directory) GetPoll(ctx context.Context, pollID string) (entities.Poll, error) {
	pollID = strings.TrimSpace(pollID)
	if poll, ok := d.polls.Get(pollID); ok {
		return clonePoll(poll), nil
	}
	poll, err := d.next.GetPoll(ctx, pollID)
	if err != nil {
		return entities.Poll{}, err
	}
	d.polls.Add(pollID, clonePoll(poll))
	return poll, nil
}

func (d *Directory) PollExists(ctx context.Context, pollID string) (bool, error) {
	if d.polls.Contains(strings.TrimSpace(pollID)) {
		return true, nil
	}
	return d.next.PollExists(ctx, pollID)
}

func (d *Directory) ValidOptions(ctx context.Context, pollID string) ([]string, error) {
	poll, err := d.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return poll.OptionIDs(), nil
}

func (d *Directory) CurrentVote(ctx context.Context, pollID string, voterID string) (string, bool, error) {
	return d.next.CurrentVote(ctx, pollID, voterID)
}

func (d *Directory) ListPolls(ctx context.Context) ([]entities.Poll, error) {
	return d.next.ListPolls(ctx)
}

func (d *Directory) Len() int {
	return d.polls.Len()
}

func clonePoll(poll entities.Poll) entities.Poll {
	options := make([]entities.Option, len(poll.Options))
	copy(options, poll.Options)
	poll.Options = options
	return poll
}

var _ ports.PollDirectory = (*Directory)(nil)
