package httpadapter

import (
	"context"
	"log/slog"
	"time"

	"pollcast/contexts/live-polls/tally-service/application/broker"
	"pollcast/contexts/live-polls/tally-service/application/commands"
	"pollcast/contexts/live-polls/tally-service/application/queries"
	"pollcast/contexts/live-polls/tally-service/application/stream"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	httptransport "pollcast/contexts/live-polls/tally-service/transport/http"
)

type Clock interface {
	Now() time.Time
}

type Handler struct {
	Votes  *commands.VoteGateway
	Polls  queries.PollUseCase
	Broker *broker.Broker
	Stream stream.Options
	Clock  Clock
	Logger *slog.Logger
}

func (h Handler) SubmitVoteHandler(
	ctx context.Context,
	voterID string,
	req httptransport.SubmitVoteRequest,
) (httptransport.SubmitVoteResponse, error) {
	result, err := h.Votes.SubmitVote(ctx, commands.SubmitVoteCommand{
		PollID:   req.PollID,
		VoterID:  voterID,
		OptionID: req.OptionID,
	})
	if err != nil {
		return httptransport.SubmitVoteResponse{}, err
	}
	return httptransport.SubmitVoteResponse{
		PollID:           result.Snapshot.PollID,
		OptionID:         req.OptionID,
		PreviousOptionID: result.PreviousOptionID,
		Changed:          result.Changed,
		Version:          result.Snapshot.Version,
		Counts:           mapCounts(result.Snapshot),
	}, nil
}

func (h Handler) PollHandler(ctx context.Context, pollID string, voterID string) (httptransport.PollResponse, error) {
	view, err := h.Polls.FetchPoll(ctx, pollID, voterID)
	if err != nil {
		return httptransport.PollResponse{}, err
	}
	poll := view.Poll
	options := make([]httptransport.OptionResponse, 0, len(poll.Options))
	for _, option := range poll.Options {
		options = append(options, httptransport.OptionResponse{
			OptionID: option.OptionID,
			Caption:  option.Caption,
			Position: option.Position,
		})
	}
	return httptransport.PollResponse{
		PollID:          poll.PollID,
		CreatorID:       poll.CreatorID,
		Question:        poll.Question,
		Options:         options,
		ExpiresAt:       formatOptionalTime(poll.ExpiresAt),
		CreatedAt:       poll.CreatedAt.UTC().Format(time.RFC3339),
		Open:            poll.IsOpen(h.now()),
		CurrentOptionID: view.CurrentOptionID,
	}, nil
}

func (h Handler) ListPollsHandler(ctx context.Context) (httptransport.ListPollsResponse, error) {
	polls, err := h.Polls.ListPolls(ctx)
	if err != nil {
		return httptransport.ListPollsResponse{}, err
	}
	now := h.now()
	items := make([]httptransport.PollSummary, 0, len(polls))
	for _, poll := range polls {
		items = append(items, httptransport.PollSummary{
			PollID:      poll.PollID,
			Question:    poll.Question,
			OptionCount: len(poll.Options),
			ExpiresAt:   formatOptionalTime(poll.ExpiresAt),
			Open:        poll.IsOpen(now),
		})
	}
	return httptransport.ListPollsResponse{Items: items}, nil
}

func (h Handler) TallyHandler(ctx context.Context, pollID string) (httptransport.TallyResponse, error) {
	snapshot, err := h.Polls.CurrentTally(ctx, pollID)
	if err != nil {
		return httptransport.TallyResponse{}, err
	}
	return httptransport.TallyResponse{
		PollID:     snapshot.PollID,
		Version:    snapshot.Version,
		TotalVotes: snapshot.Total(),
		Counts:     mapCounts(snapshot),
	}, nil
}

// NewStreamSession prepares a live tally session for one client connection.
func (h Handler) NewStreamSession(pollID string, subscriberID string) *stream.Session {
	return stream.NewSession(h.Broker, pollID, subscriberID, h.Stream, h.Logger)
}

func (h Handler) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now().UTC()
}

func mapCounts(snapshot entities.Snapshot) []httptransport.VoteCount {
	items := make([]httptransport.VoteCount, 0, len(snapshot.Counts))
	for _, item := range snapshot.Counts {
		items = append(items, httptransport.VoteCount{
			OptionID:  item.OptionID,
			VoteCount: item.VoteCount,
		})
	}
	return items
}

func formatOptionalTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
