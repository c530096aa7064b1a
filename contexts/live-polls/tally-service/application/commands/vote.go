package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pollcast/contexts/live-polls/tally-service/application"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
	"pollcast/contexts/live-polls/tally-service/ports"
)

// SubmitVoteCommand is the write-model input for casting or changing a vote.
type SubmitVoteCommand struct {
	PollID   string
	VoterID  string
	OptionID string
}

// SubmitVoteResult carries the authoritative tally after the vote was applied.
type SubmitVoteResult struct {
	Snapshot         entities.Snapshot
	PreviousOptionID string
	HadPrevious      bool
	Changed          bool
	Published        bool
}

// TallyCache is the running tally the gateway keeps in step with the ledger.
type TallyCache interface {
	Ensure(ctx context.Context, pollID string) error
	ApplyDelta(pollID string, previous string, hadPrevious bool, next string) (entities.Snapshot, bool)
	Snapshot(pollID string) (entities.Snapshot, bool)
	Rebuild(ctx context.Context, pollID string) (entities.Snapshot, bool, error)
	Invalidate(pollID string)
}

type SnapshotPublisher interface {
	Publish(pollID string, snapshot entities.Snapshot)
}

// VoteGateway is the only writer of votes. Within one poll, ledger write,
// tally update and publish happen as one step under the poll's lock, so
// every subscriber observes the same order of snapshots.
type VoteGateway struct {
	Directory ports.PollDirectory
	Ledger    ports.VoteLedger
	Tally     TallyCache
	Broker    SnapshotPublisher
	Clock     ports.Clock
	IDGen     ports.IDGenerator
	Logger    *slog.Logger

	SubmitTimeout time.Duration
	LockWait      time.Duration
	LockAttempts  int
	Retry         application.RetryPolicy

	locksOnce sync.Once
	locks     *pollLocks
}

func (g *VoteGateway) lockTable() *pollLocks {
	g.locksOnce.Do(func() {
		g.locks = newPollLocks()
	})
	return g.locks
}

// SubmitVote records the voter's choice and returns the post-apply tally.
// Resubmitting the current choice succeeds without publishing anything.
func (g *VoteGateway) SubmitVote(ctx context.Context, cmd SubmitVoteCommand) (SubmitVoteResult, error) {
	logger := application.ResolveLogger(g.Logger)
	pollID := strings.TrimSpace(cmd.PollID)
	voterID := strings.TrimSpace(cmd.VoterID)
	optionID := strings.TrimSpace(cmd.OptionID)

	if voterID == "" {
		logger.Warn("vote submit without voter identity",
			"event", "vote_submit_unauthorized",
			"module", "live-polls/tally-service",
			"layer", "application",
			"poll_id", pollID,
		)
		return SubmitVoteResult{}, domainerrors.ErrUnauthorized
	}
	if pollID == "" || optionID == "" {
		return SubmitVoteResult{}, domainerrors.ErrInvalidVoteInput
	}

	if g.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.SubmitTimeout)
		defer cancel()
	}

	poll, err := application.ReadWithRetry(ctx, g.Retry, func(ctx context.Context) (entities.Poll, error) {
		return g.Directory.GetPoll(ctx, pollID)
	})
	if err != nil {
		return SubmitVoteResult{}, timeoutOr(ctx, err)
	}
	if !poll.HasOption(optionID) {
		logger.Warn("vote submit rejected for unknown option",
			"event", "vote_submit_invalid_option",
			"module", "live-polls/tally-service",
			"layer", "application",
			"poll_id", pollID,
			"voter_id", voterID,
			"option_id", optionID,
		)
		return SubmitVoteResult{}, domainerrors.ErrInvalidOption
	}
	now := g.now()
	if !poll.IsOpen(now) {
		return SubmitVoteResult{}, domainerrors.ErrPollClosed
	}

	eventID, err := g.IDGen.NewID(ctx)
	if err != nil {
		return SubmitVoteResult{}, err
	}
	vote := entities.Vote{
		PollID:    pollID,
		VoterID:   voterID,
		OptionID:  optionID,
		CastAt:    now,
		UpdatedAt: now,
	}
	envelope, err := newVoteCastEnvelope(eventID, voteCastPayload{
		PollID:   pollID,
		VoterID:  voterID,
		OptionID: optionID,
		CastAt:   now,
	})
	if err != nil {
		return SubmitVoteResult{}, err
	}

	release, err := g.lockPoll(ctx, pollID)
	if err != nil {
		return SubmitVoteResult{}, err
	}
	defer release()

	if err := g.Tally.Ensure(ctx, pollID); err != nil {
		logger.Error("tally load failed before vote apply",
			"event", "vote_submit_tally_load_failed",
			"module", "live-polls/tally-service",
			"layer", "application",
			"poll_id", pollID,
			"error", err.Error(),
		)
		return SubmitVoteResult{}, timeoutOr(ctx, err)
	}

	applied, err := g.applyWithRetry(ctx, vote, envelope)
	if err != nil {
		// the ledger may or may not hold the vote
		g.resyncAfterFailedApply(ctx, pollID)
		logger.Error("vote apply failed",
			"event", "vote_submit_apply_failed",
			"module", "live-polls/tally-service",
			"layer", "application",
			"poll_id", pollID,
			"voter_id", voterID,
			"option_id", optionID,
			"error", err.Error(),
		)
		return SubmitVoteResult{}, err
	}

	snapshot, changed := g.Tally.ApplyDelta(pollID, applied.PreviousOptionID, applied.HadPrevious, optionID)
	if applied.Changed && !changed {
		// tally was dropped while we held the lock; rebuild from the ledger
		snapshot, changed, err = g.Tally.Rebuild(ctx, pollID)
		if err != nil {
			g.Tally.Invalidate(pollID)
			return SubmitVoteResult{}, timeoutOr(ctx, err)
		}
		changed = true
	}
	if !applied.Changed {
		if current, ok := g.Tally.Snapshot(pollID); ok {
			snapshot = current
		}
	}

	result := SubmitVoteResult{
		Snapshot:         snapshot,
		PreviousOptionID: applied.PreviousOptionID,
		HadPrevious:      applied.HadPrevious,
		Changed:          applied.Changed,
	}
	if applied.Changed && changed {
		g.Broker.Publish(pollID, snapshot)
		result.Published = true
	}

	logger.Info("vote applied",
		"event", "vote_submit_applied",
		"module", "live-polls/tally-service",
		"layer", "application",
		"poll_id", pollID,
		"voter_id", voterID,
		"option_id", optionID,
		"previous_option_id", applied.PreviousOptionID,
		"changed", applied.Changed,
		"version", snapshot.Version,
	)
	return result, nil
}

// Reconcile rebuilds the poll tally from the ledger under the poll lock and
// publishes the rebuilt snapshot when it differed from the cached one.
func (g *VoteGateway) Reconcile(ctx context.Context, pollID string) (bool, error) {
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return false, domainerrors.ErrInvalidVoteInput
	}
	release, err := g.lockPoll(ctx, pollID)
	if err != nil {
		return false, err
	}
	defer release()

	snapshot, diverged, err := g.Tally.Rebuild(ctx, pollID)
	if err != nil {
		return false, err
	}
	if diverged {
		g.Broker.Publish(pollID, snapshot)
	}
	return diverged, nil
}

// resyncAfterFailedApply runs with the poll lock held. It rebuilds the tally
// from the ledger so a vote committed despite the error reaches subscribers.
// The caller's deadline has often expired by now, so the rebuild gets its own.
// When the rebuild fails the tally stays stale and the reconciler publishes
// the correction later.
func (g *VoteGateway) resyncAfterFailedApply(ctx context.Context, pollID string) {
	g.Tally.Invalidate(pollID)

	timeout := g.SubmitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rebuildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	snapshot, diverged, err := g.Tally.Rebuild(rebuildCtx, pollID)
	if err != nil {
		application.ResolveLogger(g.Logger).Warn("tally resync after failed apply deferred",
			"event", "vote_submit_resync_failed",
			"module", "live-polls/tally-service",
			"layer", "application",
			"poll_id", pollID,
			"error", err.Error(),
		)
		return
	}
	if diverged {
		g.Broker.Publish(pollID, snapshot)
	}
}

func (g *VoteGateway) lockPoll(ctx context.Context, pollID string) (func(), error) {
	release, ok, err := g.lockTable().Lock(ctx, pollID, g.lockWait(), g.LockAttempts)
	if err != nil {
		return nil, timeoutOr(ctx, err)
	}
	if !ok {
		application.ResolveLogger(g.Logger).Warn("poll lock not acquired",
			"event", "vote_submit_lock_conflict",
			"module", "live-polls/tally-service",
			"layer", "application",
			"poll_id", pollID,
		)
		return nil, domainerrors.ErrConcurrentUpdateConflict
	}
	return release, nil
}

func (g *VoteGateway) applyWithRetry(
	ctx context.Context,
	vote entities.Vote,
	envelope ports.EventEnvelope,
) (entities.ApplyResult, error) {
	attempts := g.LockAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := g.Ledger.ApplyVote(ctx, vote, envelope)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, domainerrors.ErrConcurrentUpdateConflict) || ctx.Err() != nil {
			break
		}
	}
	if errors.Is(lastErr, domainerrors.ErrConcurrentUpdateConflict) && ctx.Err() == nil {
		return entities.ApplyResult{}, lastErr
	}
	if ctx.Err() != nil {
		return entities.ApplyResult{}, timeoutOr(ctx, lastErr)
	}
	if errors.Is(lastErr, domainerrors.ErrStorageUnavailable) {
		return entities.ApplyResult{}, lastErr
	}
	return entities.ApplyResult{}, fmt.Errorf("%w: %w", domainerrors.ErrStorageUnavailable, lastErr)
}

func (g *VoteGateway) lockWait() time.Duration {
	if g.LockWait <= 0 {
		return 250 * time.Millisecond
	}
	return g.LockWait
}

func (g *VoteGateway) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

// timeoutOr reports an expired deadline as context.DeadlineExceeded and
// leaves other errors untouched.
func timeoutOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}
