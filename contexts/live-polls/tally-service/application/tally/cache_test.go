package tally_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pollcast/contexts/live-polls/tally-service/adapters/memory"
	"pollcast/contexts/live-polls/tally-service/application"
	"pollcast/contexts/live-polls/tally-service/application/tally"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
	"pollcast/contexts/live-polls/tally-service/ports"
)

func seedPoll() entities.Poll {
	return entities.Poll{
		PollID:    "poll-1",
		CreatorID: "creator-1",
		Question:  "Lunch?",
		Options: []entities.Option{
			{OptionID: "opt-1", Caption: "Pizza", Position: 0},
			{OptionID: "opt-2", Caption: "Sushi", Position: 1},
		},
		CreatedAt: time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
	}
}

func newCache(store *memory.Store) *tally.Cache {
	cache := tally.NewCache(store, store, store, nil)
	cache.Retry = application.RetryPolicy{Attempts: 2, Backoff: time.Millisecond}
	return cache
}

func TestEnsureLoadsCountsFromLedgerInOptionOrder(t *testing.T) {
	store := memory.NewStore([]entities.Poll{seedPoll()}, []entities.Vote{
		{PollID: "poll-1", VoterID: "user-1", OptionID: "opt-2"},
		{PollID: "poll-1", VoterID: "user-2", OptionID: "opt-2"},
	})
	cache := newCache(store)

	if _, ok := cache.Snapshot("poll-1"); ok {
		t.Fatalf("expected no snapshot before ensure")
	}
	if err := cache.Ensure(context.Background(), "poll-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	snapshot, ok := cache.Snapshot("poll-1")
	if !ok {
		t.Fatalf("expected snapshot after ensure")
	}
	if len(snapshot.Counts) != 2 || snapshot.Counts[0].OptionID != "opt-1" || snapshot.Counts[1].OptionID != "opt-2" {
		t.Fatalf("unexpected option order: %+v", snapshot.Counts)
	}
	if snapshot.Counts[0].VoteCount != 0 || snapshot.Counts[1].VoteCount != 2 {
		t.Fatalf("unexpected counts: %+v", snapshot.Counts)
	}
	if snapshot.Version != 1 {
		t.Fatalf("expected version 1 after first load, got %d", snapshot.Version)
	}
}

func TestEnsureUnknownPollReturnsNotFound(t *testing.T) {
	cache := newCache(memory.NewStore(nil, nil))
	err := cache.Ensure(context.Background(), "missing")
	if !errors.Is(err, domainerrors.ErrPollNotFound) {
		t.Fatalf("expected poll not found, got %v", err)
	}
	if polls := cache.LoadedPolls(); len(polls) != 0 {
		t.Fatalf("expected no loaded polls, got %v", polls)
	}
}

func TestApplyDeltaMovesOneVoteAndBumpsVersion(t *testing.T) {
	store := memory.NewStore([]entities.Poll{seedPoll()}, nil)
	cache := newCache(store)
	if err := cache.Ensure(context.Background(), "poll-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	first, changed := cache.ApplyDelta("poll-1", "", false, "opt-1")
	if !changed {
		t.Fatalf("expected first vote to change counts")
	}
	if first.Count("opt-1") != 1 || first.Total() != 1 {
		t.Fatalf("unexpected snapshot after first vote: %+v", first.Counts)
	}

	moved, changed := cache.ApplyDelta("poll-1", "opt-1", true, "opt-2")
	if !changed {
		t.Fatalf("expected replacement to change counts")
	}
	if moved.Count("opt-1") != 0 || moved.Count("opt-2") != 1 || moved.Total() != 1 {
		t.Fatalf("unexpected snapshot after replacement: %+v", moved.Counts)
	}
	if moved.Version <= first.Version {
		t.Fatalf("expected version to increase, got %d then %d", first.Version, moved.Version)
	}

	same, changed := cache.ApplyDelta("poll-1", "opt-2", true, "opt-2")
	if changed {
		t.Fatalf("expected same-option delta to be a no-op")
	}
	if same.Version != moved.Version {
		t.Fatalf("expected version to stay %d, got %d", moved.Version, same.Version)
	}
}

func TestApplyDeltaWithoutLoadIsRejected(t *testing.T) {
	cache := newCache(memory.NewStore([]entities.Poll{seedPoll()}, nil))
	if _, changed := cache.ApplyDelta("poll-1", "", false, "opt-1"); changed {
		t.Fatalf("expected delta on unloaded poll to be rejected")
	}
}

func TestSnapshotIsIsolatedFromLaterChanges(t *testing.T) {
	cache := newCache(memory.NewStore([]entities.Poll{seedPoll()}, nil))
	if err := cache.Ensure(context.Background(), "poll-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	before, _ := cache.Snapshot("poll-1")
	cache.ApplyDelta("poll-1", "", false, "opt-1")
	if before.Count("opt-1") != 0 {
		t.Fatalf("expected earlier snapshot to be unchanged, got %+v", before.Counts)
	}
}

func TestInvalidateKeepsVersionMonotonic(t *testing.T) {
	store := memory.NewStore([]entities.Poll{seedPoll()}, nil)
	cache := newCache(store)
	if err := cache.Ensure(context.Background(), "poll-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	applied, _ := cache.ApplyDelta("poll-1", "", false, "opt-1")

	cache.Invalidate("poll-1")
	if _, ok := cache.Snapshot("poll-1"); ok {
		t.Fatalf("expected invalidated tally to report no snapshot")
	}

	// ledger never saw the vote, so the reload diverges and moves forward
	reloaded, err := cache.Current(context.Background(), "poll-1")
	if err != nil {
		t.Fatalf("current failed: %v", err)
	}
	if reloaded.Count("opt-1") != 0 {
		t.Fatalf("expected ledger counts after reload, got %+v", reloaded.Counts)
	}
	if reloaded.Version <= applied.Version {
		t.Fatalf("expected version beyond %d, got %d", applied.Version, reloaded.Version)
	}
}

func TestRebuildReportsDivergence(t *testing.T) {
	store := memory.NewStore([]entities.Poll{seedPoll()}, nil)
	cache := newCache(store)
	if err := cache.Ensure(context.Background(), "poll-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	_, diverged, err := cache.Rebuild(context.Background(), "poll-1")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if diverged {
		t.Fatalf("expected no divergence on a consistent tally")
	}

	if _, err := store.ApplyVote(context.Background(), entities.Vote{
		PollID: "poll-1", VoterID: "user-9", OptionID: "opt-2",
	}, ports.EventEnvelope{}); err != nil {
		t.Fatalf("direct ledger write failed: %v", err)
	}
	snapshot, diverged, err := cache.Rebuild(context.Background(), "poll-1")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if !diverged {
		t.Fatalf("expected divergence after out-of-band ledger write")
	}
	if snapshot.Count("opt-2") != 1 {
		t.Fatalf("expected rebuilt count 1, got %+v", snapshot.Counts)
	}
}

func TestEnsureRetriesTransientStorageFailures(t *testing.T) {
	store := memory.NewStore([]entities.Poll{seedPoll()}, nil)
	cache := newCache(store)
	store.FailNextCalls(1)

	if err := cache.Ensure(context.Background(), "poll-1"); err != nil {
		t.Fatalf("expected ensure to recover after one failure, got %v", err)
	}

	store.FailNextCalls(5)
	cache.Invalidate("poll-1")
	err := cache.Ensure(context.Background(), "poll-1")
	if !errors.Is(err, domainerrors.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}

func TestConcurrentEnsureLoadsOnce(t *testing.T) {
	store := memory.NewStore([]entities.Poll{seedPoll()}, nil)
	cache := newCache(store)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cache.Ensure(context.Background(), "poll-1"); err != nil {
				t.Errorf("ensure failed: %v", err)
			}
		}()
	}
	wg.Wait()

	snapshot, ok := cache.Snapshot("poll-1")
	if !ok {
		t.Fatalf("expected snapshot after concurrent ensure")
	}
	if snapshot.Version != 1 {
		t.Fatalf("expected a single load at version 1, got %d", snapshot.Version)
	}
}

func TestWarmLoadsEveryPoll(t *testing.T) {
	second := seedPoll()
	second.PollID = "poll-2"
	cache := newCache(memory.NewStore([]entities.Poll{seedPoll(), second}, nil))

	loaded, err := cache.Warm(context.Background())
	if err != nil {
		t.Fatalf("warm failed: %v", err)
	}
	if loaded != 2 {
		t.Fatalf("expected 2 polls warmed, got %d", loaded)
	}
	polls := cache.LoadedPolls()
	if len(polls) != 2 || polls[0] != "poll-1" || polls[1] != "poll-2" {
		t.Fatalf("unexpected loaded polls: %v", polls)
	}
}

// gatedLedger holds one TallyVotes call after reading, so a test can change
// the ledger and the tally while that read is in flight.
type gatedLedger struct {
	ports.VoteLedger

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (l *gatedLedger) arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armed = true
	l.entered = make(chan struct{})
	l.release = make(chan struct{})
}

func (l *gatedLedger) TallyVotes(ctx context.Context, pollID string) (map[string]int, error) {
	counts, err := l.VoteLedger.TallyVotes(ctx, pollID)

	l.mu.Lock()
	armed := l.armed
	l.armed = false
	l.mu.Unlock()
	if armed {
		close(l.entered)
		<-l.release
	}
	return counts, err
}

func TestLoadDropsLedgerReadOvertakenByRebuild(t *testing.T) {
	store := memory.NewStore([]entities.Poll{seedPoll()}, nil)
	ledger := &gatedLedger{VoteLedger: store}
	cache := tally.NewCache(store, ledger, store, nil)
	ctx := context.Background()

	if err := cache.Ensure(ctx, "poll-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	cache.Invalidate("poll-1")

	ledger.arm()
	done := make(chan error, 1)
	go func() {
		done <- cache.Ensure(ctx, "poll-1")
	}()
	<-ledger.entered

	if _, err := store.ApplyVote(ctx, entities.Vote{PollID: "poll-1", VoterID: "user-1", OptionID: "opt-1"}, ports.EventEnvelope{}); err != nil {
		t.Fatalf("apply vote failed: %v", err)
	}
	rebuilt, _, err := cache.Rebuild(ctx, "poll-1")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if _, err := store.ApplyVote(ctx, entities.Vote{PollID: "poll-1", VoterID: "user-2", OptionID: "opt-2"}, ports.EventEnvelope{}); err != nil {
		t.Fatalf("apply vote failed: %v", err)
	}
	applied, changed := cache.ApplyDelta("poll-1", "", false, "opt-2")
	if !changed {
		t.Fatalf("expected delta to apply after rebuild")
	}

	close(ledger.release)
	if err := <-done; err != nil {
		t.Fatalf("concurrent ensure failed: %v", err)
	}

	snapshot, ok := cache.Snapshot("poll-1")
	if !ok {
		t.Fatalf("expected loaded tally")
	}
	if snapshot.Count("opt-1") != 1 || snapshot.Count("opt-2") != 1 {
		t.Fatalf("older ledger read overwrote the tally: %+v", snapshot.Counts)
	}
	if snapshot.Version != applied.Version || applied.Version <= rebuilt.Version {
		t.Fatalf("expected version %d to stay, got %d", applied.Version, snapshot.Version)
	}
}

func TestRebuildReportsCorrectionMadeByLoad(t *testing.T) {
	store := memory.NewStore([]entities.Poll{seedPoll()}, nil)
	cache := newCache(store)
	ctx := context.Background()

	if err := cache.Ensure(ctx, "poll-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if _, err := store.ApplyVote(ctx, entities.Vote{PollID: "poll-1", VoterID: "user-1", OptionID: "opt-2"}, ports.EventEnvelope{}); err != nil {
		t.Fatalf("apply vote failed: %v", err)
	}
	cache.Invalidate("poll-1")
	if err := cache.Ensure(ctx, "poll-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	_, notify, err := cache.Rebuild(ctx, "poll-1")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if !notify {
		t.Fatalf("expected rebuild to report the unpublished correction")
	}
	if _, notify, _ = cache.Rebuild(ctx, "poll-1"); notify {
		t.Fatalf("expected the correction to be reported once")
	}
}
