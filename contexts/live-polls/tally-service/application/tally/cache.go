package tally

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"pollcast/contexts/live-polls/tally-service/application"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
	"pollcast/contexts/live-polls/tally-service/ports"

	"golang.org/x/sync/singleflight"
)

type pollTally struct {
	mu      sync.RWMutex
	options []string
	counts  map[string]int
	version uint64
	loaded  bool
	stale   bool
	takenAt time.Time

	// generation changes with every write to the entry, including Invalidate.
	generation uint64
	// unpublished is set when a load corrected the counts and no subscriber
	// has been sent the corrected snapshot yet.
	unpublished bool
}

// Cache holds the running per-option counts of every poll that has been
// touched since start. Counts are loaded lazily from the ledger and mutated
// only through ApplyDelta and Rebuild.
type Cache struct {
	Directory ports.PollDirectory
	Ledger    ports.VoteLedger
	Clock     ports.Clock
	Retry     application.RetryPolicy
	Logger    *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	polls map[string]*pollTally
}

func NewCache(directory ports.PollDirectory, ledger ports.VoteLedger, clock ports.Clock, logger *slog.Logger) *Cache {
	return &Cache{
		Directory: directory,
		Ledger:    ledger,
		Clock:     clock,
		Logger:    logger,
		polls:     make(map[string]*pollTally),
	}
}

func (c *Cache) entry(pollID string) *pollTally {
	c.mu.RLock()
	item, ok := c.polls[pollID]
	c.mu.RUnlock()
	if ok {
		return item
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.polls == nil {
		c.polls = make(map[string]*pollTally)
	}
	if item, ok = c.polls[pollID]; ok {
		return item
	}
	item = &pollTally{counts: make(map[string]int)}
	c.polls[pollID] = item
	return item
}

func (c *Cache) lookup(pollID string) (*pollTally, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.polls[pollID]
	return item, ok
}

// Ensure loads the poll tally when it is missing or stale. Concurrent callers
// for the same poll share one load.
func (c *Cache) Ensure(ctx context.Context, pollID string) error {
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return domainerrors.ErrInvalidVoteInput
	}
	if c.ready(pollID) {
		return nil
	}

	_, err, _ := c.group.Do(pollID, func() (any, error) {
		// a load may have finished between the check above and this call
		if c.ready(pollID) {
			return nil, nil
		}
		return nil, c.load(ctx, pollID)
	})
	return err
}

// load runs without the caller holding the poll lock, so a vote may be
// applied between the ledger read and the write below. The read is dropped
// when the entry changed meanwhile.
func (c *Cache) load(ctx context.Context, pollID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		// an absent entry counts as generation 0; unknown polls leave no entry
		var generation uint64
		if item, ok := c.lookup(pollID); ok {
			item.mu.RLock()
			generation = item.generation
			item.mu.RUnlock()
		}

		options, fresh, err := c.readLedger(ctx, pollID)
		if err != nil {
			return err
		}

		item := c.entry(pollID)
		item.mu.Lock()
		if item.generation != generation {
			ready := item.loaded && !item.stale
			item.mu.Unlock()
			if ready {
				return nil
			}
			continue
		}
		c.storeLocked(item, pollID, options, fresh, false)
		item.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%w: tally for poll %s changed during load", domainerrors.ErrConcurrentUpdateConflict, pollID)
}

func (c *Cache) ready(pollID string) bool {
	item, ok := c.lookup(pollID)
	if !ok {
		return false
	}
	item.mu.RLock()
	defer item.mu.RUnlock()
	return item.loaded && !item.stale
}

// Rebuild recomputes the poll tally from the ledger. Callers hold the poll
// lock. The flag reports whether subscribers need the returned snapshot:
// the cached counts diverged from the ledger, or an earlier load corrected
// them without a publish.
func (c *Cache) Rebuild(ctx context.Context, pollID string) (entities.Snapshot, bool, error) {
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return entities.Snapshot{}, false, domainerrors.ErrInvalidVoteInput
	}
	options, fresh, err := c.readLedger(ctx, pollID)
	if err != nil {
		return entities.Snapshot{}, false, err
	}
	item := c.entry(pollID)
	item.mu.Lock()
	defer item.mu.Unlock()
	snapshot, diverged := c.storeLocked(item, pollID, options, fresh, true)
	return snapshot, diverged, nil
}

func (c *Cache) readLedger(ctx context.Context, pollID string) ([]string, map[string]int, error) {
	logger := application.ResolveLogger(c.Logger)

	options, err := application.ReadWithRetry(ctx, c.Retry, func(ctx context.Context) ([]string, error) {
		return c.Directory.ValidOptions(ctx, pollID)
	})
	if err != nil {
		return nil, nil, err
	}
	counts, err := application.ReadWithRetry(ctx, c.Retry, func(ctx context.Context) (map[string]int, error) {
		return c.Ledger.TallyVotes(ctx, pollID)
	})
	if err != nil {
		return nil, nil, err
	}

	fresh := make(map[string]int, len(options))
	for _, optionID := range options {
		fresh[optionID] = counts[optionID]
	}
	for optionID, count := range counts {
		if _, ok := fresh[optionID]; !ok && count > 0 {
			logger.Warn("ledger holds votes for an unknown option",
				"event", "tally_unknown_option_votes",
				"module", "live-polls/tally-service",
				"layer", "application",
				"poll_id", pollID,
				"option_id", optionID,
				"vote_count", count,
			)
		}
	}
	return options, fresh, nil
}

// storeLocked replaces the cached counts with a ledger read. With publishing
// set the caller is going to publish, so a pending correction is reported
// and cleared; otherwise a correction is remembered as pending.
func (c *Cache) storeLocked(item *pollTally, pollID string, options []string, fresh map[string]int, publishing bool) (entities.Snapshot, bool) {
	diverged := item.loaded && !sameCounts(item.counts, fresh)
	if !item.loaded || diverged || !sameOptions(item.options, options) {
		item.version++
	}
	item.options = append([]string(nil), options...)
	item.counts = fresh
	item.loaded = true
	item.stale = false
	item.takenAt = c.now()
	item.generation++

	if diverged {
		application.ResolveLogger(c.Logger).Warn("tally diverged from ledger and was rebuilt",
			"event", "tally_rebuilt",
			"module", "live-polls/tally-service",
			"layer", "application",
			"poll_id", pollID,
			"version", item.version,
		)
	}

	if !publishing {
		item.unpublished = item.unpublished || diverged
		return item.snapshotLocked(pollID), diverged
	}
	notify := diverged || item.unpublished
	item.unpublished = false
	return item.snapshotLocked(pollID), notify
}

// ApplyDelta moves one vote from previous to next in a single step. It
// returns the post-apply snapshot and whether the counts changed.
func (c *Cache) ApplyDelta(pollID string, previous string, hadPrevious bool, next string) (entities.Snapshot, bool) {
	pollID = strings.TrimSpace(pollID)
	item, ok := c.lookup(pollID)
	if !ok {
		return entities.Snapshot{}, false
	}

	item.mu.Lock()
	defer item.mu.Unlock()
	if !item.loaded {
		return entities.Snapshot{}, false
	}
	if hadPrevious && previous == next {
		return item.snapshotLocked(pollID), false
	}
	if hadPrevious && item.counts[previous] > 0 {
		item.counts[previous]--
	}
	item.counts[next]++
	item.version++
	item.takenAt = c.now()
	item.generation++
	// the caller publishes this snapshot, which carries any earlier correction
	item.unpublished = false
	return item.snapshotLocked(pollID), true
}

// Snapshot returns a copy of the current tally. It reports false when the
// poll has not been loaded or was invalidated.
func (c *Cache) Snapshot(pollID string) (entities.Snapshot, bool) {
	pollID = strings.TrimSpace(pollID)
	item, ok := c.lookup(pollID)
	if !ok {
		return entities.Snapshot{}, false
	}
	item.mu.RLock()
	defer item.mu.RUnlock()
	if !item.loaded || item.stale {
		return entities.Snapshot{}, false
	}
	return item.snapshotLocked(pollID), true
}

// Current loads the tally if needed and returns its snapshot.
func (c *Cache) Current(ctx context.Context, pollID string) (entities.Snapshot, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if err := c.Ensure(ctx, pollID); err != nil {
			return entities.Snapshot{}, err
		}
		if snapshot, ok := c.Snapshot(pollID); ok {
			return snapshot, nil
		}
	}
	return entities.Snapshot{}, fmt.Errorf("%w: tally for poll %s kept going stale", domainerrors.ErrStorageUnavailable, pollID)
}

// Invalidate marks the poll tally stale so the next Ensure reloads it. The
// version counter is kept so later snapshots still order after earlier ones.
func (c *Cache) Invalidate(pollID string) {
	item, ok := c.lookup(strings.TrimSpace(pollID))
	if !ok {
		return
	}
	item.mu.Lock()
	item.stale = true
	item.generation++
	item.mu.Unlock()
}

// LoadedPolls lists the polls with a loaded tally, sorted by id.
func (c *Cache) LoadedPolls() []string {
	c.mu.RLock()
	items := make([]string, 0, len(c.polls))
	for pollID, item := range c.polls {
		item.mu.RLock()
		if item.loaded {
			items = append(items, pollID)
		}
		item.mu.RUnlock()
	}
	c.mu.RUnlock()
	sort.Strings(items)
	return items
}

// Warm loads the tally of every poll the directory knows about. Polls that
// fail to load are skipped and loaded lazily later.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	polls, err := application.ReadWithRetry(ctx, c.Retry, c.Directory.ListPolls)
	if err != nil {
		return 0, err
	}
	logger := application.ResolveLogger(c.Logger)
	loaded := 0
	for _, poll := range polls {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		if err := c.Ensure(ctx, poll.PollID); err != nil {
			logger.Error("tally warm-up failed",
				"event", "tally_warm_failed",
				"module", "live-polls/tally-service",
				"layer", "application",
				"poll_id", poll.PollID,
				"error", err.Error(),
			)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (c *Cache) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (p *pollTally) snapshotLocked(pollID string) entities.Snapshot {
	counts := make([]entities.OptionCount, 0, len(p.options))
	for _, optionID := range p.options {
		counts = append(counts, entities.OptionCount{
			OptionID:  optionID,
			VoteCount: p.counts[optionID],
		})
	}
	return entities.Snapshot{
		PollID:  pollID,
		Version: p.version,
		Counts:  counts,
		TakenAt: p.takenAt,
	}
}

func sameCounts(left map[string]int, right map[string]int) bool {
	for key, value := range left {
		if right[key] != value {
			return false
		}
	}
	for key, value := range right {
		if left[key] != value {
			return false
		}
	}
	return true
}

func sameOptions(left []string, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}
