package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"pollcast/contexts/live-polls/tally-service/application"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"

	"github.com/google/uuid"
)

// Snapshots is the tally view the broker reads initial snapshots from.
// Snapshot must not block; Ensure may perform I/O.
type Snapshots interface {
	Ensure(ctx context.Context, pollID string) error
	Snapshot(pollID string) (entities.Snapshot, bool)
}

// Quotas caps live subscriptions. Zero means unlimited.
type Quotas struct {
	MaxSubscriptions              int
	MaxSubscriptionsPerSubscriber int
}

// Subscription is one receiver registered for a poll. Updates delivers
// snapshots newer than Initial in version order; it is closed on
// Unsubscribe or broker shutdown.
type Subscription struct {
	ID           string
	PollID       string
	SubscriberID string
	Initial      entities.Snapshot

	updates     chan entities.Snapshot
	lastVersion uint64
	dropped     atomic.Uint64
}

func (s *Subscription) Updates() <-chan entities.Snapshot {
	return s.updates
}

// Dropped counts snapshots replaced by a newer one before the receiver read
// them.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

type topic struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// Broker fans tally snapshots out to the receivers of each poll. Publish
// never blocks on a receiver.
type Broker struct {
	snapshots Snapshots
	quotas    Quotas
	logger    *slog.Logger

	mu            sync.RWMutex
	topics        map[string]*topic
	perSubscriber map[string]int
	total         int
	closed        bool
}

func New(snapshots Snapshots, quotas Quotas, logger *slog.Logger) *Broker {
	return &Broker{
		snapshots:     snapshots,
		quotas:        quotas,
		logger:        application.ResolveLogger(logger),
		topics:        make(map[string]*topic),
		perSubscriber: make(map[string]int),
	}
}

// Subscribe registers a receiver for pollID. The initial snapshot is read
// and the receiver registered under the poll's topic lock, so every later
// publish reaches it and none it already holds is repeated.
func (b *Broker) Subscribe(ctx context.Context, pollID string, subscriberID string) (*Subscription, error) {
	pollID = strings.TrimSpace(pollID)
	subscriberID = strings.TrimSpace(subscriberID)
	if pollID == "" {
		return nil, domainerrors.ErrInvalidVoteInput
	}

	for attempt := 0; attempt < 3; attempt++ {
		if err := b.snapshots.Ensure(ctx, pollID); err != nil {
			return nil, err
		}

		t, err := b.reserve(pollID, subscriberID)
		if err != nil {
			return nil, err
		}

		snapshot, ok := b.snapshots.Snapshot(pollID)
		if !ok {
			// invalidated between Ensure and the lock; load again
			t.mu.Unlock()
			b.release(pollID, subscriberID, "")
			continue
		}
		sub := &Subscription{
			ID:           uuid.NewString(),
			PollID:       pollID,
			SubscriberID: subscriberID,
			Initial:      snapshot,
			updates:      make(chan entities.Snapshot, 1),
			lastVersion:  snapshot.Version,
		}
		t.subs[sub.ID] = sub
		t.mu.Unlock()

		b.logger.Debug("subscription registered",
			"event", "broker_subscribed",
			"module", "live-polls/tally-service",
			"layer", "application",
			"poll_id", pollID,
			"subscriber_id", subscriberID,
			"subscription_id", sub.ID,
			"version", snapshot.Version,
		)
		return sub, nil
	}
	return nil, fmt.Errorf("%w: tally for poll %s kept going stale", domainerrors.ErrStorageUnavailable, pollID)
}

// reserve books quota and returns the poll topic locked.
func (b *Broker) reserve(pollID string, subscriberID string) (*topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domainerrors.ErrBrokerClosed
	}
	if b.quotas.MaxSubscriptions > 0 && b.total >= b.quotas.MaxSubscriptions {
		return nil, domainerrors.ErrSubscriptionQuotaExceeded
	}
	if b.quotas.MaxSubscriptionsPerSubscriber > 0 && subscriberID != "" &&
		b.perSubscriber[subscriberID] >= b.quotas.MaxSubscriptionsPerSubscriber {
		return nil, domainerrors.ErrSubscriptionQuotaExceeded
	}

	t, ok := b.topics[pollID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		b.topics[pollID] = t
	}
	b.total++
	if subscriberID != "" {
		b.perSubscriber[subscriberID]++
	}
	t.mu.Lock()
	return t, nil
}

// release returns quota and drops the subscription and its topic when empty.
// It reports whether subscriptionID was registered.
func (b *Broker) release(pollID string, subscriberID string, subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[pollID]
	if !ok {
		if subscriptionID == "" {
			b.returnQuotaLocked(subscriberID)
		}
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if subscriptionID != "" {
		sub, registered := t.subs[subscriptionID]
		if !registered {
			return false
		}
		delete(t.subs, subscriptionID)
		close(sub.updates)
	}
	b.returnQuotaLocked(subscriberID)
	if len(t.subs) == 0 {
		delete(b.topics, pollID)
	}
	return true
}

func (b *Broker) returnQuotaLocked(subscriberID string) {
	if b.total > 0 {
		b.total--
	}
	if subscriberID == "" {
		return
	}
	if b.perSubscriber[subscriberID] <= 1 {
		delete(b.perSubscriber, subscriberID)
		return
	}
	b.perSubscriber[subscriberID]--
}

// Unsubscribe removes sub and closes its update channel. Calling it more
// than once is harmless.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if b.release(sub.PollID, sub.SubscriberID, sub.ID) {
		b.logger.Debug("subscription removed",
			"event", "broker_unsubscribed",
			"module", "live-polls/tally-service",
			"layer", "application",
			"poll_id", sub.PollID,
			"subscriber_id", sub.SubscriberID,
			"subscription_id", sub.ID,
			"dropped", sub.Dropped(),
		)
	}
}

// Publish offers snapshot to every receiver of pollID. A receiver that still
// holds an unread snapshot has it replaced by this newer one.
func (b *Broker) Publish(pollID string, snapshot entities.Snapshot) {
	b.mu.RLock()
	t, ok := b.topics[strings.TrimSpace(pollID)]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		if snapshot.Version <= sub.lastVersion {
			continue
		}
		item := snapshot.Clone()
		select {
		case sub.updates <- item:
		default:
			select {
			case <-sub.updates:
				sub.dropped.Add(1)
				b.logger.Debug("slow receiver, pending snapshot replaced",
					"event", "broker_backpressure_drop",
					"module", "live-polls/tally-service",
					"layer", "application",
					"poll_id", sub.PollID,
					"subscription_id", sub.ID,
					"version", snapshot.Version,
				)
			default:
			}
			// sends happen only under t.mu, so the drained slot is free
			sub.updates <- item
		}
		sub.lastVersion = snapshot.Version
	}
}

func (b *Broker) SubscriberCount(pollID string) int {
	b.mu.RLock()
	t, ok := b.topics[strings.TrimSpace(pollID)]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (b *Broker) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Close ends every subscription. Later Subscribe calls fail with
// ErrBrokerClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for pollID, t := range b.topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			close(sub.updates)
			delete(t.subs, id)
		}
		t.mu.Unlock()
		delete(b.topics, pollID)
	}
	b.total = 0
	b.perSubscriber = make(map[string]int)
	b.logger.Info("subscription broker closed",
		"event", "broker_closed",
		"module", "live-polls/tally-service",
		"layer", "application",
	)
}
