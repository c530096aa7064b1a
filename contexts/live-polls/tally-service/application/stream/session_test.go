package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pollcast/contexts/live-polls/tally-service/adapters/memory"
	"pollcast/contexts/live-polls/tally-service/application/broker"
	"pollcast/contexts/live-polls/tally-service/application/tally"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"

	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	name string
	id   string
	data string
}

type recordingWriter struct {
	mu       sync.Mutex
	events   []recordedEvent
	comments int
	failWith error
	notify   chan struct{}
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{notify: make(chan struct{}, 64)}
}

func (w *recordingWriter) WriteEvent(name string, id string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return w.failWith
	}
	w.events = append(w.events, recordedEvent{name: name, id: id, data: string(data)})
	w.notify <- struct{}{}
	return nil
}

func (w *recordingWriter) WriteComment(string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.comments++
	return nil
}

func (w *recordingWriter) snapshot() ([]recordedEvent, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]recordedEvent(nil), w.events...), w.comments
}

func (w *recordingWriter) waitEvents(t *testing.T, n int) []recordedEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		events, _ := w.snapshot()
		if len(events) >= n {
			return events
		}
		select {
		case <-w.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, have %d", n, len(events))
		}
	}
}

type fixture struct {
	cache  *tally.Cache
	broker *broker.Broker
}

func newFixture(t *testing.T, quotas broker.Quotas) fixture {
	t.Helper()
	store := memory.NewStore([]entities.Poll{{
		PollID: "P1",
		Options: []entities.Option{
			{OptionID: "O1", Position: 0},
			{OptionID: "O2", Position: 1},
		},
	}}, nil)
	cache := tally.NewCache(store, store, store, nil)
	return fixture{cache: cache, broker: broker.New(cache, quotas, nil)}
}

func (f fixture) vote(previous string, next string) {
	snapshot, changed := f.cache.ApplyDelta("P1", previous, previous != "", next)
	if changed {
		f.broker.Publish("P1", snapshot)
	}
}

func runSession(ctx context.Context, session *Session, w EventWriter) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, w)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	return nil
}

func TestSessionStreamsInitialThenUpdates(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, broker.Quotas{})
	w := newRecordingWriter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(f.broker, "P1", "viewer-1", Options{}, nil)
	require.Equal(StateConnecting, session.State())
	done := runSession(ctx, session, w)

	events := w.waitEvents(t, 1)
	require.Equal(EventVoteUpdate, events[0].name)
	require.Equal("1", events[0].id)
	require.JSONEq(`[{"option_id":"O1","vote_count":0},{"option_id":"O2","vote_count":0}]`, events[0].data)
	require.Equal(StateStreaming, session.State())
	require.Equal(1, f.broker.SubscriberCount("P1"))

	f.vote("", "O1")
	events = w.waitEvents(t, 2)
	require.Equal("2", events[1].id)
	require.JSONEq(`[{"option_id":"O1","vote_count":1},{"option_id":"O2","vote_count":0}]`, events[1].data)

	cancel()
	require.NoError(waitDone(t, done))
	require.Equal(StateClosed, session.State())
	require.Equal(0, f.broker.SubscriberCount("P1"))
	require.Equal(uint64(2), session.Written())
}

func TestSessionEndsWhenBrokerCloses(t *testing.T) {
	f := newFixture(t, broker.Quotas{})
	w := newRecordingWriter()
	session := NewSession(f.broker, "P1", "viewer-1", Options{}, nil)
	done := runSession(context.Background(), session, w)

	w.waitEvents(t, 1)
	f.broker.Close()
	require.ErrorIs(t, waitDone(t, done), domainerrors.ErrBrokerClosed)
	require.Equal(t, StateClosed, session.State())
}

func TestSessionIdleTimeout(t *testing.T) {
	f := newFixture(t, broker.Quotas{})
	w := newRecordingWriter()
	session := NewSession(f.broker, "P1", "viewer-1", Options{IdleTimeout: 30 * time.Millisecond}, nil)

	err := waitDone(t, runSession(context.Background(), session, w))
	require.ErrorIs(t, err, domainerrors.ErrStreamIdle)
	require.Equal(t, 0, f.broker.SubscriberCount("P1"))
}

func TestSessionKeepaliveHoldsOffIdleTimeout(t *testing.T) {
	f := newFixture(t, broker.Quotas{})
	w := newRecordingWriter()
	ctx, cancel := context.WithCancel(context.Background())
	session := NewSession(f.broker, "P1", "viewer-1", Options{
		KeepaliveInterval: 5 * time.Millisecond,
		IdleTimeout:       40 * time.Millisecond,
	}, nil)
	done := runSession(ctx, session, w)

	select {
	case err := <-done:
		t.Fatalf("session ended while keepalives were flowing: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	_, comments := w.snapshot()
	require.GreaterOrEqual(t, comments, 3)
	require.Equal(t, StateStreaming, session.State())

	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestSessionKeepalive(t *testing.T) {
	f := newFixture(t, broker.Quotas{})
	w := newRecordingWriter()
	ctx, cancel := context.WithCancel(context.Background())
	session := NewSession(f.broker, "P1", "viewer-1", Options{KeepaliveInterval: 5 * time.Millisecond}, nil)
	done := runSession(ctx, session, w)

	require.Eventually(t, func() bool {
		_, comments := w.snapshot()
		return comments >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestSessionWriteFailureUnsubscribes(t *testing.T) {
	f := newFixture(t, broker.Quotas{})
	w := newRecordingWriter()
	w.failWith = errors.New("client gone")
	session := NewSession(f.broker, "P1", "viewer-1", Options{}, nil)

	err := waitDone(t, runSession(context.Background(), session, w))
	require.EqualError(t, err, "client gone")
	require.Equal(t, 0, f.broker.TotalSubscribers())
	require.Equal(t, StateClosed, session.State())
}

func TestSessionQuotaRejected(t *testing.T) {
	f := newFixture(t, broker.Quotas{MaxSubscriptionsPerSubscriber: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := runSession(ctx, NewSession(f.broker, "P1", "viewer-1", Options{}, nil), newRecordingWriter())
	require.Eventually(t, func() bool { return f.broker.TotalSubscribers() == 1 }, time.Second, time.Millisecond)

	second := NewSession(f.broker, "P1", "viewer-1", Options{}, nil)
	err := second.Run(ctx, newRecordingWriter())
	require.ErrorIs(t, err, domainerrors.ErrSubscriptionQuotaExceeded)
	require.Equal(t, StateClosed, second.State())

	cancel()
	require.NoError(t, waitDone(t, first))
}

func TestEncodeSnapshotKeepsOptionOrder(t *testing.T) {
	data, err := EncodeSnapshot(entities.Snapshot{Counts: []entities.OptionCount{
		{OptionID: "b", VoteCount: 2},
		{OptionID: "a", VoteCount: 0},
	}})
	require.NoError(t, err)
	require.Equal(t, `[{"option_id":"b","vote_count":2},{"option_id":"a","vote_count":0}]`, string(data))
}
