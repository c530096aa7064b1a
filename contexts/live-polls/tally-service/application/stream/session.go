package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"pollcast/contexts/live-polls/tally-service/application"
	"pollcast/contexts/live-polls/tally-service/application/broker"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"

	"github.com/google/uuid"
)

const EventVoteUpdate = "vote_update"

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventWriter is the transport a session writes to. Implementations flush
// after every call.
type EventWriter interface {
	WriteEvent(name string, id string, data []byte) error
	WriteComment(text string) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, pollID string, subscriberID string) (*broker.Subscription, error)
	Unsubscribe(sub *broker.Subscription)
}

type Options struct {
	// KeepaliveInterval spaces comment lines that keep idle proxies from
	// closing the connection. Zero disables them.
	KeepaliveInterval time.Duration
	// IdleTimeout closes the session when nothing, neither a snapshot nor a
	// keepalive, was written for that long. Zero disables it.
	IdleTimeout time.Duration
}

// Session streams tally snapshots of one poll to one client. It always
// starts from a fresh subscription; there is no resume state.
type Session struct {
	ID           string
	PollID       string
	SubscriberID string

	subscriber Subscriber
	options    Options
	logger     *slog.Logger
	state      atomic.Int32
	written    atomic.Uint64
}

func NewSession(subscriber Subscriber, pollID string, subscriberID string, options Options, logger *slog.Logger) *Session {
	return &Session{
		ID:           uuid.NewString(),
		PollID:       pollID,
		SubscriberID: subscriberID,
		subscriber:   subscriber,
		options:      options,
		logger:       application.ResolveLogger(logger),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Written reports how many snapshots reached the writer.
func (s *Session) Written() uint64 {
	return s.written.Load()
}

// Run subscribes, writes the current tally and then every newer one until
// ctx ends, the broker shuts down, a write fails or the session idles out.
// A cancelled ctx is a normal end and returns nil.
func (s *Session) Run(ctx context.Context, w EventWriter) error {
	defer s.state.Store(int32(StateClosed))

	sub, err := s.subscriber.Subscribe(ctx, s.PollID, s.SubscriberID)
	if err != nil {
		return err
	}
	defer s.subscriber.Unsubscribe(sub)

	s.state.Store(int32(StateStreaming))
	s.logger.Info("stream session started",
		"event", "stream_session_started",
		"module", "live-polls/tally-service",
		"layer", "application",
		"poll_id", s.PollID,
		"subscriber_id", s.SubscriberID,
		"session_id", s.ID,
		"version", sub.Initial.Version,
	)

	if err := s.write(w, sub.Initial); err != nil {
		return s.finish(err)
	}

	var keepalive <-chan time.Time
	if s.options.KeepaliveInterval > 0 {
		ticker := time.NewTicker(s.options.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}
	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.options.IdleTimeout > 0 {
		idleTimer = time.NewTimer(s.options.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return s.finish(nil)
		case snapshot, ok := <-sub.Updates():
			if !ok {
				return s.finish(domainerrors.ErrBrokerClosed)
			}
			if err := s.write(w, snapshot); err != nil {
				return s.finish(err)
			}
			s.resetIdle(idleTimer)
		case <-keepalive:
			if err := w.WriteComment("keepalive"); err != nil {
				return s.finish(err)
			}
			s.resetIdle(idleTimer)
		case <-idle:
			return s.finish(domainerrors.ErrStreamIdle)
		}
	}
}

// resetIdle restarts the idle countdown after any successful write.
func (s *Session) resetIdle(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(s.options.IdleTimeout)
}

func (s *Session) write(w EventWriter, snapshot entities.Snapshot) error {
	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := w.WriteEvent(EventVoteUpdate, strconv.FormatUint(snapshot.Version, 10), data); err != nil {
		return err
	}
	s.written.Add(1)
	return nil
}

func (s *Session) finish(err error) error {
	level := slog.LevelInfo
	if err != nil && !errors.Is(err, domainerrors.ErrStreamIdle) && !errors.Is(err, domainerrors.ErrBrokerClosed) {
		level = slog.LevelWarn
	}
	attrs := []any{
		"event", "stream_session_closed",
		"module", "live-polls/tally-service",
		"layer", "application",
		"poll_id", s.PollID,
		"subscriber_id", s.SubscriberID,
		"session_id", s.ID,
		"written", s.Written(),
	}
	if err != nil {
		attrs = append(attrs, "reason", err.Error())
	}
	s.logger.Log(context.Background(), level, "stream session closed", attrs...)
	return err
}

type voteCountRow struct {
	OptionID  string `json:"option_id"`
	VoteCount int    `json:"vote_count"`
}

// EncodeSnapshot renders a snapshot as the vote_update payload:
// [{"option_id":"...","vote_count":N}, ...] in option order.
func EncodeSnapshot(snapshot entities.Snapshot) ([]byte, error) {
	rows := make([]voteCountRow, 0, len(snapshot.Counts))
	for _, item := range snapshot.Counts {
		rows = append(rows, voteCountRow{OptionID: item.OptionID, VoteCount: item.VoteCount})
	}
	return json.Marshal(rows)
}
