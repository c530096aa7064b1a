package boltadapter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
	"pollcast/contexts/live-polls/tally-service/ports"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	votesBucket     = []byte("votes")
	outboxBucket    = []byte("outbox")
	outboxIDsBucket = []byte("outbox_ids")
)

type voteRecord struct {
	OptionID  string    `json:"option_id"`
	CastAt    time.Time `json:"cast_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type outboxRecord struct {
	OutboxID     string    `json:"outbox_id"`
	EventType    string    `json:"event_type"`
	PartitionKey string    `json:"partition_key"`
	Payload      []byte    `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger keeps active votes and the vote outbox in a single bbolt file.
// Votes live in one nested bucket per poll keyed by voter id; outbox rows
// are keyed by insertion sequence so pending rows list in commit order.
type Ledger struct {
	db     *bolt.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt ledger %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{votesBucket, outboxBucket, outboxIDsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt ledger %s: %w", path, err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) CurrentVote(_ context.Context, pollID string, voterID string) (string, bool, error) {
	var (
		optionID string
		found    bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		poll := tx.Bucket(votesBucket).Bucket([]byte(strings.TrimSpace(pollID)))
		if poll == nil {
			return nil
		}
		raw := poll.Get([]byte(strings.TrimSpace(voterID)))
		if raw == nil {
			return nil
		}
		var record voteRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		optionID = record.OptionID
		found = true
		return nil
	})
	if err != nil {
		return "", false, l.logError("bolt_ledger_current_vote_failed", err,
			"poll_id", strings.TrimSpace(pollID),
			"voter_id", strings.TrimSpace(voterID),
		)
	}
	return optionID, found, nil
}

// ApplyVote runs in one bolt write transaction, which bolt serializes
// across the whole file.
func (l *Ledger) ApplyVote(
	ctx context.Context,
	vote entities.Vote,
	event ports.EventEnvelope,
) (entities.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return entities.ApplyResult{}, err
	}
	pollID := strings.TrimSpace(vote.PollID)
	voterID := strings.TrimSpace(vote.VoterID)
	if pollID == "" || voterID == "" {
		return entities.ApplyResult{}, domainerrors.ErrInvalidVoteInput
	}

	var result entities.ApplyResult
	err := l.db.Update(func(tx *bolt.Tx) error {
		poll, err := tx.Bucket(votesBucket).CreateBucketIfNotExists([]byte(pollID))
		if err != nil {
			return err
		}
		record := voteRecord{
			OptionID:  strings.TrimSpace(vote.OptionID),
			CastAt:    vote.CastAt.UTC(),
			UpdatedAt: vote.UpdatedAt.UTC(),
		}
		if raw := poll.Get([]byte(voterID)); raw != nil {
			var existing voteRecord
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			result = entities.ApplyResult{PreviousOptionID: existing.OptionID, HadPrevious: true}
			if existing.OptionID == record.OptionID {
				return nil
			}
			record.CastAt = existing.CastAt
		}
		result.Changed = true
		if record.CastAt.IsZero() {
			record.CastAt = time.Now().UTC()
		}
		if record.UpdatedAt.IsZero() {
			record.UpdatedAt = record.CastAt
		}
		raw, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := poll.Put([]byte(voterID), raw); err != nil {
			return err
		}
		return appendOutbox(tx, event)
	})
	if err != nil {
		return entities.ApplyResult{}, l.logError("bolt_ledger_apply_vote_failed", err,
			"poll_id", pollID,
			"voter_id", voterID,
			"option_id", strings.TrimSpace(vote.OptionID),
		)
	}
	return result, nil
}

func (l *Ledger) TallyVotes(_ context.Context, pollID string) (map[string]int, error) {
	counts := make(map[string]int)
	err := l.db.View(func(tx *bolt.Tx) error {
		poll := tx.Bucket(votesBucket).Bucket([]byte(strings.TrimSpace(pollID)))
		if poll == nil {
			return nil
		}
		return poll.ForEach(func(_, raw []byte) error {
			var record voteRecord
			if err := json.Unmarshal(raw, &record); err != nil {
				return err
			}
			counts[record.OptionID]++
			return nil
		})
	})
	if err != nil {
		return nil, l.logError("bolt_ledger_tally_votes_failed", err, "poll_id", strings.TrimSpace(pollID))
	}
	return counts, nil
}

func appendOutbox(tx *bolt.Tx, envelope ports.EventEnvelope) error {
	if strings.TrimSpace(envelope.EventType) == "" {
		return nil
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	record := outboxRecord{
		OutboxID:     strings.TrimSpace(envelope.EventID),
		EventType:    strings.TrimSpace(envelope.EventType),
		PartitionKey: strings.TrimSpace(envelope.PartitionKey),
		Payload:      payload,
		CreatedAt:    envelope.OccurredAt.UTC(),
	}
	if record.OutboxID == "" {
		record.OutboxID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	ids := tx.Bucket(outboxIDsBucket)
	if ids.Get([]byte(record.OutboxID)) != nil {
		return domainerrors.ErrConcurrentUpdateConflict
	}
	rows := tx.Bucket(outboxBucket)
	seq, err := rows.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := rows.Put(key, raw); err != nil {
		return err
	}
	return ids.Put([]byte(record.OutboxID), key)
}

func (l *Ledger) ListPendingOutbox(_ context.Context, limit int) ([]ports.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	items := make([]ports.OutboxMessage, 0)
	err := l.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(outboxBucket).Cursor()
		for key, raw := cursor.First(); key != nil && len(items) < limit; key, raw = cursor.Next() {
			var record outboxRecord
			if err := json.Unmarshal(raw, &record); err != nil {
				return err
			}
			items = append(items, ports.OutboxMessage{
				OutboxID:     record.OutboxID,
				EventType:    record.EventType,
				PartitionKey: record.PartitionKey,
				Payload:      append([]byte(nil), record.Payload...),
				CreatedAt:    record.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, l.logError("bolt_ledger_list_pending_outbox_failed", err, "limit", limit)
	}
	return items, nil
}

// MarkOutboxPublished removes the published row; only its id is kept so a
// replayed event id is still detected.
func (l *Ledger) MarkOutboxPublished(_ context.Context, outboxID string, _ time.Time) error {
	outboxID = strings.TrimSpace(outboxID)
	err := l.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(outboxIDsBucket).Get([]byte(outboxID))
		if key == nil {
			return domainerrors.ErrConcurrentUpdateConflict
		}
		rows := tx.Bucket(outboxBucket)
		if rows.Get(key) == nil {
			return nil
		}
		return rows.Delete(key)
	})
	if errors.Is(err, domainerrors.ErrConcurrentUpdateConflict) {
		return err
	}
	if err != nil {
		return l.logError("bolt_ledger_mark_outbox_published_failed", err, "outbox_id", outboxID)
	}
	return nil
}

func (l *Ledger) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+7)
	fields = append(fields,
		"event", event,
		"module", "live-polls/tally-service",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	l.logger.Error("bolt ledger operation failed", fields...)
	if errors.Is(err, domainerrors.ErrConcurrentUpdateConflict) || errors.Is(err, domainerrors.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domainerrors.ErrStorageUnavailable, err)
}

var _ ports.VoteLedger = (*Ledger)(nil)
var _ ports.OutboxRepository = (*Ledger)(nil)
