package postgresadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pollcast/contexts/live-polls/tally-service/domain/entities"
	domainerrors "pollcast/contexts/live-polls/tally-service/domain/errors"
	"pollcast/contexts/live-polls/tally-service/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"
)

// Repository serves the poll directory from the polls tables and keeps the
// vote ledger and its outbox in Postgres.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the tables this service reads and writes.
func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(
		&pollModel{},
		&pollOptionModel{},
		&voteModel{},
		&outboxModel{},
	); err != nil {
		return r.logError("poll_repo_migrate_failed", err)
	}
	return nil
}

// SeedPolls upserts poll definitions, for development databases.
func (r *Repository) SeedPolls(ctx context.Context, polls []entities.Poll) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, poll := range polls {
			row := pollModelFromEntity(poll)
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "poll_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"creator_id": row.CreatorID,
					"question":   row.Question,
					"expires_at": row.ExpiresAt,
				}),
			}).Create(&row).Error; err != nil {
				return r.logError("poll_repo_seed_poll_failed", err, "poll_id", row.PollID)
			}
			for _, option := range poll.Options {
				optionRow := pollOptionModel{
					PollID:   row.PollID,
					OptionID: strings.TrimSpace(option.OptionID),
					Caption:  option.Caption,
					Position: option.Position,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "poll_id"}, {Name: "option_id"}},
					DoUpdates: clause.Assignments(map[string]any{
						"caption":  optionRow.Caption,
						"position": optionRow.Position,
					}),
				}).Create(&optionRow).Error; err != nil {
					return r.logError("poll_repo_seed_option_failed", err,
						"poll_id", row.PollID,
						"option_id", optionRow.OptionID,
					)
				}
			}
		}
		return nil
	})
}

func (r *Repository) GetPoll(ctx context.Context, pollID string) (entities.Poll, error) {
	pollID = strings.TrimSpace(pollID)
	var row pollModel
	err := r.db.WithContext(ctx).
		Where("poll_id = ?", pollID).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Poll{}, domainerrors.ErrPollNotFound
		}
		return entities.Poll{}, r.logError("poll_repo_get_poll_failed", err, "poll_id", pollID)
	}

	var options []pollOptionModel
	if err := r.db.WithContext(ctx).
		Where("poll_id = ?", pollID).
		Order("position ASC").
		Find(&options).Error; err != nil {
		return entities.Poll{}, r.logError("poll_repo_get_poll_options_failed", err, "poll_id", pollID)
	}
	return row.toEntity(options), nil
}

func (r *Repository) PollExists(ctx context.Context, pollID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&pollModel{}).
		Where("poll_id = ?", strings.TrimSpace(pollID)).
		Count(&count).Error; err != nil {
		return false, r.logError("poll_repo_poll_exists_failed", err, "poll_id", strings.TrimSpace(pollID))
	}
	return count > 0, nil
}

func (r *Repository) ValidOptions(ctx context.Context, pollID string) ([]string, error) {
	poll, err := r.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return poll.OptionIDs(), nil
}

func (r *Repository) ListPolls(ctx context.Context) ([]entities.Poll, error) {
	var rows []pollModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("poll_id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("poll_repo_list_polls_failed", err)
	}
	if len(rows) == 0 {
		return []entities.Poll{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.PollID)
	}
	var options []pollOptionModel
	if err := r.db.WithContext(ctx).
		Where("poll_id IN ?", ids).
		Order("poll_id ASC").
		Order("position ASC").
		Find(&options).Error; err != nil {
		return nil, r.logError("poll_repo_list_poll_options_failed", err)
	}
	byPoll := make(map[string][]pollOptionModel, len(rows))
	for _, option := range options {
		byPoll[option.PollID] = append(byPoll[option.PollID], option)
	}

	items := make([]entities.Poll, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity(byPoll[row.PollID]))
	}
	return items, nil
}

func (r *Repository) CurrentVote(ctx context.Context, pollID string, voterID string) (string, bool, error) {
	var row voteModel
	err := r.db.WithContext(ctx).
		Where("poll_id = ?", strings.TrimSpace(pollID)).
		Where("voter_id = ?", strings.TrimSpace(voterID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, r.logError("poll_repo_current_vote_failed", err,
			"poll_id", strings.TrimSpace(pollID),
			"voter_id", strings.TrimSpace(voterID),
		)
	}
	return row.OptionID, true, nil
}

// ApplyVote locks the voter's row, inserts or replaces it and stores event in
// the outbox within one transaction. A concurrent insert of the same voter
// from another process surfaces as ErrConcurrentUpdateConflict.
func (r *Repository) ApplyVote(
	ctx context.Context,
	vote entities.Vote,
	event ports.EventEnvelope,
) (entities.ApplyResult, error) {
	row := voteModelFromEntity(vote)
	var result entities.ApplyResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing voteModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("poll_id = ?", row.PollID).
			Where("voter_id = ?", row.VoterID).
			First(&existing).
			Error
		switch {
		case err == nil:
			result = entities.ApplyResult{PreviousOptionID: existing.OptionID, HadPrevious: true}
			if existing.OptionID == row.OptionID {
				return nil
			}
			result.Changed = true
			if err := tx.Model(&voteModel{}).
				Where("poll_id = ?", row.PollID).
				Where("voter_id = ?", row.VoterID).
				Updates(map[string]any{
					"option_id":  row.OptionID,
					"updated_at": row.UpdatedAt,
				}).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			result = entities.ApplyResult{Changed: true}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		default:
			return err
		}
		return r.appendOutbox(tx, event)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return entities.ApplyResult{}, domainerrors.ErrConcurrentUpdateConflict
		}
		if errors.Is(err, domainerrors.ErrConcurrentUpdateConflict) {
			return entities.ApplyResult{}, err
		}
		return entities.ApplyResult{}, r.logError("poll_repo_apply_vote_failed", err,
			"poll_id", row.PollID,
			"voter_id", row.VoterID,
			"option_id", row.OptionID,
		)
	}
	return result, nil
}

func (r *Repository) TallyVotes(ctx context.Context, pollID string) (map[string]int, error) {
	var rows []struct {
		OptionID  string
		VoteCount int
	}
	if err := r.db.WithContext(ctx).
		Model(&voteModel{}).
		Select("option_id, COUNT(*) AS vote_count").
		Where("poll_id = ?", strings.TrimSpace(pollID)).
		Group("option_id").
		Scan(&rows).Error; err != nil {
		return nil, r.logError("poll_repo_tally_votes_failed", err, "poll_id", strings.TrimSpace(pollID))
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.OptionID] = row.VoteCount
	}
	return counts, nil
}

func (r *Repository) appendOutbox(tx *gorm.DB, envelope ports.EventEnvelope) error {
	if strings.TrimSpace(envelope.EventType) == "" {
		return nil
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	row := outboxModel{
		OutboxID:     strings.TrimSpace(envelope.EventID),
		EventType:    strings.TrimSpace(envelope.EventType),
		PartitionKey: strings.TrimSpace(envelope.PartitionKey),
		Payload:      payload,
		Status:       outboxStatusPending,
		CreatedAt:    envelope.OccurredAt.UTC(),
	}
	if row.OutboxID == "" {
		row.OutboxID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	create := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "outbox_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return create.Error
	}
	if create.RowsAffected > 0 {
		return nil
	}

	var existing outboxModel
	if err := tx.Select("payload").
		Where("outbox_id = ?", row.OutboxID).
		First(&existing).Error; err != nil {
		return err
	}
	if !bytes.Equal(existing.Payload, row.Payload) {
		return domainerrors.ErrConcurrentUpdateConflict
	}
	return nil
}

func (r *Repository) ListPendingOutbox(ctx context.Context, limit int) ([]ports.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", outboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, r.logError("poll_repo_list_pending_outbox_failed", err, "limit", limit)
	}
	items := make([]ports.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.OutboxMessage{
			OutboxID:     row.OutboxID,
			EventType:    row.EventType,
			PartitionKey: row.PartitionKey,
			Payload:      append([]byte(nil), row.Payload...),
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return items, nil
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", strings.TrimSpace(outboxID)).
		Updates(map[string]any{
			"status":       outboxStatusPublished,
			"published_at": publishedAt.UTC(),
		})
	if result.Error != nil {
		return r.logError("poll_repo_mark_outbox_published_failed", result.Error,
			"outbox_id", strings.TrimSpace(outboxID),
		)
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrConcurrentUpdateConflict
	}
	return nil
}

func (r *Repository) Now() time.Time {
	return time.Now().UTC()
}

func (r *Repository) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

// logError records a failed store operation and returns it classified as
// ErrStorageUnavailable.
func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+7)
	fields = append(fields,
		"event", event,
		"module", "live-polls/tally-service",
		"layer", "adapter",
		"error", err.Error(),
	)
	if isUndefinedTable(err) {
		fields = append(fields, "hint", "run with AUTO_MIGRATE=true or apply the schema")
	}
	fields = append(fields, attrs...)
	r.logger.Error("poll repository operation failed", fields...)
	return storageError(err)
}

func storageError(err error) error {
	if errors.Is(err, domainerrors.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domainerrors.ErrStorageUnavailable, err)
}

type pollModel struct {
	PollID    string     `gorm:"column:poll_id;primaryKey"`
	CreatorID string     `gorm:"column:creator_id"`
	Question  string     `gorm:"column:question"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

func (pollModel) TableName() string {
	return "polls"
}

func pollModelFromEntity(poll entities.Poll) pollModel {
	row := pollModel{
		PollID:    strings.TrimSpace(poll.PollID),
		CreatorID: strings.TrimSpace(poll.CreatorID),
		Question:  poll.Question,
		ExpiresAt: normalizeOptionalTime(poll.ExpiresAt),
		CreatedAt: poll.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return row
}

func (m pollModel) toEntity(options []pollOptionModel) entities.Poll {
	poll := entities.Poll{
		PollID:    m.PollID,
		CreatorID: m.CreatorID,
		Question:  m.Question,
		ExpiresAt: normalizeOptionalTime(m.ExpiresAt),
		CreatedAt: m.CreatedAt.UTC(),
		Options:   make([]entities.Option, 0, len(options)),
	}
	for _, option := range options {
		poll.Options = append(poll.Options, entities.Option{
			OptionID: option.OptionID,
			Caption:  option.Caption,
			Position: option.Position,
		})
	}
	return poll
}

type pollOptionModel struct {
	PollID   string `gorm:"column:poll_id;primaryKey"`
	OptionID string `gorm:"column:option_id;primaryKey"`
	Caption  string `gorm:"column:caption"`
	Position int    `gorm:"column:position"`
}

func (pollOptionModel) TableName() string {
	return "poll_options"
}

type voteModel struct {
	PollID    string    `gorm:"column:poll_id;uniqueIndex:idx_votes_poll_voter,priority:1"`
	VoterID   string    `gorm:"column:voter_id;uniqueIndex:idx_votes_poll_voter,priority:2"`
	OptionID  string    `gorm:"column:option_id;index"`
	CastAt    time.Time `gorm:"column:cast_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (voteModel) TableName() string {
	return "votes"
}

func voteModelFromEntity(vote entities.Vote) voteModel {
	row := voteModel{
		PollID:    strings.TrimSpace(vote.PollID),
		VoterID:   strings.TrimSpace(vote.VoterID),
		OptionID:  strings.TrimSpace(vote.OptionID),
		CastAt:    vote.CastAt.UTC(),
		UpdatedAt: vote.UpdatedAt.UTC(),
	}
	if row.CastAt.IsZero() {
		row.CastAt = time.Now().UTC()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CastAt
	}
	return row
}

type outboxModel struct {
	OutboxID     string     `gorm:"column:outbox_id;primaryKey"`
	EventType    string     `gorm:"column:event_type"`
	PartitionKey string     `gorm:"column:partition_key"`
	Payload      []byte     `gorm:"column:payload"`
	Status       string     `gorm:"column:status;index"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	PublishedAt  *time.Time `gorm:"column:published_at"`
}

func (outboxModel) TableName() string {
	return "pollcast_outbox"
}

func normalizeOptionalTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	resolved := value.UTC()
	return &resolved
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

var _ ports.PollDirectory = (*Repository)(nil)
var _ ports.VoteLedger = (*Repository)(nil)
var _ ports.OutboxRepository = (*Repository)(nil)
var _ ports.Clock = (*Repository)(nil)
var _ ports.IDGenerator = (*Repository)(nil)
