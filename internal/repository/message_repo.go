package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskhive/taskhive-api/internal/models"
)

// MessageRepository is the append-only message log plus the read-receipt
// primitive. Ordering within a room is (created_at, id) ascending; the id
// tie-breaker preserves insertion order for same-instant writes.
type MessageRepository interface {
	Append(ctx context.Context, message *models.Message) error
	ListByRoom(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error)
	Get(ctx context.Context, messageID uint) (models.Message, error)
	ReadBy(ctx context.Context, messageIDs []uint) (map[uint][]string, error)
	RoomIDs(ctx context.Context, messageIDs []uint) (map[uint]string, error)
	MarkRead(ctx context.Context, messageIDs []uint, userID string) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Append persists the message together with the author's own receipt, so a
// freshly sent message is never unread for its author.
func (r *messageRepository) Append(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		receipt := models.MessageReceipt{MessageID: message.ID, UserID: message.AuthorID}
		return tx.Create(&receipt).Error
	})
}

// ListByRoom returns the most recent page at or below the cursor. The query
// walks the log backwards so the limit keeps the newest messages, then the
// page is reversed to chronological order for clients; before pages further
// into the past.
func (r *messageRepository) ListByRoom(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.Message
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *messageRepository) Get(ctx context.Context, messageID uint) (models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, messageID).Error; err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) ReadBy(ctx context.Context, messageIDs []uint) (map[uint][]string, error) {
	result := make(map[uint][]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}

	var receipts []models.MessageReceipt
	if err := r.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Find(&receipts).Error; err != nil {
		return nil, err
	}
	for _, receipt := range receipts {
		result[receipt.MessageID] = append(result[receipt.MessageID], receipt.UserID)
	}
	return result, nil
}

// RoomIDs resolves each known message id to the room it belongs to. Unknown
// ids are absent from the result.
func (r *messageRepository) RoomIDs(ctx context.Context, messageIDs []uint) (map[uint]string, error) {
	result := make(map[uint]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}

	var messages []models.Message
	if err := r.db.WithContext(ctx).Select("id", "room_id").
		Where("id IN ?", messageIDs).Find(&messages).Error; err != nil {
		return nil, err
	}
	for _, message := range messages {
		result[message.ID] = message.RoomID
	}
	return result, nil
}

// MarkRead adds the user to each message's read set. Inserts go through
// ON CONFLICT DO NOTHING, so repeated or concurrent acknowledgements are
// harmless and the set only grows. Ids that resolve to no message are skipped
// silently, which tolerates stale ids from racing clients.
func (r *messageRepository) MarkRead(ctx context.Context, messageIDs []uint, userID string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	var known []uint
	if err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id IN ?", messageIDs).Pluck("id", &known).Error; err != nil {
		return err
	}
	if len(known) == 0 {
		return nil
	}

	receipts := make([]models.MessageReceipt, 0, len(known))
	for _, id := range known {
		receipts = append(receipts, models.MessageReceipt{MessageID: id, UserID: userID})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&receipts).Error
}
