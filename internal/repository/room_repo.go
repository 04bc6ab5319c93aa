package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskhive/taskhive-api/internal/models"
)

// RoomRepository owns creation and lookup of chat rooms, including the
// direct-room deduplication rule.
type RoomRepository interface {
	CreateGroup(ctx context.Context, participants []string, projectID, taskID *string) (models.Room, error)
	GetOrCreateDirect(ctx context.Context, userA, userB string, projectID *string) (models.Room, error)
	AddParticipant(ctx context.Context, roomID, userID string) (models.Room, error)
	Get(ctx context.Context, roomID string) (models.Room, error)
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository constructs a room repository backed by GORM.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) CreateGroup(ctx context.Context, participants []string, projectID, taskID *string) (models.Room, error) {
	if len(participants) == 0 {
		return models.Room{}, fmt.Errorf("group room requires at least one participant")
	}
	if projectID != nil && taskID != nil {
		return models.Room{}, fmt.Errorf("room parent context must be a project or a task, not both")
	}

	room := models.Room{
		Kind:         models.RoomKindGroup,
		Participants: datatypes.NewJSONSlice(dedupe(participants)),
		ProjectID:    projectID,
		TaskID:       taskID,
	}
	if err := r.db.WithContext(ctx).Create(&room).Error; err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// GetOrCreateDirect returns the canonical direct room for a user pair within a
// project scope. The check-then-create sequence races against concurrent first
// contacts, so creation goes through the unique direct_key index: the loser's
// insert affects no rows and re-reads the winner's room.
func (r *roomRepository) GetOrCreateDirect(ctx context.Context, userA, userB string, projectID *string) (models.Room, error) {
	key := models.DirectRoomKey(userA, userB, projectID)

	var room models.Room
	err := r.db.WithContext(ctx).Where("direct_key = ?", key).First(&room).Error
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Room{}, err
	}

	room = models.Room{
		Kind:         models.RoomKindDirect,
		Participants: datatypes.NewJSONSlice([]string{userA, userB}),
		ProjectID:    projectID,
		DirectKey:    &key,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "direct_key"}}, DoNothing: true}).
		Create(&room)
	if result.Error != nil {
		return models.Room{}, result.Error
	}
	if result.RowsAffected == 0 {
		// Lost the race; the winner's row is the canonical room.
		if err := r.db.WithContext(ctx).Where("direct_key = ?", key).First(&room).Error; err != nil {
			return models.Room{}, err
		}
	}
	return room, nil
}

func (r *roomRepository) AddParticipant(ctx context.Context, roomID, userID string) (models.Room, error) {
	var room models.Room
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&room, "id = ?", roomID).Error; err != nil {
			return err
		}
		if room.HasParticipant(userID) {
			return nil
		}

		room.Participants = append(room.Participants, userID)
		room.UpdatedAt = time.Now()
		return tx.Model(&models.Room{}).Where("id = ?", roomID).
			Updates(map[string]interface{}{
				"participants": room.Participants,
				"updated_at":   room.UpdatedAt,
			}).Error
	})
	if err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *roomRepository) Get(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
