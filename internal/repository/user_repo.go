package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/taskhive/taskhive-api/internal/models"
)

// UserRepository resolves user ids to display data. The chat core reads the
// identity projection only; it never writes accounts.
type UserRepository interface {
	Get(ctx context.Context, userID string) (models.User, error)
	GetBatch(ctx context.Context, userIDs []string) (map[string]models.User, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Get(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *userRepository) GetBatch(ctx context.Context, userIDs []string) (map[string]models.User, error) {
	result := make(map[string]models.User, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	var users []models.User
	if err := r.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, user := range users {
		result[user.ID] = user
	}
	return result, nil
}
