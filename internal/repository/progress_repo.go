package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// ProgressRepository exposes persistence helpers for progress records.
type ProgressRepository interface {
	GetByID(ctx context.Context, id uint) (models.Progress, error)
	Find(ctx context.Context, userID, questionID uint) (models.Progress, error)
	ListByQuestion(ctx context.Context, questionID uint) ([]models.Progress, error)
}

// NewProgressRepository constructs a progress repository.
func NewProgressRepository(db *gorm.DB) ProgressRepository {
	return &progressRepository{db: db}
}

type progressRepository struct {
	db *gorm.DB
}

func (r *progressRepository) GetByID(ctx context.Context, id uint) (models.Progress, error) {
	var progress models.Progress
	if err := r.db.WithContext(ctx).First(&progress, id).Error; err != nil {
		return models.Progress{}, err
	}
	return progress, nil
}

func (r *progressRepository) Find(ctx context.Context, userID, questionID uint) (models.Progress, error) {
	var progress models.Progress
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND question_id = ?", userID, questionID).
		First(&progress).Error
	if err != nil {
		return models.Progress{}, err
	}
	return progress, nil
}

func (r *progressRepository) ListByQuestion(ctx context.Context, questionID uint) ([]models.Progress, error) {
	var items []models.Progress
	err := r.db.WithContext(ctx).
		Where("question_id = ?", questionID).
		Order("id ASC").
		Find(&items).Error
	return items, err
}
