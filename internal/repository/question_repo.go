package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// QuestionRepository exposes persistence helpers for questions and their answer keys.
type QuestionRepository interface {
	Create(ctx context.Context, question *models.Question) error
	Update(ctx context.Context, question *models.Question) error
	GetByID(ctx context.Context, id uint) (models.Question, error)
	SetTestStateHash(ctx context.Context, id uint, hash string) error
	SaveAnswerKey(ctx context.Context, key *models.AnswerKey) error
	ListAnswerKeys(ctx context.Context, questionID uint) ([]models.AnswerKey, error)
}

// NewQuestionRepository constructs a question repository.
func NewQuestionRepository(db *gorm.DB) QuestionRepository {
	return &questionRepository{db: db}
}

type questionRepository struct {
	db *gorm.DB
}

func (r *questionRepository) Create(ctx context.Context, question *models.Question) error {
	return r.db.WithContext(ctx).Omit("AnswerKeys").Create(question).Error
}

func (r *questionRepository) Update(ctx context.Context, question *models.Question) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(question).Error
}

func (r *questionRepository) GetByID(ctx context.Context, id uint) (models.Question, error) {
	var question models.Question
	err := r.db.WithContext(ctx).
		Preload("AnswerKeys", func(db *gorm.DB) *gorm.DB {
			return db.Order("language ASC")
		}).
		First(&question, id).Error
	if err != nil {
		return models.Question{}, err
	}
	return question, nil
}

func (r *questionRepository) SetTestStateHash(ctx context.Context, id uint, hash string) error {
	return r.db.WithContext(ctx).
		Model(&models.Question{}).
		Where("id = ?", id).
		UpdateColumn("test_state_hash", hash).Error
}

// SaveAnswerKey inserts or replaces the key for (question, language). The
// BeforeSave hook refreshes the source hash on both paths.
func (r *questionRepository) SaveAnswerKey(ctx context.Context, key *models.AnswerKey) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "question_id"}, {Name: "language"}},
		DoUpdates: clause.AssignmentColumns([]string{"source", "source_hash", "placeholder", "updated_at"}),
	}).Create(key).Error
	if err != nil {
		return err
	}

	var stored models.AnswerKey
	err = r.db.WithContext(ctx).
		Where("question_id = ? AND language = ?", key.QuestionID, key.Language).
		First(&stored).Error
	if err != nil {
		return err
	}
	*key = stored
	return nil
}

func (r *questionRepository) ListAnswerKeys(ctx context.Context, questionID uint) ([]models.AnswerKey, error) {
	var keys []models.AnswerKey
	err := r.db.WithContext(ctx).
		Where("question_id = ?", questionID).
		Order("language ASC").
		Find(&keys).Error
	return keys, err
}
