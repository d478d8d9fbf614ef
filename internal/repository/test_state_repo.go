package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// TestStateRepository stores expanded tests keyed by question and content hash.
type TestStateRepository interface {
	Find(ctx context.Context, questionID uint, hash string) (models.TestState, error)
	CreateIfAbsent(ctx context.Context, state *models.TestState) error
	DeleteExcept(ctx context.Context, questionID uint, keepHash string) (int64, error)
}

// NewTestStateRepository constructs a test state repository.
func NewTestStateRepository(db *gorm.DB) TestStateRepository {
	return &testStateRepository{db: db}
}

type testStateRepository struct {
	db *gorm.DB
}

func (r *testStateRepository) Find(ctx context.Context, questionID uint, hash string) (models.TestState, error) {
	var state models.TestState
	err := r.db.WithContext(ctx).
		Where("question_id = ? AND hash = ?", questionID, hash).
		First(&state).Error
	if err != nil {
		return models.TestState{}, err
	}
	return state, nil
}

// CreateIfAbsent inserts the state unless a row with the same key already
// exists, then loads the stored row into state. Concurrent builders of the
// same key therefore all observe the first committed expansion.
func (r *testStateRepository) CreateIfAbsent(ctx context.Context, state *models.TestState) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "question_id"}, {Name: "hash"}},
		DoNothing: true,
	}).Create(state).Error
	if err != nil {
		return err
	}

	stored, err := r.Find(ctx, state.QuestionID, state.Hash)
	if err != nil {
		return err
	}
	*state = stored
	return nil
}

func (r *testStateRepository) DeleteExcept(ctx context.Context, questionID uint, keepHash string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("question_id = ? AND hash <> ?", questionID, keepHash).
		Delete(&models.TestState{})
	return result.RowsAffected, result.Error
}
