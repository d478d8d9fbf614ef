package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// SubmissionRepository defines data operations for submissions and their feedback.
type SubmissionRepository interface {
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	ListByProgress(ctx context.Context, progressID uint) ([]models.Submission, error)
	FindByHash(ctx context.Context, progressID uint, hash string) ([]models.Submission, error)
	IncrementRecycles(ctx context.Context, submission *models.Submission) error
	SaveGraded(ctx context.Context, submission *models.Submission, feedback *models.Feedback, progress *models.Progress, markBest bool) error
	ReplaceFeedback(ctx context.Context, feedback []models.Feedback, progress *models.Progress) error
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Submission{}).Preload("Feedback")
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.baseQuery(ctx).First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) ListByProgress(ctx context.Context, progressID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.baseQuery(ctx).
		Where("progress_id = ?", progressID).
		Order("created_at ASC, id ASC").
		Find(&submissions).Error
	return submissions, err
}

func (r *submissionRepository) FindByHash(ctx context.Context, progressID uint, hash string) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.baseQuery(ctx).
		Where("progress_id = ? AND hash = ?", progressID, hash).
		Order("created_at ASC, id ASC").
		Find(&submissions).Error
	return submissions, err
}

func (r *submissionRepository) IncrementRecycles(ctx context.Context, submission *models.Submission) error {
	err := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", submission.ID).
		UpdateColumn("num_recycles", gorm.Expr("num_recycles + ?", 1)).Error
	if err != nil {
		return err
	}
	submission.NumRecycles++
	return nil
}

// SaveGraded persists a new submission, its feedback and the updated
// progress atomically. A progress without ID is created first. With
// markBest the progress points at the new submission.
func (r *submissionRepository) SaveGraded(ctx context.Context, submission *models.Submission, feedback *models.Feedback, progress *models.Progress, markBest bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if progress.ID == 0 {
			if err := tx.Omit(clause.Associations).Create(progress).Error; err != nil {
				return err
			}
		}

		submission.ProgressID = progress.ID
		if err := tx.Omit(clause.Associations).Create(submission).Error; err != nil {
			return err
		}

		feedback.SubmissionID = submission.ID
		if err := tx.Create(feedback).Error; err != nil {
			return err
		}
		submission.Feedback = feedback

		if markBest {
			id := submission.ID
			progress.BestSubmissionID = &id
		}
		return tx.Omit(clause.Associations).Save(progress).Error
	})
}

// ReplaceFeedback upserts the feedback of already persisted submissions and
// saves the recomputed progress in one transaction.
func (r *submissionRepository) ReplaceFeedback(ctx context.Context, feedback []models.Feedback, progress *models.Progress) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(feedback) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "submission_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"status", "phase", "given_grade_pc", "final_grade_pc",
					"is_correct", "test_state_hash", "payload", "updated_at",
				}),
			}).Create(&feedback).Error
			if err != nil {
				return err
			}
		}
		return tx.Omit(clause.Associations).Save(progress).Error
	})
}
