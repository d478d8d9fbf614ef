package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/models"
)

func setupGradingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Question{},
		&models.AnswerKey{},
		&models.TestState{},
		&models.Progress{},
		&models.Submission{},
		&models.Feedback{},
	))
	return db
}

func TestQuestionRepositorySaveAnswerKeyUpserts(t *testing.T) {
	db := setupGradingTestDB(t)
	repo := NewQuestionRepository(db)
	ctx := context.Background()

	question := models.Question{Title: "Sum", AnswerKeys: []models.AnswerKey{{Language: "python", Source: "ignored"}}}
	require.NoError(t, repo.Create(ctx, &question))

	key := models.AnswerKey{QuestionID: question.ID, Language: "python", Source: "print(1)"}
	require.NoError(t, repo.SaveAnswerKey(ctx, &key))
	require.Equal(t, models.HashSource("print(1)"), key.SourceHash)
	firstID := key.ID

	key = models.AnswerKey{QuestionID: question.ID, Language: "python", Source: "print(2)", Placeholder: "# todo"}
	require.NoError(t, repo.SaveAnswerKey(ctx, &key))
	require.Equal(t, firstID, key.ID)
	require.Equal(t, models.HashSource("print(2)"), key.SourceHash)
	require.Equal(t, "# todo", key.Placeholder)

	require.NoError(t, repo.SaveAnswerKey(ctx, &models.AnswerKey{QuestionID: question.ID, Language: "c", Source: "int main(){}"}))

	stored, err := repo.GetByID(ctx, question.ID)
	require.NoError(t, err)
	require.Equal(t, models.QuestionKindCodingIO, stored.Kind)
	require.Len(t, stored.AnswerKeys, 2)
	require.Equal(t, "c", stored.AnswerKeys[0].Language)
	require.Equal(t, "print(2)", stored.AnswerKeys[1].Source)

	require.NoError(t, repo.SetTestStateHash(ctx, question.ID, "abc"))
	stored, err = repo.GetByID(ctx, question.ID)
	require.NoError(t, err)
	require.Equal(t, "abc", stored.TestStateHash)
}

func TestTestStateRepositoryCreateIfAbsentKeepsFirstRow(t *testing.T) {
	db := setupGradingTestDB(t)
	repo := NewTestStateRepository(db)
	ctx := context.Background()

	first := models.TestState{QuestionID: 1, Hash: "h1", PreTests: "first", PostTests: "first"}
	require.NoError(t, repo.CreateIfAbsent(ctx, &first))

	second := models.TestState{QuestionID: 1, Hash: "h1", PreTests: "second", PostTests: "second"}
	require.NoError(t, repo.CreateIfAbsent(ctx, &second))
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "first", second.PreTests)

	require.NoError(t, repo.CreateIfAbsent(ctx, &models.TestState{QuestionID: 1, Hash: "h2"}))
	require.NoError(t, repo.CreateIfAbsent(ctx, &models.TestState{QuestionID: 2, Hash: "h1"}))

	removed, err := repo.DeleteExcept(ctx, 1, "h2")
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = repo.Find(ctx, 1, "h1")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = repo.Find(ctx, 2, "h1")
	require.NoError(t, err)
}

func TestSubmissionRepositorySaveGradedAndReplaceFeedback(t *testing.T) {
	db := setupGradingTestDB(t)
	progressRepo := NewProgressRepository(db)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	progress := models.Progress{UserID: 5, QuestionID: 9, NumSubmissions: 1, GivenGradePC: 40, FinalGradePC: 40}
	submission := models.Submission{Hash: "h", Source: "src", Language: "python"}
	feedback := models.Feedback{Status: "wrong-answer", Phase: models.FeedbackPhasePre, GivenGradePC: 40, FinalGradePC: 40}

	require.NoError(t, repo.SaveGraded(ctx, &submission, &feedback, &progress, true))
	require.NotZero(t, progress.ID)
	require.Equal(t, progress.ID, submission.ProgressID)
	require.Equal(t, submission.ID, feedback.SubmissionID)
	require.NotNil(t, progress.BestSubmissionID)
	require.Equal(t, submission.ID, *progress.BestSubmissionID)

	found, err := progressRepo.Find(ctx, 5, 9)
	require.NoError(t, err)
	require.Equal(t, progress.ID, found.ID)
	require.Equal(t, 1, found.NumSubmissions)

	matches, err := repo.FindByHash(ctx, progress.ID, "h")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NotNil(t, matches[0].Feedback)
	require.Equal(t, "wrong-answer", matches[0].Feedback.Status)

	require.NoError(t, repo.IncrementRecycles(ctx, &matches[0]))
	require.Equal(t, 1, matches[0].NumRecycles)
	reloaded, err := repo.GetByID(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.NumRecycles)

	progress.FinalGradePC = 100
	progress.IsCorrect = true
	replacement := []models.Feedback{{
		SubmissionID: submission.ID,
		Status:       "correct",
		Phase:        models.FeedbackPhasePost,
		GivenGradePC: 100,
		FinalGradePC: 100,
		IsCorrect:    true,
	}}
	require.NoError(t, repo.ReplaceFeedback(ctx, replacement, &progress))

	var feedbackRows []models.Feedback
	require.NoError(t, db.Find(&feedbackRows).Error)
	require.Len(t, feedbackRows, 1)
	require.Equal(t, "correct", feedbackRows[0].Status)
	require.Equal(t, models.FeedbackPhasePost, feedbackRows[0].Phase)

	listed, err := progressRepo.ListByQuestion(ctx, 9)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.True(t, listed[0].IsCorrect)

	all, err := repo.ListByProgress(ctx, progress.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
