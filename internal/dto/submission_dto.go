package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// SubmissionRequest represents the payload for answering a question.
type SubmissionRequest struct {
	Source   string `json:"source" validate:"required,max=65536"`
	Language string `json:"language" validate:"omitempty,max=32"`
}

// FeedbackResponse describes the graded result of a submission.
type FeedbackResponse struct {
	Status       string          `json:"status"`
	Phase        string          `json:"phase"`
	GivenGradePC float64         `json:"given_grade_pc"`
	FinalGradePC float64         `json:"final_grade_pc"`
	IsCorrect    bool            `json:"is_correct"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	GradedAt     time.Time       `json:"graded_at"`
}

// SubmissionResponse represents a submission to API consumers.
type SubmissionResponse struct {
	ID          uint              `json:"id"`
	ProgressID  uint              `json:"progress_id"`
	Language    string            `json:"language"`
	Source      string            `json:"source,omitempty"`
	Hash        string            `json:"hash"`
	NumRecycles int               `json:"num_recycles"`
	Recycled    bool              `json:"recycled"`
	CreatedAt   time.Time         `json:"created_at"`
	Feedback    *FeedbackResponse `json:"feedback,omitempty"`
}

// ProgressResponse summarises a user's best result on a question.
type ProgressResponse struct {
	ID               uint    `json:"id"`
	UserID           uint    `json:"user_id"`
	QuestionID       uint    `json:"question_id"`
	BestSubmissionID *uint   `json:"best_submission_id"`
	GivenGradePC     float64 `json:"given_grade_pc"`
	FinalGradePC     float64 `json:"final_grade_pc"`
	IsCorrect        bool    `json:"is_correct"`
	NumSubmissions   int     `json:"num_submissions"`
}

// RegradeResponse reports a post-test regrading pass over a question.
type RegradeResponse struct {
	QuestionID  uint `json:"question_id"`
	Progresses  int  `json:"progresses"`
	Submissions int  `json:"submissions"`
}

// NewSubmissionResponse builds a response DTO from a model.
func NewSubmissionResponse(model models.Submission, includeSource bool) SubmissionResponse {
	response := SubmissionResponse{
		ID:          model.ID,
		ProgressID:  model.ProgressID,
		Language:    model.Language,
		Hash:        model.Hash,
		NumRecycles: model.NumRecycles,
		CreatedAt:   model.CreatedAt,
	}
	if includeSource {
		response.Source = model.Source
	}
	if model.Feedback != nil {
		feedback := NewFeedbackResponse(*model.Feedback)
		response.Feedback = &feedback
	}
	return response
}

// NewFeedbackResponse converts a Feedback model into a DTO.
func NewFeedbackResponse(model models.Feedback) FeedbackResponse {
	response := FeedbackResponse{
		Status:       model.Status,
		Phase:        model.Phase,
		GivenGradePC: model.GivenGradePC,
		FinalGradePC: model.FinalGradePC,
		IsCorrect:    model.IsCorrect,
		GradedAt:     model.UpdatedAt,
	}
	if len(model.Payload) > 0 {
		response.Payload = json.RawMessage(model.Payload)
	}
	return response
}

// NewProgressResponse converts a Progress model into a DTO.
func NewProgressResponse(model models.Progress) ProgressResponse {
	return ProgressResponse{
		ID:               model.ID,
		UserID:           model.UserID,
		QuestionID:       model.QuestionID,
		BestSubmissionID: model.BestSubmissionID,
		GivenGradePC:     model.GivenGradePC,
		FinalGradePC:     model.FinalGradePC,
		IsCorrect:        model.IsCorrect,
		NumSubmissions:   model.NumSubmissions,
	}
}
