package dto

import (
	"time"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// QuestionRequest represents the payload for creating or updating a question.
type QuestionRequest struct {
	Title            string   `json:"title" validate:"required,max=255"`
	Statement        string   `json:"statement"`
	Kind             string   `json:"kind" validate:"omitempty,oneof=coding-io numeric text multiple-choice"`
	Language         string   `json:"language" validate:"omitempty,max=32"`
	TimeoutSeconds   float64  `json:"timeout_seconds" validate:"gt=0,lte=120"`
	PreTestsSource   string   `json:"pre_tests_source"`
	PostTestsSource  string   `json:"post_tests_source"`
	NumPreTests      int      `json:"num_pre_tests" validate:"gt=0,lte=500"`
	NumPostTests     int      `json:"num_post_tests" validate:"gt=0,lte=1000"`
	NumericAnswer    float64  `json:"numeric_answer"`
	NumericTolerance float64  `json:"numeric_tolerance" validate:"gte=0"`
	TextAnswer       string   `json:"text_answer"`
	Choices          []string `json:"choices" validate:"omitempty,dive,required"`
	CorrectChoices   []int    `json:"correct_choices" validate:"omitempty,dive,gte=0"`
}

// AnswerKeyRequest carries the reference implementation of one language.
type AnswerKeyRequest struct {
	Source      string `json:"source" validate:"max=65536"`
	Placeholder string `json:"placeholder" validate:"max=65536"`
}

// AnswerKeyResponse describes an answer key.
type AnswerKeyResponse struct {
	Language    string    `json:"language"`
	Source      string    `json:"source,omitempty"`
	SourceHash  string    `json:"source_hash"`
	Placeholder string    `json:"placeholder"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QuestionResponse represents a question. Post-tests, answers and answer key
// sources are only included for authors.
type QuestionResponse struct {
	ID               uint                `json:"id"`
	OwnerID          uint                `json:"owner_id"`
	Title            string              `json:"title"`
	Statement        string              `json:"statement"`
	Kind             string              `json:"kind"`
	Language         string              `json:"language,omitempty"`
	TimeoutSeconds   float64             `json:"timeout_seconds"`
	PreTestsSource   string              `json:"pre_tests_source,omitempty"`
	PostTestsSource  string              `json:"post_tests_source,omitempty"`
	NumPreTests      int                 `json:"num_pre_tests"`
	NumPostTests     int                 `json:"num_post_tests"`
	TestStateHash    string              `json:"test_state_hash,omitempty"`
	NumericAnswer    *float64            `json:"numeric_answer,omitempty"`
	NumericTolerance *float64            `json:"numeric_tolerance,omitempty"`
	TextAnswer       string              `json:"text_answer,omitempty"`
	Choices          []string            `json:"choices,omitempty"`
	CorrectChoices   []int               `json:"correct_choices,omitempty"`
	AnswerKeys       []AnswerKeyResponse `json:"answer_keys,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// ValidationResponse reports a successful forced expansion.
type ValidationResponse struct {
	QuestionID    uint   `json:"question_id"`
	TestStateHash string `json:"test_state_hash"`
	NumPreTests   int    `json:"num_pre_tests"`
	NumPostTests  int    `json:"num_post_tests"`
	PreTests      string `json:"pre_tests"`
	PostTests     string `json:"post_tests"`
}

// NewQuestionResponse builds a response DTO from a model.
func NewQuestionResponse(model models.Question, author bool) QuestionResponse {
	response := QuestionResponse{
		ID:             model.ID,
		OwnerID:        model.OwnerID,
		Title:          model.Title,
		Statement:      model.Statement,
		Kind:           model.Kind,
		Language:       model.Language,
		TimeoutSeconds: model.TimeoutSeconds,
		PreTestsSource: model.PreTestsSource,
		NumPreTests:    model.NumPreTests,
		NumPostTests:   model.NumPostTests,
		Choices:        model.ChoiceList(),
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}
	if !author {
		return response
	}

	response.PostTestsSource = model.PostTestsSource
	response.TestStateHash = model.TestStateHash
	response.TextAnswer = model.TextAnswer
	response.CorrectChoices = model.CorrectChoiceList()
	if model.Kind == models.QuestionKindNumeric {
		answer, tolerance := model.NumericAnswer, model.NumericTolerance
		response.NumericAnswer = &answer
		response.NumericTolerance = &tolerance
	}
	for _, key := range model.AnswerKeys {
		response.AnswerKeys = append(response.AnswerKeys, NewAnswerKeyResponse(key))
	}
	return response
}

// NewAnswerKeyResponse converts an AnswerKey model into a DTO.
func NewAnswerKeyResponse(model models.AnswerKey) AnswerKeyResponse {
	return AnswerKeyResponse{
		Language:    model.Language,
		Source:      model.Source,
		SourceHash:  model.SourceHash,
		Placeholder: model.Placeholder,
		UpdatedAt:   model.UpdatedAt,
	}
}
