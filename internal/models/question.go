package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Question kinds supported by the grader.
const (
	QuestionKindCodingIO       = "coding-io"
	QuestionKindNumeric        = "numeric"
	QuestionKindText           = "text"
	QuestionKindMultipleChoice = "multiple-choice"
)

// Question is an exercise answered by submissions. Coding IO questions carry
// pre-tests disclosed to students and post-tests held back for regrading.
type Question struct {
	ID              uint    `gorm:"primaryKey" json:"id"`
	OwnerID         uint    `gorm:"index" json:"owner_id"`
	Title           string  `gorm:"size:255;not null" json:"title"`
	Statement       string  `gorm:"type:text" json:"statement"`
	Kind            string  `gorm:"size:32;not null;default:coding-io" json:"kind"`
	Language        string  `gorm:"size:32" json:"language"`
	TimeoutSeconds  float64 `gorm:"not null;default:5" json:"timeout_seconds"`
	PreTestsSource  string  `gorm:"type:text" json:"pre_tests_source"`
	PostTestsSource string  `gorm:"type:text" json:"post_tests_source"`
	NumPreTests     int     `gorm:"not null;default:8" json:"num_pre_tests"`
	NumPostTests    int     `gorm:"not null;default:20" json:"num_post_tests"`
	TestStateHash   string  `gorm:"size:64" json:"test_state_hash"`

	NumericAnswer    float64        `json:"numeric_answer"`
	NumericTolerance float64        `json:"numeric_tolerance"`
	TextAnswer       string         `gorm:"type:text" json:"text_answer"`
	Choices          datatypes.JSON `gorm:"type:json" json:"-"`
	CorrectChoices   datatypes.JSON `gorm:"type:json" json:"-"`

	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	AnswerKeys []AnswerKey `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"answer_keys,omitempty"`
}

// Timeout returns the execution timeout.
func (q Question) Timeout() time.Duration {
	return time.Duration(q.TimeoutSeconds * float64(time.Second))
}

// IsCodingIO reports whether the question is graded by running programs.
func (q Question) IsCodingIO() bool {
	return q.Kind == "" || q.Kind == QuestionKindCodingIO
}

// SetChoices serializes the choice list into the JSON storage column.
func (q *Question) SetChoices(choices []string) {
	q.Choices = marshalJSON(choices)
}

// ChoiceList deserializes the stored choices.
func (q Question) ChoiceList() []string {
	var choices []string
	unmarshalJSON(q.Choices, &choices)
	return choices
}

// SetCorrectChoices serializes the indexes of the correct choices.
func (q *Question) SetCorrectChoices(indexes []int) {
	q.CorrectChoices = marshalJSON(indexes)
}

// CorrectChoiceList deserializes the indexes of the correct choices.
func (q Question) CorrectChoiceList() []int {
	var indexes []int
	unmarshalJSON(q.CorrectChoices, &indexes)
	return indexes
}

// AnswerKey is a reference implementation of a question in one language.
// SourceHash always matches Source; it is recomputed on every save.
type AnswerKey struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	QuestionID  uint      `gorm:"not null;uniqueIndex:idx_answer_key_question_language" json:"question_id"`
	Language    string    `gorm:"size:32;not null;uniqueIndex:idx_answer_key_question_language" json:"language"`
	Source      string    `gorm:"type:text" json:"source"`
	SourceHash  string    `gorm:"size:64" json:"source_hash"`
	Placeholder string    `gorm:"type:text" json:"placeholder"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BeforeSave keeps SourceHash in sync with Source.
func (k *AnswerKey) BeforeSave(_ *gorm.DB) error {
	k.SourceHash = HashSource(k.Source)
	return nil
}

// HashSource returns the hex sha256 of a source text.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// TestState stores the expanded tests of a question for one content hash.
// Rows are never updated; new inputs produce a new row.
type TestState struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	QuestionID uint      `gorm:"not null;uniqueIndex:idx_test_state_question_hash" json:"question_id"`
	Hash       string    `gorm:"size:64;not null;uniqueIndex:idx_test_state_question_hash" json:"hash"`
	PreTests   string    `gorm:"type:text" json:"pre_tests"`
	PostTests  string    `gorm:"type:text" json:"post_tests"`
	CreatedAt  time.Time `json:"created_at"`
}

func marshalJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(data)
}

func unmarshalJSON(data datatypes.JSON, v any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, v)
}
