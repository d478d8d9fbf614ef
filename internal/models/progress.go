package models

import (
	"time"

	"gorm.io/datatypes"
)

// Grading phases recorded on feedback.
const (
	FeedbackPhasePre  = "pre"
	FeedbackPhasePost = "post"
)

// Progress aggregates the best result of one user on one question. Its
// maxima never decrease except when a regrade recomputes them.
type Progress struct {
	ID               uint         `gorm:"primaryKey" json:"id"`
	UserID           uint         `gorm:"not null;uniqueIndex:idx_progress_user_question" json:"user_id"`
	QuestionID       uint         `gorm:"not null;uniqueIndex:idx_progress_user_question" json:"question_id"`
	BestSubmissionID *uint        `json:"best_submission_id"`
	GivenGradePC     float64      `gorm:"not null;default:0" json:"given_grade_pc"`
	FinalGradePC     float64      `gorm:"not null;default:0" json:"final_grade_pc"`
	IsCorrect        bool         `gorm:"not null;default:false" json:"is_correct"`
	NumSubmissions   int          `gorm:"not null;default:0" json:"num_submissions"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Question         Question     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Submissions      []Submission `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// Submission is one attempt. It is immutable once graded except for the
// recycle counter.
type Submission struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProgressID  uint      `gorm:"not null;index:idx_submission_progress_hash" json:"progress_id"`
	Hash        string    `gorm:"size:64;not null;index:idx_submission_progress_hash" json:"hash"`
	Source      string    `gorm:"type:text" json:"source"`
	Language    string    `gorm:"size:32" json:"language"`
	NumRecycles int       `gorm:"not null;default:0" json:"num_recycles"`
	IPAddress   string    `gorm:"size:64" json:"ip_address"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Feedback    *Feedback `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"feedback,omitempty"`
}

// Feedback is the graded result of a submission. Regrading replaces it.
type Feedback struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	SubmissionID  uint           `gorm:"not null;uniqueIndex" json:"submission_id"`
	Status        string         `gorm:"size:32;not null" json:"status"`
	Phase         string         `gorm:"size:16;not null;default:pre" json:"phase"`
	GivenGradePC  float64        `gorm:"not null;default:0" json:"given_grade_pc"`
	FinalGradePC  float64        `gorm:"not null;default:0" json:"final_grade_pc"`
	IsCorrect     bool           `gorm:"not null;default:false" json:"is_correct"`
	TestStateHash string         `gorm:"size:64" json:"test_state_hash"`
	Payload       datatypes.JSON `gorm:"type:json" json:"payload"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
