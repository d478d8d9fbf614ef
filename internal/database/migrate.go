package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// Migrate creates or updates the grader tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Question{},
		&models.AnswerKey{},
		&models.TestState{},
		&models.Progress{},
		&models.Submission{},
		&models.Feedback{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}
