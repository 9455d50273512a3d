package repository

import (
	"context"
	"errors"
	"fmt"

	"resume-collab/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResumeConfigRepositoryImpl handles the flat resume_config mirror
type ResumeConfigRepositoryImpl struct {
	db *gorm.DB
}

// NewResumeConfigRepository creates a new resume_config repository
func NewResumeConfigRepository(db *gorm.DB) *ResumeConfigRepositoryImpl {
	return &ResumeConfigRepositoryImpl{db: db}
}

// Get returns the mirrored config, or nil when the resume has none
func (r *ResumeConfigRepositoryImpl) Get(ctx context.Context, resumeID string) (*models.ResumeConfig, error) {
	var cfg models.ResumeConfig

	err := r.db.WithContext(ctx).First(&cfg, "resume_id = ?", resumeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get resume config: %w", err)
	}

	return &cfg, nil
}

// Upsert writes the latest flattened values of a resume
func (r *ResumeConfigRepositoryImpl) Upsert(ctx context.Context, cfg *models.ResumeConfig) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resume_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "sections", "section_order", "visibility", "version", "updated_at"}),
		}).
		Create(cfg).Error

	if err != nil {
		return fmt.Errorf("failed to upsert resume config: %w", err)
	}

	return nil
}
