package repository

import (
	"context"
	"errors"
	"fmt"

	"resume-collab/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: SNAPSHOT PERSISTENCE (UPSERT, NOT APPEND)

A state-based CRDT can always be rebuilt from its latest full state, so we
keep exactly one row per resume and overwrite it on every save instead of
appending an ever growing update log.

Query patterns:
- GetByResumeID: initial load (handle + snapshot)
- Upsert: debounced autosave / manual sync
- Delete: resume removed
*/

// SnapshotRepositoryImpl handles automerge_documents storage
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// GetByResumeID returns the snapshot row of a resume, or nil when none exists yet
func (r *SnapshotRepositoryImpl) GetByResumeID(ctx context.Context, resumeID string) (*models.AutomergeDocument, error) {
	var doc models.AutomergeDocument

	err := r.db.WithContext(ctx).
		Where("resume_id = ?", resumeID).
		First(&doc).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // Never saved
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return &doc, nil
}

// Upsert inserts the row or overwrites the existing one for the same resume
// Learning: ON CONFLICT keeps concurrent first saves from two replicas from
// failing on the unique index; the last writer's bytes win, and both carry
// the same handle anyway.
func (r *SnapshotRepositoryImpl) Upsert(ctx context.Context, doc *models.AutomergeDocument) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "resume_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "document_url", "document_data", "heads", "document_version", "updated_at",
			}),
		}).
		Create(doc).Error

	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	return nil
}

// Delete removes the snapshot of a resume
func (r *SnapshotRepositoryImpl) Delete(ctx context.Context, resumeID string) error {
	result := r.db.WithContext(ctx).
		Where("resume_id = ?", resumeID).
		Delete(&models.AutomergeDocument{})

	if result.Error != nil {
		return fmt.Errorf("failed to delete snapshot: %w", result.Error)
	}

	return nil
}
