package services

import (
	"context"

	"resume-collab/internal/models"
)

/*
LEARNING: GO INTERFACE BEST PRACTICE

"Accept interfaces, return structs" - Rob Pike

Interfaces are defined where they are USED, not where implemented. The mirror
only writes resume_config rows, so that single method is all it asks for; the
GORM repository satisfies it without knowing this package exists, and tests
pass a map-backed fake.
*/

// ResumeConfigWriter is what the mirror needs from resume_config storage
type ResumeConfigWriter interface {
	Upsert(ctx context.Context, cfg *models.ResumeConfig) error
}
