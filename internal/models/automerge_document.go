package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

/*
REPLICATED DOCUMENT SNAPSHOTS

One row per logical resume. The row maps the application-level resume id to
the replica handle that every peer should open, so a resume reopened from any
replica converges on the same CRDT document instead of forking a new one.

document_data holds the full snapshot as base64 text; the backend's native
binary round-trip is never relied upon.
*/

// AutomergeDocument is the durable snapshot of a replicated resume.
type AutomergeDocument struct {
	ID              string         `gorm:"type:varchar(27);primaryKey" json:"id"`
	ResumeID        string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"resume_id"`
	UserID          string         `gorm:"type:varchar(64);not null;index" json:"user_id"`
	DocumentURL     *string        `gorm:"type:varchar(64)" json:"document_url,omitempty"` // replica handle
	DocumentData    string         `gorm:"type:text" json:"-"`                             // base64 snapshot
	Heads           datatypes.JSON `json:"heads"`                                          // merge frontier, opaque
	DocumentVersion int            `gorm:"not null;default:0" json:"document_version"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// BeforeCreate generates KSUID
func (d *AutomergeDocument) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (AutomergeDocument) TableName() string {
	return "automerge_documents"
}
