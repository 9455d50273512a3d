package models

import (
	"time"

	"gorm.io/datatypes"
)

// ResumeConfig is the flat relational mirror of a resume's latest field
// values, read by consumers that do not speak CRDT. It also seeds a brand
// new replicated document when no snapshot exists yet.
type ResumeConfig struct {
	ResumeID   string         `gorm:"type:varchar(64);primaryKey" json:"resume_id"`
	UserID     string         `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Sections   datatypes.JSON `json:"sections"`
	Order      datatypes.JSON `gorm:"column:section_order" json:"order"`
	Visibility datatypes.JSON `json:"visibility"`
	Version    int            `gorm:"not null;default:0" json:"version"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName override
func (ResumeConfig) TableName() string {
	return "resume_config"
}
