// Package domain contains the immutable audit trail models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Severity string

const (
	SeverityNormal Severity = "normal"
	SeverityHigh   Severity = "high"
)

// Entry is an immutable record attached to an invoice (or other target).
// Before/After carry the structured diff per changed attribute.
type Entry struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	ActorID    *snowflake.ID     `gorm:"index"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null"`
	TargetID   *string           `gorm:"type:text;index"`
	Before     datatypes.JSONMap `gorm:"type:jsonb"`
	After      datatypes.JSONMap `gorm:"type:jsonb"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	Severity   Severity          `gorm:"type:text;not null;default:'normal'"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

func (Entry) TableName() string { return "audit_logs" }
