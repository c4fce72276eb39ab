// Package domain contains persistence models for the billing parties.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransferFeeMode selects how a guardian's transfer fee is computed.
type TransferFeeMode string

const (
	TransferFeeFixed   TransferFeeMode = "fixed"
	TransferFeePercent TransferFeeMode = "percent"
)

// Guardian is the paying party. Hour-balance fields are mutated only through
// the ledger service so credits, debits and refund reversals each apply
// exactly once per triggering event.
type Guardian struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	FirstName string       `gorm:"type:text"`
	LastName  string       `gorm:"type:text"`
	Email     string       `gorm:"type:text;index"`

	HourlyRate             float64         `gorm:"not null;default:0"`
	TransferFeeMode        TransferFeeMode `gorm:"type:text;not null;default:'fixed'"`
	TransferFeeValue       float64         `gorm:"not null;default:0"`
	PreferredPaymentMethod string          `gorm:"type:text"`

	// TotalHours is the guardian hour balance at 3dp.
	TotalHours    float64 `gorm:"not null;default:0"`
	ConsumedHours float64 `gorm:"not null;default:0"`
	// AutoTotalHours marks balances still synced from recomputation; a
	// payment credit clears it so lesson debits stop re-syncing to a stale
	// total.
	AutoTotalHours bool `gorm:"not null;default:true"`

	// MinLessonDurationMinutes is the auto-payg threshold: when the balance
	// drops to or below this duration, a follow-up invoice is generated.
	MinLessonDurationMinutes float64 `gorm:"not null;default:30"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Guardian) TableName() string { return "guardians" }

// Student belongs to a guardian and carries its own remaining-hours pool.
type Student struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	GuardianID snowflake.ID `gorm:"not null;index"`
	FirstName  string       `gorm:"type:text"`
	LastName   string       `gorm:"type:text"`
	Email      string       `gorm:"type:text"`

	// RemainingHours never drops below zero; debits clamp.
	RemainingHours float64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Student) TableName() string { return "students" }

type Teacher struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	FirstName string       `gorm:"type:text"`
	LastName  string       `gorm:"type:text"`
	Email     string       `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Teacher) TableName() string { return "teachers" }

// TeacherMonth accumulates a teacher's hours, earnings and tips for one
// calendar month.
type TeacherMonth struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TeacherID snowflake.ID `gorm:"not null;uniqueIndex:ux_teacher_months,priority:1"`
	Year      int          `gorm:"not null;uniqueIndex:ux_teacher_months,priority:2"`
	Month     int          `gorm:"not null;uniqueIndex:ux_teacher_months,priority:3"`

	Hours    float64 `gorm:"not null;default:0"`
	Earnings float64 `gorm:"not null;default:0"`
	Tips     float64 `gorm:"not null;default:0"`

	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TeacherMonth) TableName() string { return "teacher_months" }
