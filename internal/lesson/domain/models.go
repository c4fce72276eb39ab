// Package domain contains the class (lesson) model and its status rules.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/waraqaweb/billingcore/internal/money"
)

type ClassStatus string

const (
	StatusScheduled  ClassStatus = "scheduled"
	StatusInProgress ClassStatus = "in_progress"
	StatusCompleted  ClassStatus = "completed"

	StatusAttended        ClassStatus = "attended"
	StatusMissedByStudent ClassStatus = "missed_by_student"
	StatusAbsent          ClassStatus = "absent"

	StatusCancelled           ClassStatus = "cancelled"
	StatusCancelledByGuardian ClassStatus = "cancelled_by_guardian"
	StatusCancelledByTeacher  ClassStatus = "cancelled_by_teacher"
	StatusCancelledByAdmin    ClassStatus = "cancelled_by_admin"
	StatusNoShowBoth          ClassStatus = "no_show_both"
	StatusPattern             ClassStatus = "pattern"
	StatusOnHold              ClassStatus = "on_hold"
)

// Countable reports whether the status consumes guardian/student hours and
// earns teacher hours.
func (s ClassStatus) Countable() bool {
	switch s {
	case StatusAttended, StatusMissedByStudent, StatusAbsent:
		return true
	}
	return false
}

// CancelledFamily reports whether the status excludes the class from billing
// entirely.
func (s ClassStatus) CancelledFamily() bool {
	switch s {
	case StatusCancelled, StatusCancelledByGuardian, StatusCancelledByTeacher,
		StatusCancelledByAdmin, StatusNoShowBoth, StatusPattern, StatusOnHold:
		return true
	}
	return false
}

// Terminal reports whether the class outcome is decided. Past-dated classes
// without a terminal status are billable only while their report window is
// open.
func (s ClassStatus) Terminal() bool {
	return s.Countable() || s.CancelledFamily()
}

type Class struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	GuardianID snowflake.ID `gorm:"not null;index"`
	StudentID  snowflake.ID `gorm:"not null;index"`
	TeacherID  snowflake.ID `gorm:"not null;index"`

	ScheduledAt     time.Time   `gorm:"not null;index"`
	DurationMinutes float64     `gorm:"not null"`
	Status          ClassStatus `gorm:"type:text;not null;default:'scheduled'"`

	// PaidByGuardian is true iff the class belongs to an invoice whose paid
	// coverage reaches the class's cumulative chronological hours.
	PaidByGuardian bool `gorm:"not null;default:false"`
	Hidden         bool `gorm:"not null;default:false"`

	ReportDeadline       *time.Time
	ReportExtensionUntil *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Class) TableName() string { return "classes" }

// Hours returns the class duration at ledger precision.
func (c Class) Hours() float64 {
	return money.HoursFromMinutes(c.DurationMinutes)
}

// ReportWindowOpen reports whether a teacher may still submit a report for a
// past-dated class.
func (c Class) ReportWindowOpen(now time.Time) bool {
	if c.ReportExtensionUntil != nil && now.Before(*c.ReportExtensionUntil) {
		return true
	}
	return c.ReportDeadline != nil && now.Before(*c.ReportDeadline)
}

// Projection is the pre-event view of a class the reactive dispatcher needs
// to compute ledger deltas.
type Projection struct {
	Status             ClassStatus
	DurationMinutes    float64
	SkipHourAdjustment bool
}
