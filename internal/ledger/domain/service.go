// Package domain defines the hour-ledger contract: every guardian, student
// and teacher balance mutation flows through one service so each triggering
// event applies exactly once.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// StudentDebit is one slice of a refund-hour allocation.
type StudentDebit struct {
	StudentID snowflake.ID
	Hours     float64
}

type Service interface {
	// AdjustGuardianTotal applies a signed delta to the guardian hour
	// balance. clearAuto drops the auto-total flag so subsequent lesson
	// debits do not re-sync the balance to a stale recomputation.
	AdjustGuardianTotal(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID, delta float64, clearAuto bool) error

	// AdjustGuardianConsumed moves the cumulative-consumed counter.
	AdjustGuardianConsumed(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID, delta float64) error

	// AdjustStudentRemaining applies a signed delta to the student's
	// remaining hours, clamped at zero. Returns the delta actually applied.
	AdjustStudentRemaining(ctx context.Context, tx *gorm.DB, studentID snowflake.ID, delta float64) (float64, error)

	// AdjustTeacherMonth upserts the teacher's monthly row and applies the
	// signed hour/earning/tip deltas.
	AdjustTeacherMonth(ctx context.Context, tx *gorm.DB, teacherID snowflake.ID, year, month int, hours, earnings, tips float64) error

	// DebitStudents distributes a refund-hour debit across students, each
	// clamped at zero.
	DebitStudents(ctx context.Context, tx *gorm.DB, debits []StudentDebit) error
}

var (
	ErrGuardianNotFound = errors.New("guardian_not_found")
	ErrStudentNotFound  = errors.New("student_not_found")
)
