// Package sequence issues monotonic invoice sequence numbers.
package sequence

import (
	"context"
	"time"

	"github.com/waraqaweb/billingcore/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Counter is the singleton row per invoice kind. Allocation is an atomic
// increment-and-fetch on this row.
type Counter struct {
	Kind      string    `gorm:"primaryKey;type:text"`
	Value     int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Counter) TableName() string { return "sequence_counters" }

type Allocator struct {
	db   *gorm.DB
	caps db.Capabilities
	log  *zap.Logger
}

func NewAllocator(conn *gorm.DB, log *zap.Logger) *Allocator {
	return &Allocator{
		db:   conn,
		caps: db.CapabilitiesFor(conn),
		log:  log.Named("sequence.allocator"),
	}
}

// AllocateNext returns the next sequence for the kind. Calls for the same
// kind are serialized by the counter row; returned values are strictly
// increasing. Runs inside the supplied transaction when one is given.
func (a *Allocator) AllocateNext(ctx context.Context, tx *gorm.DB, kind string) (int64, error) {
	if tx == nil {
		tx = a.db
	}
	if err := a.ensureRow(ctx, tx, kind); err != nil {
		return 0, err
	}

	if a.caps.Returning {
		var next int64
		err := tx.WithContext(ctx).Raw(
			`UPDATE sequence_counters
			 SET value = value + 1, updated_at = CURRENT_TIMESTAMP
			 WHERE kind = ?
			 RETURNING value`,
			kind,
		).Scan(&next).Error
		return next, err
	}

	// Dialects without RETURNING: lock the row, then bump it in two steps
	// inside the caller's transaction.
	var counter Counter
	stmt := tx.WithContext(ctx)
	if a.caps.RowLocking {
		stmt = stmt.Raw(`SELECT kind, value FROM sequence_counters WHERE kind = ? FOR UPDATE`, kind)
	} else {
		stmt = stmt.Raw(`SELECT kind, value FROM sequence_counters WHERE kind = ?`, kind)
	}
	if err := stmt.Scan(&counter).Error; err != nil {
		return 0, err
	}
	next := counter.Value + 1
	err := tx.WithContext(ctx).Exec(
		`UPDATE sequence_counters SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE kind = ? AND value = ?`,
		next, kind, counter.Value,
	).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

// EnsureAtLeast advances the counter to at least n so future allocations
// never collide with a manually-encoded sequence.
func (a *Allocator) EnsureAtLeast(ctx context.Context, tx *gorm.DB, kind string, n int64) error {
	if tx == nil {
		tx = a.db
	}
	if err := a.ensureRow(ctx, tx, kind); err != nil {
		return err
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE sequence_counters
		 SET value = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE kind = ? AND value < ?`,
		n, kind, n,
	).Error
}

func (a *Allocator) ensureRow(ctx context.Context, tx *gorm.DB, kind string) error {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO sequence_counters (kind, value, updated_at)
		 VALUES (?, 0, CURRENT_TIMESTAMP)
		 ON CONFLICT (kind) DO NOTHING`,
		kind,
	).Error
	if err != nil && db.IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}
