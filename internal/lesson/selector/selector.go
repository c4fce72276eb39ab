// Package selector picks the lessons eligible for billing for a guardian and
// window, honouring exclusion sets, coverage caps and cross-invoice
// uniqueness.
package selector

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/internal/config"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"github.com/waraqaweb/billingcore/internal/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Window bounds the selection. A nil End leaves the window open on the
// right; Start is applied only when End is also set, so a window without an
// End is open on both sides.
type Window struct {
	Start *time.Time
	End   *time.Time
}

type Options struct {
	StudentAllowList []snowflake.ID
	CoverageCapHours *float64
	ExcludeClassIDs  []snowflake.ID
	// ExcludeInvoiceID is the invoice being (re)built; lessons already on it
	// do not count as foreign.
	ExcludeInvoiceID snowflake.ID
	Limit            int
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.BillingConfig
}

type Selector struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	cfg   config.BillingConfig
}

func New(p Params) *Selector {
	return &Selector{
		db:    p.DB,
		log:   p.Log.Named("lesson.selector"),
		clock: p.Clock,
		cfg:   p.Cfg,
	}
}

// Select returns the ordered set of billable lessons. See the rule order in
// the method body; every rule narrows the candidate set.
func (s *Selector) Select(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID, window Window, opts Options) ([]lessondomain.Class, error) {
	conn := tx
	if conn == nil {
		conn = s.db
	}

	// Rule 1: candidates — guardian's visible, unbilled, non-cancelled classes.
	stmt := conn.WithContext(ctx).
		Where("guardian_id = ?", guardianID).
		Where("hidden = ?", false).
		Where("paid_by_guardian = ?", false).
		Where("status NOT IN ?", cancelledFamily())

	// Rule 3: window filter. Both bounds inclusive; a lesson scheduled
	// exactly on the period end date is accepted.
	if window.End != nil {
		stmt = stmt.Where("scheduled_at <= ?", *window.End)
	}
	if window.Start != nil && window.End != nil {
		stmt = stmt.Where("scheduled_at >= ?", *window.Start)
	}

	if len(opts.StudentAllowList) > 0 {
		stmt = stmt.Where("student_id IN ?", opts.StudentAllowList)
	}

	// Rule 5: chronological order.
	stmt = stmt.Order("scheduled_at ASC").Order("created_at ASC")

	var candidates []lessondomain.Class
	if err := stmt.Find(&candidates).Error; err != nil {
		return nil, err
	}

	// Rule 2: drop lessons already on another active invoice.
	used, err := s.lessonsOnActiveInvoices(ctx, conn, guardianID, opts.ExcludeInvoiceID)
	if err != nil {
		return nil, err
	}

	excluded := make(map[snowflake.ID]bool, len(opts.ExcludeClassIDs))
	for _, id := range opts.ExcludeClassIDs {
		excluded[id] = true
	}

	now := s.clock.Now().UTC()
	limit := opts.Limit
	if limit <= 0 || limit > s.cfg.MaxInvoiceItems {
		limit = s.cfg.MaxInvoiceItems
	}

	selected := make([]lessondomain.Class, 0, len(candidates))
	var cumulative float64
	for _, class := range candidates {
		if excluded[class.ID] || used[class.ID.String()] {
			continue
		}
		if !eligible(class, now) {
			continue
		}

		// Rule 6: coverage cap — include the boundary lesson only if it fits
		// within cap + ε.
		if opts.CoverageCapHours != nil {
			next := cumulative + class.DurationMinutes/60
			if next > *opts.CoverageCapHours+money.EpsilonHours {
				break
			}
			cumulative = next
		}

		selected = append(selected, class)

		// Rule 7: hard output cap against runaway selections.
		if len(selected) >= limit {
			break
		}
	}

	return selected, nil
}

// lessonsOnActiveInvoices unions items.class and items.lesson_id across the
// guardian's non-cancelled, non-refunded invoices.
func (s *Selector) lessonsOnActiveInvoices(ctx context.Context, conn *gorm.DB, guardianID snowflake.ID, excludeInvoiceID snowflake.ID) (map[string]bool, error) {
	var invoices []invoicedomain.Invoice
	stmt := conn.WithContext(ctx).
		Select("id", "items").
		Where("guardian_id = ?", guardianID).
		Where("status NOT IN ?", []invoicedomain.Status{invoicedomain.StatusCancelled, invoicedomain.StatusRefunded}).
		Where("deleted_at IS NULL")
	if excludeInvoiceID != 0 {
		stmt = stmt.Where("id <> ?", excludeInvoiceID)
	}
	if err := stmt.Find(&invoices).Error; err != nil {
		return nil, err
	}

	used := make(map[string]bool)
	for _, inv := range invoices {
		for _, item := range inv.Items {
			if item.ClassID != 0 {
				used[item.ClassID.String()] = true
			}
			if item.LessonID != "" {
				used[item.LessonID] = true
			}
		}
	}
	return used, nil
}

// eligible applies rule 4: status/time eligibility.
func eligible(class lessondomain.Class, now time.Time) bool {
	switch class.Status {
	case lessondomain.StatusAttended, lessondomain.StatusMissedByStudent:
		return true
	}

	future := class.ScheduledAt.After(now)
	if future {
		switch class.Status {
		case lessondomain.StatusScheduled, lessondomain.StatusInProgress, lessondomain.StatusCompleted, "":
			return true
		}
		return false
	}

	// Past-dated without a terminal status: billable only while the report
	// window is still open.
	if class.Status.Terminal() {
		return class.Status.Countable()
	}
	return class.ReportWindowOpen(now)
}

func cancelledFamily() []lessondomain.ClassStatus {
	return []lessondomain.ClassStatus{
		lessondomain.StatusCancelled,
		lessondomain.StatusCancelledByGuardian,
		lessondomain.StatusCancelledByTeacher,
		lessondomain.StatusCancelledByAdmin,
		lessondomain.StatusNoShowBoth,
		lessondomain.StatusPattern,
		lessondomain.StatusOnHold,
	}
}

// ResolveRate is the per-item rate chain: invoice snapshot, guardian rate,
// any existing item rate, derived amount/hours, then the documented default.
func ResolveRate(inv *invoicedomain.Invoice, guardianRate, defaultRate float64) float64 {
	if inv != nil {
		if inv.Snapshot.HourlyRate > 0 {
			return inv.Snapshot.HourlyRate
		}
	}
	if guardianRate > 0 {
		return guardianRate
	}
	if inv != nil {
		for _, item := range inv.Items {
			if item.Rate > 0 {
				return item.Rate
			}
		}
		for _, item := range inv.Items {
			if item.Amount > 0 && item.DurationMinutes > 0 {
				return money.Round2(item.Amount / (item.DurationMinutes / 60))
			}
		}
	}
	return defaultRate
}
