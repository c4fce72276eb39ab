// Package dispatcher reacts to class lifecycle events and propagates them to
// the hour ledgers and the correct invoice.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	adjustmentdomain "github.com/waraqaweb/billingcore/internal/adjustment/domain"
	auditdomain "github.com/waraqaweb/billingcore/internal/audit/domain"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/internal/config"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"github.com/waraqaweb/billingcore/internal/invoice/store"
	ledgerdomain "github.com/waraqaweb/billingcore/internal/ledger/domain"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"github.com/waraqaweb/billingcore/internal/money"
	"github.com/waraqaweb/billingcore/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EventKind names the class lifecycle change being dispatched.
type EventKind string

const (
	EventCreated        EventKind = "created"
	EventStatusChanged  EventKind = "status_changed"
	EventDurationChange EventKind = "duration_changed"
	EventDeleted        EventKind = "deleted"
)

// Event carries the new class state and the previous projection.
type Event struct {
	Kind     EventKind
	Class    lessondomain.Class
	Previous lessondomain.Projection
	Actor    snowflake.ID
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.BillingConfig
	Store      *store.Store
	LedgerSvc  ledgerdomain.Service
	InvoiceSvc invoicedomain.Service
	Adjuster   adjustmentdomain.Engine
	AuditSvc   auditdomain.Service
	Metrics    *telemetry.Metrics `optional:"true"`
}

type Dispatcher struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	cfg        config.BillingConfig
	store      *store.Store
	ledgerSvc  ledgerdomain.Service
	invoiceSvc invoicedomain.Service
	adjuster   adjustmentdomain.Engine
	auditSvc   auditdomain.Service
	metrics    *telemetry.Metrics
}

func New(p Params) *Dispatcher {
	return &Dispatcher{
		db:         p.DB,
		log:        p.Log.Named("dispatcher"),
		clock:      p.Clock,
		cfg:        p.Cfg,
		store:      p.Store,
		ledgerSvc:  p.LedgerSvc,
		invoiceSvc: p.InvoiceSvc,
		adjuster:   p.Adjuster,
		auditSvc:   p.AuditSvc,
		metrics:    p.Metrics,
	}
}

// Dispatch routes one class event. Racing dispatchers against the same
// invoice are serialised by the invoice version token; the loser surfaces
// ErrConflict for retry.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if err := d.adjustHourLedgers(ctx, event); err != nil {
		return err
	}

	switch event.Kind {
	case EventDeleted:
		return d.handleDeletion(ctx, event)
	default:
		return d.handleLinkage(ctx, event)
	}
}

// adjustHourLedgers applies the countable-status delta rules to the teacher
// month and the guardian/student pools.
func (d *Dispatcher) adjustHourLedgers(ctx context.Context, event Event) error {
	if event.Previous.SkipHourAdjustment {
		return nil
	}

	wasCountable := event.Previous.Status.Countable()
	isCountable := event.Class.Status.Countable() && event.Kind != EventDeleted

	prevHours := money.HoursFromMinutes(event.Previous.DurationMinutes)
	newHours := event.Class.Hours()

	var delta float64
	switch {
	case !wasCountable && isCountable:
		delta = newHours
	case wasCountable && !isCountable:
		delta = -prevHours
	case wasCountable && isCountable:
		delta = money.Round3(newHours - prevHours)
	default:
		return nil
	}
	if delta == 0 {
		return nil
	}

	class := event.Class
	// Deletion events can arrive after the class row is gone; without party
	// references there is no ledger to move.
	if class.GuardianID == 0 {
		return nil
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		at := class.ScheduledAt
		if err := d.ledgerSvc.AdjustTeacherMonth(ctx, tx, class.TeacherID, at.Year(), int(at.Month()), delta, 0, 0); err != nil {
			return err
		}
		if err := d.ledgerSvc.AdjustGuardianTotal(ctx, tx, class.GuardianID, -delta, false); err != nil {
			return err
		}
		if _, err := d.ledgerSvc.AdjustStudentRemaining(ctx, tx, class.StudentID, -delta); err != nil {
			return err
		}
		if err := d.ledgerSvc.AdjustGuardianConsumed(ctx, tx, class.GuardianID, delta); err != nil {
			return err
		}
		d.metrics.DispatcherAction("hour_adjustment")
		return nil
	})
}

// handleLinkage applies the invoice side of a create/status/duration event.
func (d *Dispatcher) handleLinkage(ctx context.Context, event Event) error {
	class := event.Class
	cmd := invoicedomain.Command{Actor: event.Actor}

	holder, err := d.store.InvoiceHoldingClass(ctx, nil, class.GuardianID, class.ID)
	if err != nil {
		return err
	}

	if holder == nil {
		d.metrics.DispatcherAction("maybe_add")
		return d.invoiceSvc.MaybeAddClassToUnpaidInvoice(ctx, nil, class.ID, cmd)
	}

	if !holder.Status.Settled() {
		d.metrics.DispatcherAction("in_place_edit")
		return d.editUnpaidInPlace(ctx, holder.ID, event, cmd)
	}

	return d.editSettled(ctx, holder, event, cmd)
}

// editUnpaidInPlace syncs the item with the class's new duration, attendance
// and status, and recomputes totals.
func (d *Dispatcher) editUnpaidInPlace(ctx context.Context, invoiceID snowflake.ID, event Event, cmd invoicedomain.Command) error {
	class := event.Class
	return d.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := d.store.LoadForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		idx, ok := inv.FindItem(class.ID, class.ID.String())
		if !ok {
			return nil
		}

		if class.Status.CancelledFamily() {
			inv.Items = append(inv.Items[:idx], inv.Items[idx+1:]...)
		} else {
			item := &inv.Items[idx]
			item.DurationMinutes = class.DurationMinutes
			item.Amount = money.Amount(item.Rate, item.DurationMinutes)
			item.Attended = class.Status == lessondomain.StatusAttended
			item.Status = string(class.Status)
			item.Date = class.ScheduledAt
		}

		inv.SortItemsChronologically()
		inv.RecomputeTotals()
		inv.Touch(cmd.Actor, d.clock.Now().UTC())
		return d.store.Save(ctx, tx, inv)
	})
}

// editSettled handles the paid-invoice branch of the decision tree.
func (d *Dispatcher) editSettled(ctx context.Context, holder *invoicedomain.Invoice, event Event, cmd invoicedomain.Command) error {
	class := event.Class
	wasCountable := event.Previous.Status.Countable()
	isCancelled := class.Status.CancelledFamily()
	prevCancelled := event.Previous.Status.CancelledFamily()
	paidCmd := invoicedomain.Command{Actor: event.Actor, AllowPaidModification: true}

	switch {
	case wasCountable && isCancelled:
		// Remove the item, then let coverage recalculation pull in a
		// replacement from the guardian's unpaid pool.
		d.metrics.DispatcherAction("settled_remove")
		err := d.store.Transaction(ctx, func(tx *gorm.DB) error {
			inv, err := d.store.LoadForUpdate(ctx, tx, holder.ID)
			if err != nil {
				return err
			}
			idx, ok := inv.FindItem(class.ID, class.ID.String())
			if !ok {
				return nil
			}
			inv.Items = append(inv.Items[:idx], inv.Items[idx+1:]...)
			inv.ExcludedClassIDs = append(inv.ExcludedClassIDs, class.ID)
			inv.Touch(cmd.Actor, d.clock.Now().UTC())
			return d.store.Save(ctx, tx, inv)
		})
		if err != nil {
			return err
		}
		return d.invoiceSvc.RecalculateCoverage(ctx, nil, holder.ID, paidCmd)

	case prevCancelled && class.Status.Countable():
		// The cancellation was reversed: put the item back.
		d.metrics.DispatcherAction("settled_readd")
		return d.store.Transaction(ctx, func(tx *gorm.DB) error {
			inv, err := d.store.LoadForUpdate(ctx, tx, holder.ID)
			if err != nil {
				return err
			}
			if _, ok := inv.FindItem(class.ID, class.ID.String()); ok {
				return nil
			}
			rate := inv.Snapshot.HourlyRate
			if rate <= 0 {
				rate = d.cfg.DefaultHourlyRate
			}
			inv.Items = append(inv.Items, invoicedomain.ItemFromClass(class, rate, invoicedomain.PartySnapshot{}, invoicedomain.PartySnapshot{}))
			inv.SortItemsChronologically()
			inv.Touch(cmd.Actor, d.clock.Now().UTC())
			return d.store.Save(ctx, tx, inv)
		})

	case event.Kind == EventDurationChange && class.DurationMinutes > event.Previous.DurationMinutes:
		// Duration grew on a paid lesson: the extra minutes become a positive
		// adjustment, reopening the balance until a follow-up payment lands.
		d.metrics.DispatcherAction("settled_grow")
		return d.patchSettledDuration(ctx, holder.ID, event, paidCmd)

	case event.Kind == EventDurationChange && class.DurationMinutes < event.Previous.DurationMinutes:
		// Duration shrank: the difference goes back as a proportional refund.
		d.metrics.DispatcherAction("settled_shrink")
		deltaHours := money.Round3((event.Previous.DurationMinutes - class.DurationMinutes) / 60)
		rate := holder.Snapshot.HourlyRate
		if rate <= 0 {
			rate = d.cfg.DefaultHourlyRate
		}
		coverage := holder.CoveredHours()
		feeRefund := 0.0
		fee := holder.Snapshot.TransferFee
		if !fee.Waived && !fee.WaivedByCoverage && !holder.Coverage.WaiveTransferFee && coverage > 0 {
			feeRefund = fee.Amount * minFloat(1, deltaHours/coverage)
		}
		_, err := d.adjuster.RecordRefund(ctx, holder.ID, adjustmentdomain.RefundRequest{
			Amount:      money.Round2(deltaHours*rate + feeRefund),
			RefundHours: deltaHours,
			Reason:      fmt.Sprintf("duration reduced on lesson %s", class.ID),
		}, paidCmd)
		return err

	default:
		// Nothing to recalculate; still make sure the class is not lingering
		// on some other unpaid invoice.
		d.metrics.DispatcherAction("settled_noop")
		return d.invoiceSvc.RemoveClassFromOtherUnpaid(ctx, nil, class.GuardianID, class.ID, holder.ID, cmd)
	}
}

func (d *Dispatcher) patchSettledDuration(ctx context.Context, invoiceID snowflake.ID, event Event, cmd invoicedomain.Command) error {
	class := event.Class
	return d.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := d.store.LoadForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		idx, ok := inv.FindItem(class.ID, class.ID.String())
		if !ok {
			return nil
		}
		item := &inv.Items[idx]
		item.DurationMinutes = class.DurationMinutes
		item.Amount = money.Amount(item.Rate, item.DurationMinutes)
		inv.RecomputeTotals()
		if inv.Status == invoicedomain.StatusPaid && inv.RemainingBalance() > money.EpsilonAmount {
			inv.Status = invoicedomain.StatusPartiallyPaid
		}
		inv.Touch(cmd.Actor, d.clock.Now().UTC())
		return d.store.Save(ctx, tx, inv)
	})
}

// handleDeletion substitutes the next eligible unpaid lesson when a class on
// a settled invoice disappears.
func (d *Dispatcher) handleDeletion(ctx context.Context, event Event) error {
	class := event.Class
	cmd := invoicedomain.Command{Actor: event.Actor, AllowPaidModification: true}

	// The class row may already be gone; the denormalized lesson id on the
	// item is what survives.
	holder, err := d.store.InvoiceHoldingLessonID(ctx, nil, class.ID.String())
	if err != nil {
		return err
	}
	if holder == nil {
		return nil
	}

	if !holder.Status.Settled() {
		d.metrics.DispatcherAction("deleted_unpaid")
		return d.store.Transaction(ctx, func(tx *gorm.DB) error {
			inv, err := d.store.LoadForUpdate(ctx, tx, holder.ID)
			if err != nil {
				return err
			}
			idx, ok := inv.FindItem(class.ID, class.ID.String())
			if !ok {
				return nil
			}
			inv.Items = append(inv.Items[:idx], inv.Items[idx+1:]...)
			inv.RecomputeTotals()
			inv.Touch(cmd.Actor, d.clock.Now().UTC())
			return d.store.Save(ctx, tx, inv)
		})
	}

	d.metrics.DispatcherAction("deleted_settled")
	err = d.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := d.store.LoadForUpdate(ctx, tx, holder.ID)
		if err != nil {
			return err
		}
		idx, ok := inv.FindItem(class.ID, class.ID.String())
		if !ok {
			return nil
		}
		inv.Items = append(inv.Items[:idx], inv.Items[idx+1:]...)
		inv.ExcludedClassIDs = append(inv.ExcludedClassIDs, class.ID)
		inv.Touch(cmd.Actor, d.clock.Now().UTC())
		return d.store.Save(ctx, tx, inv)
	})
	if err != nil {
		return err
	}

	// RecalculateCoverage substitutes the next chronologically eligible
	// lesson, or records a high-severity audit entry when none exists.
	return d.invoiceSvc.RecalculateCoverage(ctx, nil, holder.ID, cmd)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
