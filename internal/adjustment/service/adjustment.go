package service

import (
	"context"
	"fmt"
	"math"

	"github.com/bwmarrin/snowflake"
	adjustmentdomain "github.com/waraqaweb/billingcore/internal/adjustment/domain"
	auditdomain "github.com/waraqaweb/billingcore/internal/audit/domain"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"github.com/waraqaweb/billingcore/internal/lesson/selector"
	"github.com/waraqaweb/billingcore/internal/money"
	"gorm.io/gorm"
)

// ApplyAdjustment mutates a settled invoice through one of the sanctioned
// post-payment paths. The item freeze applies to ordinary edits only; these
// run with allowPaidModification semantics built in.
func (s *Service) ApplyAdjustment(ctx context.Context, invoiceID snowflake.ID, req adjustmentdomain.AdjustmentRequest, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	switch req.Type {
	case adjustmentdomain.AdjustmentReduction:
		if req.Refund == nil {
			return nil, fmt.Errorf("%w: reduction requires refund payload", invoicedomain.ErrValidation)
		}
		result, err := s.RecordRefund(ctx, invoiceID, *req.Refund, cmd)
		if err != nil {
			return nil, err
		}
		s.metrics.RefundRecorded("reduction")
		return result.Invoice, nil

	case adjustmentdomain.AdjustmentIncrease:
		return s.applyIncrease(ctx, invoiceID, req.AddClassIDs, cmd)

	case adjustmentdomain.AdjustmentRemoveLessons:
		return s.applyRemoveLessons(ctx, invoiceID, req.RemoveClassIDs, req.Mode, cmd)

	default:
		return nil, fmt.Errorf("%w: unknown adjustment type %q", invoicedomain.ErrValidation, req.Type)
	}
}

// applyIncrease appends new items to a settled invoice and recomputes
// totals; the remaining balance grows until a follow-up payment covers it.
func (s *Service) applyIncrease(ctx context.Context, invoiceID snowflake.ID, classIDs []snowflake.ID, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	if len(classIDs) == 0 {
		return nil, fmt.Errorf("%w: increase requires classes to add", invoicedomain.ErrValidation)
	}

	var updated *invoicedomain.Invoice
	var auditReq auditdomain.RecordRequest
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.Settled() {
			return fmt.Errorf("%w: adjustments apply to settled invoices", invoicedomain.ErrValidation)
		}

		before := map[string]any{"items": len(inv.Items), "total": inv.Total}

		var guardianRate float64
		if inv.GuardianID != nil {
			var rateRow struct{ HourlyRate float64 }
			if err := tx.WithContext(ctx).Raw(
				`SELECT hourly_rate FROM guardians WHERE id = ?`, *inv.GuardianID,
			).Scan(&rateRow).Error; err == nil {
				guardianRate = rateRow.HourlyRate
			}
		}
		rate := selector.ResolveRate(inv, guardianRate, s.cfg.DefaultHourlyRate)

		for _, classID := range classIDs {
			if _, ok := inv.FindItem(classID, classID.String()); ok {
				continue
			}
			var class lessondomain.Class
			if err := tx.WithContext(ctx).Where("id = ?", classID).First(&class).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return fmt.Errorf("%w: class %s", invoicedomain.ErrValidation, classID)
				}
				return err
			}
			if inv.GuardianID != nil {
				holder, err := s.store.InvoiceHoldingClass(ctx, tx, *inv.GuardianID, classID)
				if err != nil {
					return err
				}
				if holder != nil && holder.ID != inv.ID {
					return &invoicedomain.ConflictingInvoice{
						InvoiceID:     holder.ID.String(),
						InvoiceNumber: holder.InvoiceNumber,
					}
				}
			}
			inv.Items = append(inv.Items, invoicedomain.ItemFromClass(class, rate, invoicedomain.PartySnapshot{}, invoicedomain.PartySnapshot{}))
		}

		inv.SortItemsChronologically()
		inv.BoundPeriodToItems()
		inv.RecomputeTotals()
		if inv.Status == invoicedomain.StatusPaid && inv.RemainingBalance() > money.EpsilonAmount {
			inv.Status = invoicedomain.StatusPartiallyPaid
		}

		now := s.clock.Now().UTC()
		inv.PushActivity(invoicedomain.ActivityEntry{
			ActorID: cmd.Actor,
			Action:  "adjustment_increase",
			Diff:    map[string]any{"added": len(classIDs)},
			At:      now,
		})
		inv.Touch(cmd.Actor, now)
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv

		target := inv.ID.String()
		auditReq = auditdomain.RecordRequest{
			ActorID:    actorRef(cmd.Actor),
			Action:     "invoice.adjustment",
			TargetType: "invoice",
			TargetID:   target,
			Before:     before,
			After:      map[string]any{"items": len(inv.Items), "total": inv.Total},
			Metadata:   map[string]any{"type": string(adjustmentdomain.AdjustmentIncrease)},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = s.auditSvc.Record(ctx, auditReq)
	s.metrics.RefundRecorded("increase")
	return updated, nil
}

// applyRemoveLessons drops items from a settled invoice; the mode decides
// whether money and hours come back.
func (s *Service) applyRemoveLessons(ctx context.Context, invoiceID snowflake.ID, classIDs []snowflake.ID, mode adjustmentdomain.RemoveMode, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	if len(classIDs) == 0 {
		return nil, fmt.Errorf("%w: removeLessons requires classes to remove", invoicedomain.ErrValidation)
	}
	if mode == "" {
		mode = adjustmentdomain.RemoveModeCompensate
	}

	var removedHours, removedAmount float64
	var updated *invoicedomain.Invoice
	var auditReq auditdomain.RecordRequest
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.Settled() {
			return fmt.Errorf("%w: adjustments apply to settled invoices", invoicedomain.ErrValidation)
		}

		before := map[string]any{"items": len(inv.Items), "total": inv.Total}

		for _, classID := range classIDs {
			idx, ok := inv.FindItem(classID, classID.String())
			if !ok {
				continue
			}
			item := inv.Items[idx]
			removedHours += item.DurationMinutes / 60
			removedAmount += item.Amount
			inv.Items = append(inv.Items[:idx], inv.Items[idx+1:]...)
			inv.ExcludedClassIDs = append(inv.ExcludedClassIDs, classID)
		}
		removedHours = money.Round3(removedHours)
		removedAmount = money.Round2(removedAmount)
		if removedHours == 0 {
			updated = inv
			return nil
		}

		now := s.clock.Now().UTC()

		switch mode {
		case adjustmentdomain.RemoveModeRefund, adjustmentdomain.RemoveModeBoth:
			// Money comes back through a compensating refund entry.
			hours := removedHours
			inv.PaymentLog = append(inv.PaymentLog, invoicedomain.PaymentLogEntry{
				Amount:      -removedAmount,
				PaidHours:   &hours,
				Method:      invoicedomain.MethodRefund,
				ProcessedAt: now,
				ActorID:     cmd.Actor,
				Note:        "lesson removal",
				Snapshot:    map[string]any{"mode": string(mode)},
			})
			if mode == adjustmentdomain.RemoveModeRefund && inv.GuardianID != nil {
				// Hours come back too.
				if err := s.ledgerSvc.AdjustGuardianTotal(ctx, tx, *inv.GuardianID, -removedHours, false); err != nil {
					return err
				}
			}
		case adjustmentdomain.RemoveModeCompensate:
			// Hours stay consumed, money stays: nothing moves on the ledgers.
		}

		newCoverage := money.Round3(math.Min(inv.PaidHoursTotal(), inv.TotalScheduledHours()))
		inv.Coverage.MaxHours = &newCoverage
		inv.RecomputeTotals()
		if inv.PaidAmount <= money.EpsilonAmount && inv.CanTrigger(invoicedomain.TriggerRefundFull) {
			if _, err := inv.Transition(invoicedomain.TriggerRefundFull, now); err != nil {
				return err
			}
		}

		if err := s.store.SyncPaidByGuardian(ctx, tx, inv); err != nil {
			return err
		}

		inv.PushActivity(invoicedomain.ActivityEntry{
			ActorID: cmd.Actor,
			Action:  "adjustment_remove_lessons",
			Diff:    map[string]any{"removed": len(classIDs), "mode": string(mode)},
			At:      now,
		})
		inv.Touch(cmd.Actor, now)
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv

		target := inv.ID.String()
		auditReq = auditdomain.RecordRequest{
			ActorID:    actorRef(cmd.Actor),
			Action:     "invoice.adjustment",
			TargetType: "invoice",
			TargetID:   target,
			Before:     before,
			After:      map[string]any{"items": len(inv.Items), "total": inv.Total},
			Metadata: map[string]any{
				"type":           string(adjustmentdomain.AdjustmentRemoveLessons),
				"mode":           string(mode),
				"removed_hours":  removedHours,
				"removed_amount": removedAmount,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if auditReq.Action != "" {
		_ = s.auditSvc.Record(ctx, auditReq)
	}
	s.metrics.RefundRecorded("remove_lessons")
	return updated, nil
}
