package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/waraqaweb/billingcore/internal/audit/domain"
	"github.com/waraqaweb/billingcore/internal/events"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	invoiceformat "github.com/waraqaweb/billingcore/internal/invoice/format"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"github.com/waraqaweb/billingcore/internal/lesson/selector"
	"github.com/waraqaweb/billingcore/internal/money"
	"github.com/waraqaweb/billingcore/internal/providers/email"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RecalculateCoverage is the substitution authority for settled invoices:
// after an item removal it pulls the next chronologically eligible unpaid
// lessons into the freed coverage. Only acts on paid/partially_paid invoices
// with a positive coverage cap.
func (s *Service) RecalculateCoverage(ctx context.Context, tx *gorm.DB, id snowflake.ID, cmd invoicedomain.Command) error {
	var afterCommit func()
	run := func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if inv.Status != invoicedomain.StatusPaid && inv.Status != invoicedomain.StatusPartiallyPaid {
			return nil
		}
		if inv.Coverage.MaxHours == nil || *inv.Coverage.MaxHours <= 0 {
			return nil
		}
		if inv.GuardianID == nil {
			return nil
		}

		freeHours := money.Round3(*inv.Coverage.MaxHours - inv.TotalScheduledHours())
		if freeHours <= money.EpsilonHours {
			return nil
		}

		window := selector.Window{Start: inv.PeriodStart, End: inv.PeriodEnd}
		classes, err := s.selector.Select(ctx, tx, *inv.GuardianID, window, selector.Options{
			CoverageCapHours: &freeHours,
			ExcludeClassIDs:  inv.ExcludedClassIDs,
			ExcludeInvoiceID: inv.ID,
		})
		if err != nil {
			return err
		}
		if len(classes) == 0 {
			// No replacement available: flag for manual review rather than
			// silently leaving a hole in the paid coverage.
			target := inv.ID.String()
			_ = s.auditSvc.Record(ctx, auditdomain.RecordRequest{
				ActorID:    actorRef(cmd.Actor),
				Action:     "invoice.coverage_hole",
				TargetType: "invoice",
				TargetID:   target,
				Severity:   auditdomain.SeverityHigh,
				Metadata: map[string]any{
					"invoice_number": inv.InvoiceNumber,
					"free_hours":     freeHours,
				},
			})
			return nil
		}

		var guardianRate float64
		if guardian, err := s.loadGuardian(ctx, tx, *inv.GuardianID); err == nil {
			guardianRate = guardian.HourlyRate
		}
		rate := selector.ResolveRate(inv, guardianRate, s.cfg.DefaultHourlyRate)
		items, err := s.buildItems(ctx, tx, classes, rate)
		if err != nil {
			return err
		}
		inv.Items = append(inv.Items, items...)
		inv.SortItemsChronologically()
		inv.BoundPeriodToItems()

		// A settled invoice keeps its money figures; only coverage-derived
		// state moves.
		if err := s.store.SyncPaidByGuardian(ctx, tx, inv); err != nil {
			return err
		}
		inv.Touch(cmd.Actor, s.clock.Now().UTC())
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}

		afterCommit = func() {
			s.emitAudit(ctx, cmd.Actor, "invoice.coverage_recalculated", inv, nil, map[string]any{"substituted": len(items)})
		}
		return nil
	}

	var err error
	if tx != nil {
		err = run(tx)
	} else {
		err = s.store.Transaction(ctx, run)
	}
	if err == nil && afterCommit != nil {
		afterCommit()
	}
	return err
}

// MaybeAddClassToUnpaidInvoice links an unlinked class to the guardian's
// single draft/pending invoice whose billing window covers the class date.
func (s *Service) MaybeAddClassToUnpaidInvoice(ctx context.Context, tx *gorm.DB, classID snowflake.ID, cmd invoicedomain.Command) error {
	run := func(tx *gorm.DB) error {
		var class lessondomain.Class
		if err := tx.WithContext(ctx).Where("id = ?", classID).First(&class).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		if class.Status.CancelledFamily() || class.Hidden {
			return nil
		}

		// Already on some active invoice: nothing to do.
		holder, err := s.store.InvoiceHoldingClass(ctx, tx, class.GuardianID, classID)
		if err != nil {
			return err
		}
		if holder != nil {
			return nil
		}

		invoices, err := s.store.UnpaidInvoicesForGuardian(ctx, tx, class.GuardianID)
		if err != nil {
			return err
		}
		var target *invoicedomain.Invoice
		for i := range invoices {
			inv := &invoices[i]
			if inv.Status != invoicedomain.StatusDraft && inv.Status != invoicedomain.StatusPending {
				continue
			}
			if inv.IsExcluded(classID) {
				continue
			}
			if inv.PeriodStart != nil && class.ScheduledAt.Before(*inv.PeriodStart) {
				continue
			}
			if inv.PeriodEnd != nil && class.ScheduledAt.After(*inv.PeriodEnd) {
				continue
			}
			if target != nil {
				// Ambiguous: more than one candidate window; leave linking to
				// an explicit admin edit.
				return nil
			}
			target = inv
		}
		if target == nil {
			return nil
		}

		var guardianRate float64
		if guardian, err := s.loadGuardian(ctx, tx, class.GuardianID); err == nil {
			guardianRate = guardian.HourlyRate
		}
		rate := selector.ResolveRate(target, guardianRate, s.cfg.DefaultHourlyRate)
		student, teacher, err := s.partySnapshots(ctx, tx, class)
		if err != nil {
			return err
		}
		target.Items = append(target.Items, invoicedomain.ItemFromClass(class, rate, student, teacher))
		target.SortItemsChronologically()
		target.RecomputeTotals()
		target.BoundPeriodToItems()
		target.Touch(cmd.Actor, s.clock.Now().UTC())
		return s.store.Save(ctx, tx, target)
	}

	if tx != nil {
		return run(tx)
	}
	return s.store.Transaction(ctx, run)
}

// RemoveClassFromOtherUnpaid strips the class from every unpaid invoice
// except keepInvoiceID; run when an invoice containing the class reaches paid.
func (s *Service) RemoveClassFromOtherUnpaid(ctx context.Context, tx *gorm.DB, guardianID, classID snowflake.ID, keepInvoiceID snowflake.ID, cmd invoicedomain.Command) error {
	run := func(tx *gorm.DB) error {
		invoices, err := s.store.UnpaidInvoicesForGuardian(ctx, tx, guardianID)
		if err != nil {
			return err
		}
		for i := range invoices {
			inv := &invoices[i]
			if inv.ID == keepInvoiceID {
				continue
			}
			idx, ok := inv.FindItem(classID, classID.String())
			if !ok {
				continue
			}
			inv.Items = append(inv.Items[:idx], inv.Items[idx+1:]...)
			inv.RecomputeTotals()
			inv.Touch(cmd.Actor, s.clock.Now().UTC())
			if err := s.store.Save(ctx, tx, inv); err != nil {
				return err
			}
			s.log.Info("class removed from unpaid invoice after settlement elsewhere",
				zap.String("class_id", classID.String()),
				zap.String("invoice_id", inv.ID.String()),
			)
		}
		return nil
	}

	if tx != nil {
		return run(tx)
	}
	return s.store.Transaction(ctx, run)
}

// CheckZeroHours is the auto-payg generator: guardians whose balance sits at
// or below their minimum-lesson-duration threshold get a follow-up invoice
// built from the next unbilled lessons.
func (s *Service) CheckZeroHours(ctx context.Context, guardianID snowflake.ID, dryRun bool) ([]invoicedomain.ZeroHourResult, error) {
	var guardians []userdomain.Guardian
	stmt := s.db.WithContext(ctx)
	if guardianID != 0 {
		stmt = stmt.Where("id = ?", guardianID)
	}
	if err := stmt.Find(&guardians).Error; err != nil {
		return nil, err
	}

	results := make([]invoicedomain.ZeroHourResult, 0, len(guardians))
	for _, guardian := range guardians {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		threshold := money.HoursFromMinutes(guardian.MinLessonDurationMinutes)
		if guardian.TotalHours > threshold+money.EpsilonHours {
			continue
		}

		result, err := s.generateFollowUp(ctx, guardian, dryRun)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) generateFollowUp(ctx context.Context, guardian userdomain.Guardian, dryRun bool) (invoicedomain.ZeroHourResult, error) {
	result := invoicedomain.ZeroHourResult{GuardianID: guardian.ID}

	now := s.clock.Now().UTC()
	end := now.AddDate(0, 1, 0)
	window := selector.Window{End: &end}
	classes, err := s.selector.Select(ctx, nil, guardian.ID, window, selector.Options{})
	if err != nil {
		return result, err
	}

	future := classes[:0]
	for _, class := range classes {
		if class.ScheduledAt.After(now) {
			future = append(future, class)
		}
	}
	if len(future) == 0 {
		// Suppressed: the admin is notified, no error surfaces.
		result.Suppressed = true
		result.Reason = invoicedomain.ErrNoFutureClasses.Error()
		if !dryRun {
			target := guardian.ID.String()
			_ = s.auditSvc.Record(ctx, auditdomain.RecordRequest{
				Action:     "invoice.zero_hour_suppressed",
				TargetType: "guardian",
				TargetID:   target,
				Metadata:   map[string]any{"reason": result.Reason},
			})
			s.notifyAdminSuppressed(ctx, guardian)
		}
		return result, nil
	}

	if dryRun {
		return result, nil
	}

	start := future[0].ScheduledAt
	periodEnd := future[len(future)-1].ScheduledAt
	gid := guardian.ID
	inv, err := s.Create(ctx, invoicedomain.CreateRequest{
		Kind:          invoicedomain.KindGuardianInvoice,
		GuardianID:    &gid,
		PeriodStart:   &start,
		PeriodEnd:     &periodEnd,
		AutoGenerated: true,
	}, invoicedomain.Command{})
	if err != nil {
		return result, err
	}
	result.InvoiceID = inv.ID
	return result, nil
}

func (s *Service) notifyAdminSuppressed(ctx context.Context, guardian userdomain.Guardian) {
	if s.email == nil {
		return
	}
	_ = s.email.Send(ctx, email.Notification{
		Kind: "zero_hour_suppressed",
		Payload: map[string]any{
			"guardian_id": guardian.ID.String(),
			"reason":      invoicedomain.ErrNoFutureClasses.Error(),
		},
	})
}

// OverdueTick sweeps unpaid invoices whose due date has passed into the
// overdue state.
func (s *Service) OverdueTick(ctx context.Context, dryRun bool) (int, error) {
	now := s.clock.Now().UTC()
	var invoices []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("status IN ?", []invoicedomain.Status{
			invoicedomain.StatusPending,
			invoicedomain.StatusSent,
			invoicedomain.StatusPartiallyPaid,
		}).
		Where("deleted_at IS NULL").
		Where("due_at IS NOT NULL AND due_at < ?", now).
		Find(&invoices).Error
	if err != nil {
		return 0, err
	}
	if dryRun {
		return len(invoices), nil
	}

	var count int
	for i := range invoices {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		inv := &invoices[i]
		err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
			fresh, err := s.store.LoadForUpdate(ctx, tx, inv.ID)
			if err != nil {
				return err
			}
			if !fresh.CanTrigger(invoicedomain.TriggerOverdueTick) {
				return nil
			}
			if _, err := fresh.Transition(invoicedomain.TriggerOverdueTick, now); err != nil {
				return err
			}
			fresh.PushActivity(invoicedomain.ActivityEntry{Action: "overdue", At: now})
			fresh.Touch(0, now)
			if err := s.store.Save(ctx, tx, fresh); err != nil {
				return err
			}
			count++
			return s.publishTx(ctx, tx, events.EventInvoiceUpdated, fresh)
		})
		if err != nil {
			s.log.Warn("overdue tick failed", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
		}
	}
	return count, nil
}

// ResequenceUnpaid reassigns sequence numbers of unpaid invoices in creation
// order; the only sanctioned sequence reuse.
func (s *Service) ResequenceUnpaid(ctx context.Context, dryRun bool, cmd invoicedomain.Command) (int, error) {
	var count int
	var audits []func()
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var invoices []invoicedomain.Invoice
		err := tx.WithContext(ctx).
			Where("status IN ?", []invoicedomain.Status{
				invoicedomain.StatusDraft,
				invoicedomain.StatusPending,
				invoicedomain.StatusSent,
				invoicedomain.StatusOverdue,
			}).
			Where("deleted_at IS NULL").
			Order("created_at ASC").
			Find(&invoices).Error
		if err != nil {
			return err
		}

		for i := range invoices {
			if err := ctx.Err(); err != nil {
				return err
			}
			inv := &invoices[i]
			if dryRun {
				count++
				continue
			}
			seq, err := s.allocator.AllocateNext(ctx, tx, string(inv.Kind))
			if err != nil {
				return err
			}
			before := map[string]any{
				"sequence":       inv.Sequence,
				"invoice_number": inv.InvoiceNumber,
			}
			inv.Sequence = seq
			inv.InvoiceNumber = invoiceformat.Number(inv.Kind, seq)
			if !inv.ManualName {
				inv.DisplayName = invoiceformat.Name(inv.Kind, seq, inv.PeriodStart)
			}
			inv.Touch(cmd.Actor, s.clock.Now().UTC())
			if err := s.store.Save(ctx, tx, inv); err != nil {
				return err
			}
			audits = append(audits, func() {
				s.emitAudit(ctx, cmd.Actor, "invoice.resequence", inv, before, map[string]any{
					"sequence":       inv.Sequence,
					"invoice_number": inv.InvoiceNumber,
				})
			})
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, audit := range audits {
		audit()
	}
	return count, nil
}

