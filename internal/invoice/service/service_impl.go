package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/waraqaweb/billingcore/internal/audit/domain"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/internal/config"
	"github.com/waraqaweb/billingcore/internal/events"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	invoiceformat "github.com/waraqaweb/billingcore/internal/invoice/format"
	"github.com/waraqaweb/billingcore/internal/invoice/snapshot"
	"github.com/waraqaweb/billingcore/internal/invoice/store"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"github.com/waraqaweb/billingcore/internal/lesson/selector"
	"github.com/waraqaweb/billingcore/internal/money"
	"github.com/waraqaweb/billingcore/internal/providers/email"
	"github.com/waraqaweb/billingcore/internal/sequence"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
	"github.com/waraqaweb/billingcore/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.BillingConfig
	Store     *store.Store
	Allocator *sequence.Allocator
	Selector  *selector.Selector
	AuditSvc  auditdomain.Service
	Outbox    *events.Outbox `optional:"true"`
	Email     email.Provider
	Metrics   *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   config.BillingConfig

	store     *store.Store
	allocator *sequence.Allocator
	selector  *selector.Selector
	auditSvc  auditdomain.Service
	outbox    *events.Outbox
	email     email.Provider
	metrics   *telemetry.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Cfg,
		store:     p.Store,
		allocator: p.Allocator,
		selector:  p.Selector,
		auditSvc:  p.AuditSvc,
		outbox:    p.Outbox,
		email:     p.Email,
		metrics:   p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req invoicedomain.CreateRequest, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	if req.Kind == "" {
		req.Kind = invoicedomain.KindGuardianInvoice
	}
	if req.Kind == invoicedomain.KindGuardianInvoice && req.GuardianID == nil {
		return nil, fmt.Errorf("%w: guardian required", invoicedomain.ErrValidation)
	}
	if req.Kind == invoicedomain.KindTeacherPayment && req.TeacherID == nil {
		return nil, fmt.Errorf("%w: teacher required", invoicedomain.ErrValidation)
	}

	var created *invoicedomain.Invoice
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()

		seq, err := s.allocator.AllocateNext(ctx, tx, string(req.Kind))
		if err != nil {
			return err
		}
		entropy := ulid.MustNew(ulid.Timestamp(now), ulidEntropy(s.genID.Generate()))
		ids := invoiceformat.BuildIdentifiers(req.Kind, seq, req.PeriodStart, entropy)

		inv := &invoicedomain.Invoice{
			ID:            s.genID.Generate(),
			Kind:          req.Kind,
			Sequence:      ids.Sequence,
			InvoiceNumber: ids.InvoiceNumber,
			DisplayName:   ids.InvoiceName,
			Slug:          ids.Slug,
			GuardianID:    req.GuardianID,
			TeacherID:     req.TeacherID,
			CreatedBy:     cmd.Actor,
			UpdatedBy:     cmd.Actor,
			PeriodStart:   req.PeriodStart,
			PeriodEnd:     req.PeriodEnd,
			Notes:         req.Notes,
			Status:        invoicedomain.StatusDraft,
			DueAt:         req.DueAt,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if req.AutoGenerated {
			inv.Status = invoicedomain.StatusPending
		}
		if req.DisplayName != "" {
			inv.DisplayName = req.DisplayName
			inv.ManualName = true
			if manualSeq, ok := invoiceformat.SequenceFromName(req.DisplayName); ok {
				if err := s.allocator.EnsureAtLeast(ctx, tx, string(req.Kind), manualSeq); err != nil {
					return err
				}
			}
		}
		if req.PeriodStart != nil {
			inv.PeriodMonth = int(req.PeriodStart.Month())
			inv.PeriodYear = req.PeriodStart.Year()
		}
		if req.Coverage != nil {
			inv.Coverage = *req.Coverage
		} else {
			inv.Coverage = invoicedomain.Coverage{Strategy: invoicedomain.CoverageFullPeriod}
		}
		if inv.DueAt == nil {
			due := now.AddDate(0, 0, s.cfg.DueDays)
			inv.DueAt = &due
		}

		if req.Kind == invoicedomain.KindGuardianInvoice {
			guardian, err := s.loadGuardian(ctx, tx, *req.GuardianID)
			if err != nil {
				return err
			}
			inv.Snapshot = snapshot.BuildGuardianFinancialSnapshot(*guardian)

			window := selector.Window{Start: req.PeriodStart, End: req.PeriodEnd}
			classes, err := s.selector.Select(ctx, tx, guardian.ID, window, selector.Options{
				StudentAllowList: req.StudentAllowList,
				CoverageCapHours: inv.Coverage.MaxHours,
				ExcludeClassIDs:  inv.ExcludedClassIDs,
			})
			if err != nil {
				return err
			}
			rate := selector.ResolveRate(inv, guardian.HourlyRate, s.cfg.DefaultHourlyRate)
			items, err := s.buildItems(ctx, tx, classes, rate)
			if err != nil {
				return err
			}
			inv.Items = items
			inv.BoundPeriodToItems()
		}

		inv.RecomputeTotals()
		inv.PushActivity(invoicedomain.ActivityEntry{
			ActorID: cmd.Actor,
			Action:  "created",
			At:      now,
		})

		if err := s.store.Insert(ctx, tx, inv); err != nil {
			return err
		}
		created = inv

		return s.publishTx(ctx, tx, events.EventInvoiceCreated, inv)
	})
	if err != nil {
		return nil, err
	}

	s.emitAudit(ctx, cmd.Actor, "invoice.create", created, nil, map[string]any{
		"status": string(created.Status),
	})
	s.metrics.InvoiceCreated(string(created.Kind), origin(created.Status))
	return created, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListRequest) (invoicedomain.ListResponse, error) {
	stmt := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{})

	if req.Deleted {
		stmt = stmt.Where("deleted_at IS NOT NULL")
	} else {
		stmt = stmt.Where("deleted_at IS NULL")
	}

	switch req.Status {
	case "":
	case "paid":
		stmt = stmt.Where("status IN ?", []invoicedomain.Status{invoicedomain.StatusPaid, invoicedomain.StatusPartiallyPaid, invoicedomain.StatusRefunded})
	case "unpaid":
		stmt = stmt.Where("status IN ?", []invoicedomain.Status{invoicedomain.StatusDraft, invoicedomain.StatusPending, invoicedomain.StatusSent, invoicedomain.StatusOverdue})
	default:
		stmt = stmt.Where("status = ?", req.Status)
	}
	if req.Kind != "" {
		stmt = stmt.Where("kind = ?", req.Kind)
	}
	if req.GuardianID != nil {
		stmt = stmt.Where("guardian_id = ?", *req.GuardianID)
	}
	if req.TeacherID != nil {
		stmt = stmt.Where("teacher_id = ?", *req.TeacherID)
	}
	if req.Search != "" {
		needle := "%" + strings.TrimSpace(req.Search) + "%"
		stmt = stmt.Where("invoice_number LIKE ? OR display_name LIKE ? OR slug LIKE ?", needle, needle, needle)
	}
	if req.DateFrom != nil {
		stmt = stmt.Where("created_at >= ?", *req.DateFrom)
	}
	if req.DateTo != nil {
		stmt = stmt.Where("created_at <= ?", *req.DateTo)
	}

	switch {
	case req.SmartSort:
		// Ordered in memory below.
	case req.Status == "unpaid":
		stmt = stmt.Order("due_at ASC")
	case req.Status == "paid":
		stmt = stmt.Order("paid_at DESC")
	default:
		stmt = stmt.Order("created_at DESC")
	}

	var invoices []invoicedomain.Invoice
	if err := stmt.Find(&invoices).Error; err != nil {
		return invoicedomain.ListResponse{}, err
	}

	if req.SmartSort {
		sort.SliceStable(invoices, func(i, j int) bool {
			iu, ju := !invoices[i].Status.Settled(), !invoices[j].Status.Settled()
			if iu != ju {
				return iu
			}
			return effectiveSortDate(invoices[i]).After(effectiveSortDate(invoices[j]))
		})
	}

	size := req.PageSize
	if size <= 0 {
		size = 10
	}
	hasMore := len(invoices) > size
	if hasMore {
		invoices = invoices[:size]
	}

	resp := invoicedomain.ListResponse{Invoices: invoices}
	resp.HasMore = hasMore
	return resp, nil
}

func (s *Service) GetByIdentifier(ctx context.Context, identifier string) (*invoicedomain.Invoice, error) {
	return s.store.LoadByIdentifier(ctx, nil, identifier)
}

func (s *Service) UpdateMeta(ctx context.Context, id snowflake.ID, req invoicedomain.UpdateMetaRequest, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	var before, after map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		// Money-bearing fields are frozen on settled invoices.
		if inv.Status.Settled() && (req.LateFee != nil || req.Discount != nil) && !cmd.AllowPaidModification {
			return invoicedomain.ErrItemsFrozen
		}

		before = map[string]any{}
		after = map[string]any{}

		if req.DisplayName != nil && *req.DisplayName != inv.DisplayName {
			before["display_name"] = inv.DisplayName
			inv.DisplayName = *req.DisplayName
			inv.ManualName = true
			after["display_name"] = inv.DisplayName
			if manualSeq, ok := invoiceformat.SequenceFromName(*req.DisplayName); ok {
				if err := s.allocator.EnsureAtLeast(ctx, tx, string(inv.Kind), manualSeq); err != nil {
					return err
				}
			}
		}
		if req.Notes != nil && *req.Notes != inv.Notes {
			before["notes"] = inv.Notes
			inv.Notes = *req.Notes
			after["notes"] = inv.Notes
		}
		if req.DueAt != nil {
			before["due_at"] = inv.DueAt
			inv.DueAt = req.DueAt
			after["due_at"] = inv.DueAt
		}
		if req.LateFee != nil {
			before["late_fee"] = inv.LateFee
			inv.LateFee = money.Round2(*req.LateFee)
			after["late_fee"] = inv.LateFee
		}
		if req.Discount != nil {
			before["discount"] = inv.Discount
			inv.Discount = money.Round2(*req.Discount)
			after["discount"] = inv.Discount
		}
		if len(after) == 0 {
			updated = inv
			return nil
		}

		if !cmd.SkipRecalculate {
			inv.RecomputeTotals()
		}
		inv.Touch(cmd.Actor, s.clock.Now().UTC())
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		return s.publishTx(ctx, tx, events.EventInvoiceUpdated, inv)
	})
	if err != nil {
		return nil, err
	}
	if len(after) > 0 {
		s.emitAudit(ctx, cmd.Actor, "invoice.update", updated, before, after)
	}
	return updated, nil
}

func (s *Service) UpdateCoverage(ctx context.Context, id snowflake.ID, req invoicedomain.CoverageUpdateRequest, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	var before map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if inv.Status == invoicedomain.StatusCancelled || inv.Status == invoicedomain.StatusRefunded {
			return invoicedomain.ErrIllegalTransition
		}

		before = map[string]any{"coverage": inv.Coverage}
		inv.Coverage = req.Coverage

		if req.Resnapshot && inv.GuardianID != nil {
			guardian, err := s.loadGuardian(ctx, tx, *inv.GuardianID)
			if err != nil {
				return err
			}
			inv.Snapshot = snapshot.BuildGuardianFinancialSnapshot(*guardian)
		}

		switch {
		case req.PreviewTotals != nil:
			applyPreview(inv, *req.PreviewTotals)
		case inv.HasPayments():
			// Payments exist and no preview totals were supplied: skip the
			// automatic recalculation so a settled invoice is not inflated.
			s.log.Info("coverage updated without recalculation",
				zap.String("invoice_id", inv.ID.String()))
		default:
			inv.RecomputeTotals()
		}

		inv.Touch(cmd.Actor, s.clock.Now().UTC())
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		return s.publishTx(ctx, tx, events.EventInvoiceUpdated, inv)
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, cmd.Actor, "invoice.coverage_update", updated, before, map[string]any{"coverage": updated.Coverage})
	return updated, nil
}

func (s *Service) ApplyPreviewTotals(ctx context.Context, id snowflake.ID, totals invoicedomain.PreviewTotals, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		applyPreview(inv, totals)
		inv.Touch(cmd.Actor, s.clock.Now().UTC())
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		return s.publishTx(ctx, tx, events.EventInvoiceUpdated, inv)
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, cmd.Actor, "invoice.snapshot_totals", updated, nil, map[string]any{
		"subtotal": updated.Subtotal,
		"total":    updated.Total,
	})
	return updated, nil
}

func (s *Service) EditItems(ctx context.Context, id snowflake.ID, req invoicedomain.ItemEditRequest, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	var before, after map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !inv.Status.ItemsMutable() && !cmd.AllowPaidModification {
			return invoicedomain.ErrItemsFrozen
		}

		// The full item snapshot makes the entry reversible via Rollback.
		before = map[string]any{
			"items_snapshot": itemsSnapshot(inv.Items),
			"subtotal":       inv.Subtotal,
		}

		if err := s.applyItemEdits(ctx, tx, inv, req, cmd); err != nil {
			return err
		}

		if !cmd.SkipRecalculate {
			inv.RecomputeTotals()
		}
		inv.BoundPeriodToItems()
		inv.Touch(cmd.Actor, s.clock.Now().UTC())
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		after = map[string]any{"items": len(inv.Items), "subtotal": inv.Subtotal}
		return s.publishTx(ctx, tx, events.EventInvoiceUpdated, inv)
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, cmd.Actor, "item_update", updated, before, after)
	return updated, nil
}

// PreviewItems runs the same edit pipeline without persisting.
func (s *Service) PreviewItems(ctx context.Context, id snowflake.ID, req invoicedomain.ItemEditRequest) (*invoicedomain.Invoice, error) {
	inv, err := s.store.Load(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if err := s.applyItemEdits(ctx, nil, inv, req, invoicedomain.Command{AllowPaidModification: true}); err != nil {
		return nil, err
	}
	inv.RecomputeTotals()
	return inv, nil
}

func (s *Service) MarkSent(ctx context.Context, id snowflake.ID, req invoicedomain.SendRequest, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		hash := sha256.Sum256([]byte(req.Message))
		entry := invoicedomain.DeliveryEntry{
			Channel:     req.Channel,
			Status:      "sent",
			TemplateID:  req.TemplateID,
			Attempt:     deliveryAttempt(inv.DeliveryLog, req.Channel),
			MessageHash: hex.EncodeToString(hash[:]),
			At:          now,
		}
		inv.DeliveryLog = append(inv.DeliveryLog, entry)

		if inv.CanTrigger(invoicedomain.TriggerMarkSent) {
			if _, err := inv.Transition(invoicedomain.TriggerMarkSent, now); err != nil {
				return err
			}
			inv.PushActivity(invoicedomain.ActivityEntry{ActorID: cmd.Actor, Action: "sent", At: now})
		}

		inv.Touch(cmd.Actor, now)
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		return s.publishTx(ctx, tx, events.EventInvoiceUpdated, inv)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "invoice_sent", updated)
	s.emitAudit(ctx, cmd.Actor, "invoice.send", updated, nil, map[string]any{"channel": req.Channel})
	return updated, nil
}

func (s *Service) MarkUnpaid(ctx context.Context, id snowflake.ID, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	var before map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !inv.HasPayments() {
			return invoicedomain.ErrNoPayments
		}
		if !inv.CanTrigger(invoicedomain.TriggerRevertPayments) {
			return invoicedomain.ErrIllegalTransition
		}

		now := s.clock.Now().UTC()
		before = map[string]any{
			"status":      string(inv.Status),
			"paid_amount": inv.PaidAmount,
		}

		inv.PaymentLog = nil
		inv.Coverage.MaxHours = nil
		if _, err := inv.Transition(invoicedomain.TriggerRevertPayments, now); err != nil {
			return err
		}
		inv.RecomputeTotals()
		inv.PushActivity(invoicedomain.ActivityEntry{ActorID: cmd.Actor, Action: "marked_unpaid", At: now})
		inv.Touch(cmd.Actor, now)

		// Classes covered by this invoice lose the paid flag.
		if err := s.store.ClearPaidByGuardian(ctx, tx, inv); err != nil {
			return err
		}
		// Drop stale payment idempotency records so the same payment can be
		// re-applied after the revert.
		if err := tx.WithContext(ctx).Exec(`DELETE FROM payments WHERE invoice_id = ?`, inv.ID).Error; err != nil {
			return err
		}

		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		return s.publishTx(ctx, tx, events.EventInvoiceUpdated, inv)
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, cmd.Actor, "invoice.mark_unpaid", updated, before, map[string]any{
		"status":      string(updated.Status),
		"paid_amount": updated.PaidAmount,
	})
	return updated, nil
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	var before invoicedomain.Status
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		before = inv.Status
		now := s.clock.Now().UTC()
		if _, err := inv.Transition(invoicedomain.TriggerCancel, now); err != nil {
			return err
		}
		inv.PushActivity(invoicedomain.ActivityEntry{ActorID: cmd.Actor, Action: "cancelled", At: now})
		inv.Touch(cmd.Actor, now)
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		return s.publishTx(ctx, tx, events.EventInvoiceUpdated, inv)
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, cmd.Actor, "invoice.cancel", updated,
		map[string]any{"status": string(before)},
		map[string]any{"status": string(updated.Status)})
	return updated, nil
}

func (s *Service) SoftDelete(ctx context.Context, id snowflake.ID, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		actor := cmd.Actor
		inv.DeletedAt = &now
		inv.DeletedBy = &actor
		inv.RestoredAt = nil
		inv.RestoredBy = nil
		inv.Touch(cmd.Actor, now)
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		return s.publishTx(ctx, tx, events.EventInvoiceDeleted, inv)
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, cmd.Actor, "invoice.delete", updated, nil, nil)
	return updated, nil
}

func (s *Service) Restore(ctx context.Context, id snowflake.ID, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if inv.DeletedAt == nil {
			return invoicedomain.ErrNotDeleted
		}
		now := s.clock.Now().UTC()
		actor := cmd.Actor
		inv.DeletedAt = nil
		inv.DeletedBy = nil
		inv.RestoredAt = &now
		inv.RestoredBy = &actor
		inv.Touch(cmd.Actor, now)
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		return s.publishTx(ctx, tx, events.EventInvoiceRestored, inv)
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, cmd.Actor, "invoice.restore", updated, nil, nil)
	return updated, nil
}

func (s *Service) PermanentDelete(ctx context.Context, id snowflake.ID, cmd invoicedomain.Command) error {
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if inv.DeletedAt == nil {
			return invoicedomain.ErrNotDeleted
		}
		if err := s.store.Delete(ctx, tx, id); err != nil {
			return err
		}
		return s.publishTx(ctx, tx, events.EventInvoicePermanentlyDeleted, inv)
	})
	if err != nil {
		return err
	}
	target := id.String()
	_ = s.auditSvc.Record(ctx, auditdomain.RecordRequest{
		ActorID:    actorRef(cmd.Actor),
		Action:     "invoice.permanent_delete",
		TargetType: "invoice",
		TargetID:   target,
	})
	return nil
}

// Rollback reverses one audit entry by re-applying its before-image.
// Supported for item_update entries only.
func (s *Service) Rollback(ctx context.Context, id snowflake.ID, auditEntryID snowflake.ID, cmd invoicedomain.Command) (*invoicedomain.Invoice, error) {
	entry, err := s.auditSvc.Get(ctx, auditEntryID)
	if err != nil {
		return nil, err
	}
	if entry.Action != "item_update" {
		return nil, fmt.Errorf("%w: only item_update entries can be rolled back", invoicedomain.ErrValidation)
	}
	if entry.TargetID == nil || *entry.TargetID != id.String() {
		return nil, fmt.Errorf("%w: audit entry belongs to another invoice", invoicedomain.ErrValidation)
	}

	var updated *invoicedomain.Invoice
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if itemsRaw, ok := entry.Before["items_snapshot"]; ok {
			items, err := decodeItems(itemsRaw)
			if err != nil {
				return err
			}
			inv.Items = items
		}
		now := s.clock.Now().UTC()
		inv.RecomputeTotals()
		inv.PushActivity(invoicedomain.ActivityEntry{ActorID: cmd.Actor, Action: "rollback", At: now})
		inv.Touch(cmd.Actor, now)
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}
		updated = inv
		return s.publishTx(ctx, tx, events.EventInvoiceUpdated, inv)
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, cmd.Actor, "invoice.rollback", updated, nil, map[string]any{
		"audit_entry_id": auditEntryID.String(),
	})
	return updated, nil
}

func (s *Service) Stats(ctx context.Context) (invoicedomain.Stats, error) {
	stats := invoicedomain.Stats{CountsByStatus: map[invoicedomain.Status]int64{}}

	var rows []struct {
		Status invoicedomain.Status
		Count  int64
		Total  float64
		Paid   float64
	}
	err := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(total), 0) AS total, COALESCE(SUM(paid_amount), 0) AS paid").
		Where("deleted_at IS NULL").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return stats, err
	}

	for _, row := range rows {
		stats.CountsByStatus[row.Status] = row.Count
		stats.TotalInvoiced = money.Round2(stats.TotalInvoiced + row.Total)
		stats.OutstandingBalance = money.Round2(stats.OutstandingBalance + money.ClampMin(row.Total-row.Paid, 0))
	}

	now := s.clock.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var paidThisMonth float64
	err = s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Select("COALESCE(SUM(paid_amount), 0)").
		Where("deleted_at IS NULL AND paid_at >= ?", monthStart).
		Scan(&paidThisMonth).Error
	if err != nil {
		return stats, err
	}
	stats.PaidThisMonth = money.Round2(paidThisMonth)
	return stats, nil
}

// --- helpers ---

func (s *Service) loadGuardian(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*userdomain.Guardian, error) {
	var guardian userdomain.Guardian
	err := tx.WithContext(ctx).Where("id = ?", id).First(&guardian).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: guardian %s", invoicedomain.ErrValidation, id)
		}
		return nil, err
	}
	return &guardian, nil
}

// buildItems freezes classes and their parties into line items.
func (s *Service) buildItems(ctx context.Context, tx *gorm.DB, classes []lessondomain.Class, rate float64) ([]invoicedomain.LineItem, error) {
	items := make([]invoicedomain.LineItem, 0, len(classes))
	for _, class := range classes {
		student, teacher, err := s.partySnapshots(ctx, tx, class)
		if err != nil {
			return nil, err
		}
		items = append(items, invoicedomain.ItemFromClass(class, rate, student, teacher))
	}
	return items, nil
}

func (s *Service) partySnapshots(ctx context.Context, tx *gorm.DB, class lessondomain.Class) (invoicedomain.PartySnapshot, invoicedomain.PartySnapshot, error) {
	conn := tx
	if conn == nil {
		conn = s.db
	}
	var student userdomain.Student
	if err := conn.WithContext(ctx).Where("id = ?", class.StudentID).First(&student).Error; err != nil && err != gorm.ErrRecordNotFound {
		return invoicedomain.PartySnapshot{}, invoicedomain.PartySnapshot{}, err
	}
	var teacher userdomain.Teacher
	if err := conn.WithContext(ctx).Where("id = ?", class.TeacherID).First(&teacher).Error; err != nil && err != gorm.ErrRecordNotFound {
		return invoicedomain.PartySnapshot{}, invoicedomain.PartySnapshot{}, err
	}
	return snapshot.PartySnapshotFor(student.FirstName, student.LastName, student.Email),
		snapshot.PartySnapshotFor(teacher.FirstName, teacher.LastName, teacher.Email), nil
}

// applyItemEdits mutates the item list per the request: removals, additions
// (with duplicate detection against other active invoices), then patches.
func (s *Service) applyItemEdits(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, req invoicedomain.ItemEditRequest, cmd invoicedomain.Command) error {
	conn := tx
	if conn == nil {
		conn = s.db
	}

	for _, classID := range req.RemoveClassIDs {
		if idx, ok := inv.FindItem(classID, classID.String()); ok {
			inv.Items = append(inv.Items[:idx], inv.Items[idx+1:]...)
			inv.ExcludedClassIDs = append(inv.ExcludedClassIDs, classID)
		}
	}

	for _, classID := range req.AddClassIDs {
		if _, ok := inv.FindItem(classID, classID.String()); ok {
			continue
		}
		var class lessondomain.Class
		if err := conn.WithContext(ctx).Where("id = ?", classID).First(&class).Error; err != nil {
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
				if !cmd.TransferOnDuplicate || !holder.Status.ItemsMutable() {
					return &invoicedomain.ConflictingInvoice{
						InvoiceID:     holder.ID.String(),
						InvoiceNumber: holder.InvoiceNumber,
					}
				}
				if err := s.removeClassFromInvoice(ctx, tx, holder, classID, cmd); err != nil {
					return err
				}
			}
		}

		var guardianRate float64
		if inv.GuardianID != nil {
			if guardian, err := s.loadGuardian(ctx, conn, *inv.GuardianID); err == nil {
				guardianRate = guardian.HourlyRate
			}
		}
		rate := selector.ResolveRate(inv, guardianRate, s.cfg.DefaultHourlyRate)
		student, teacher, err := s.partySnapshots(ctx, conn, class)
		if err != nil {
			return err
		}
		inv.Items = append(inv.Items, invoicedomain.ItemFromClass(class, rate, student, teacher))
	}

	for _, patch := range req.UpdateItems {
		idx, ok := inv.FindItem(patch.ClassID, patch.ClassID.String())
		if !ok {
			continue
		}
		item := &inv.Items[idx]
		if patch.DurationMinutes != nil {
			item.DurationMinutes = *patch.DurationMinutes
			item.Amount = money.Amount(item.Rate, item.DurationMinutes)
		}
		if patch.Attended != nil {
			item.Attended = *patch.Attended
		}
		if patch.Description != nil {
			item.Description = *patch.Description
		}
	}

	inv.SortItemsChronologically()
	return nil
}

func (s *Service) removeClassFromInvoice(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, classID snowflake.ID, cmd invoicedomain.Command) error {
	idx, ok := inv.FindItem(classID, classID.String())
	if !ok {
		return nil
	}
	inv.Items = append(inv.Items[:idx], inv.Items[idx+1:]...)
	inv.RecomputeTotals()
	inv.Touch(cmd.Actor, s.clock.Now().UTC())
	return s.store.Save(ctx, tx, inv)
}

func (s *Service) publishTx(ctx context.Context, tx *gorm.DB, eventType string, inv *invoicedomain.Invoice) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type: eventType,
		Payload: map[string]any{
			"invoice_id":     inv.ID.String(),
			"invoice_number": inv.InvoiceNumber,
			"status":         string(inv.Status),
			"total":          inv.Total,
			"paid_amount":    inv.PaidAmount,
		},
		DedupeKey: fmt.Sprintf("%s:%s:%d", eventType, inv.ID, inv.Version),
	})
}

func (s *Service) emitAudit(ctx context.Context, actor snowflake.ID, action string, inv *invoicedomain.Invoice, before, after map[string]any) {
	if s.auditSvc == nil || inv == nil {
		return
	}
	target := inv.ID.String()
	metadata := map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"kind":           string(inv.Kind),
	}
	_ = s.auditSvc.Record(ctx, auditdomain.RecordRequest{
		ActorID:    actorRef(actor),
		Action:     action,
		TargetType: "invoice",
		TargetID:   target,
		Before:     before,
		After:      after,
		Metadata:   metadata,
	})
}

func (s *Service) notify(ctx context.Context, kind string, inv *invoicedomain.Invoice) {
	if s.email == nil || inv == nil {
		return
	}
	// Fire-and-forget; the core never awaits delivery outcome.
	n := email.Notification{
		Kind:       kind,
		ActionLink: "/invoices/" + inv.Slug,
		Payload: map[string]any{
			"invoice_number": inv.InvoiceNumber,
			"total":          inv.Total,
			"status":         string(inv.Status),
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.email.Send(ctx, n); err != nil {
			s.log.Warn("notification post failed", zap.String("kind", kind), zap.Error(err))
		}
	}()
}

func applyPreview(inv *invoicedomain.Invoice, totals invoicedomain.PreviewTotals) {
	inv.Subtotal = money.Round2(totals.Subtotal)
	inv.LateFee = money.Round2(totals.LateFee)
	inv.Discount = money.Round2(totals.Discount)
	inv.Tip = money.Round2(totals.Tip)
	inv.Total = money.Round2(totals.Total)
	inv.AdjustedTotal = inv.Total
	inv.PaidAmount = inv.DerivedPaidAmount()
}

func effectiveSortDate(inv invoicedomain.Invoice) time.Time {
	if inv.Status.Settled() && inv.PaidAt != nil {
		return *inv.PaidAt
	}
	if inv.DueAt != nil {
		return *inv.DueAt
	}
	return inv.CreatedAt
}

func deliveryAttempt(log []invoicedomain.DeliveryEntry, channel string) int {
	attempt := 1
	for _, entry := range log {
		if entry.Channel == channel {
			attempt++
		}
	}
	return attempt
}

func origin(status invoicedomain.Status) string {
	if status == invoicedomain.StatusPending {
		return "auto"
	}
	return "manual"
}

func actorRef(actor snowflake.ID) *snowflake.ID {
	if actor == 0 {
		return nil
	}
	return &actor
}

func decodeItems(raw any) ([]invoicedomain.LineItem, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: malformed items snapshot", invoicedomain.ErrValidation)
	}
	// Audit JSON columns decode numbers as json.Number.
	number := func(v any) (float64, bool) {
		switch n := v.(type) {
		case float64:
			return n, true
		case json.Number:
			f, err := n.Float64()
			return f, err == nil
		}
		return 0, false
	}
	items := make([]invoicedomain.LineItem, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: malformed items snapshot", invoicedomain.ErrValidation)
		}
		item := invoicedomain.LineItem{}
		if v, ok := m["lesson_id"].(string); ok {
			item.LessonID = v
			if id, err := snowflake.ParseString(v); err == nil {
				item.ClassID = id
			}
		}
		if v, ok := m["description"].(string); ok {
			item.Description = v
		}
		if v, ok := number(m["duration_minutes"]); ok {
			item.DurationMinutes = v
		}
		if v, ok := number(m["rate"]); ok {
			item.Rate = v
		}
		if v, ok := number(m["amount"]); ok {
			item.Amount = v
		}
		if v, ok := m["attended"].(bool); ok {
			item.Attended = v
		}
		if v, ok := m["date"].(string); ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				item.Date = t
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func itemsSnapshot(items []invoicedomain.LineItem) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"lesson_id":        item.LessonID,
			"description":      item.Description,
			"date":             item.Date.Format(time.RFC3339),
			"duration_minutes": item.DurationMinutes,
			"rate":             item.Rate,
			"amount":           item.Amount,
			"attended":         item.Attended,
		})
	}
	return out
}

func ulidEntropy(id snowflake.ID) *ulidReader {
	return &ulidReader{seed: uint64(id)}
}

// ulidReader derives ULID entropy from the snowflake stream so slug
// generation never reaches for a global randomness source.
type ulidReader struct {
	seed uint64
}

func (r *ulidReader) Read(p []byte) (int, error) {
	for i := range p {
		r.seed = r.seed*6364136223846793005 + 1442695040888963407
		p[i] = byte(r.seed >> 33)
	}
	return len(p), nil
}
