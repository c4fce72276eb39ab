package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/waraqaweb/billingcore/internal/audit/domain"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/internal/config"
	"github.com/waraqaweb/billingcore/internal/events"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"github.com/waraqaweb/billingcore/internal/invoice/store"
	ledgerdomain "github.com/waraqaweb/billingcore/internal/ledger/domain"
	"github.com/waraqaweb/billingcore/internal/lesson/selector"
	"github.com/waraqaweb/billingcore/internal/money"
	paymentdomain "github.com/waraqaweb/billingcore/internal/payment/domain"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
	"github.com/waraqaweb/billingcore/pkg/db"
	"github.com/waraqaweb/billingcore/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// fingerprintWindow is how close two otherwise-identical payments must land
// to be treated as the same request arriving twice.
const fingerprintWindow = 30 * time.Second

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.BillingConfig
	Store      *store.Store
	LedgerSvc  ledgerdomain.Service
	InvoiceSvc invoicedomain.Service
	AuditSvc   auditdomain.Service
	Outbox     *events.Outbox     `optional:"true"`
	Metrics    *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.BillingConfig
	store      *store.Store
	ledgerSvc  ledgerdomain.Service
	invoiceSvc invoicedomain.Service
	auditSvc   auditdomain.Service
	outbox     *events.Outbox
	metrics    *telemetry.Metrics
}

func NewService(p Params) paymentdomain.Applier {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.applier"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		store:      p.Store,
		ledgerSvc:  p.LedgerSvc,
		invoiceSvc: p.InvoiceSvc,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		metrics:    p.Metrics,
	}
}

// Apply runs the payment application algorithm. Duplicates in any of the
// three idempotency layers return success with the current snapshot.
func (s *Service) Apply(ctx context.Context, invoiceID snowflake.ID, req paymentdomain.Request, cmd invoicedomain.Command) (*paymentdomain.Result, error) {
	if req.Method == "" {
		req.Method = invoicedomain.MethodManual
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	// Step 1: load; already-settled invoices answer duplicate-success.
	inv, err := s.store.Load(ctx, nil, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == invoicedomain.StatusPaid || (inv.HasPayments() && inv.RemainingBalance() <= 0) {
		s.metrics.PaymentApplied("duplicate")
		return &paymentdomain.Result{Invoice: inv, Duplicate: true}, nil
	}

	// Step 2a: persist the pending Payment record; the unique indexes turn a
	// racing duplicate insert into a conflict we convert to success.
	record, prior, err := s.insertPaymentRecord(ctx, inv, req)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.Status == paymentdomain.StatusApplied {
			// Step 2b: an applied record answers with the prior result.
			s.metrics.PaymentApplied("duplicate")
			return &paymentdomain.Result{Invoice: inv, Duplicate: true}, nil
		}
		// A pending record is a crashed or conflicted earlier attempt with
		// the same key: resume it instead of refusing.
		record = prior
	}

	// Step 2c: fingerprint scan over the existing log.
	now := s.clock.Now().UTC()
	if matchesFingerprint(inv.PaymentLog, req, now) {
		s.metrics.PaymentApplied("duplicate")
		return &paymentdomain.Result{Invoice: inv, Duplicate: true}, nil
	}

	var result *paymentdomain.Result
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		// Step 4: fresh re-check under the row lock; a racing request may
		// have landed between steps 1 and 3.
		fresh, err := s.store.LoadForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if fresh.Status == invoicedomain.StatusPaid || (fresh.HasPayments() && fresh.RemainingBalance() <= 0) {
			result = &paymentdomain.Result{Invoice: fresh, Duplicate: true}
			return nil
		}
		if matchesFingerprint(fresh.PaymentLog, req, now) {
			result = &paymentdomain.Result{Invoice: fresh, Duplicate: true}
			return nil
		}

		var guardian *userdomain.Guardian
		if fresh.GuardianID != nil {
			guardian, err = s.loadGuardian(ctx, tx, *fresh.GuardianID)
			if err != nil {
				return err
			}
		}

		// Step 3: normalise amount ↔ hours against the resolved rate.
		var guardianRate float64
		if guardian != nil {
			guardianRate = guardian.HourlyRate
		}
		rate := selector.ResolveRate(fresh, guardianRate, s.cfg.DefaultHourlyRate)
		amount, paidHours, err := normalise(fresh, req, rate)
		if err != nil {
			return err
		}

		remainingBefore := fresh.RemainingBalance()

		// Step 5: advance coverage over the class-linked items.
		var creditHours float64
		if len(fresh.Items) > 0 {
			creditHours = s.advanceCoverage(fresh, paidHours)
		} else if paidHours > 0 {
			creditHours = paidHours
		}

		// Step 6: append the log entry and advance the state machine.
		processedAt := now
		if req.PaidAt != nil {
			processedAt = req.PaidAt.UTC()
		}
		hours := paidHours
		// The tip rides on the same movement: the guardian pays base + tip,
		// and the invoice total grows by the tip in the same breath.
		entry := invoicedomain.PaymentLogEntry{
			Amount:         money.Round2(amount + req.Tip),
			PaidHours:      &hours,
			Tip:            req.Tip,
			Method:         req.Method,
			TransactionID:  req.TransactionID,
			IdempotencyKey: req.IdempotencyKey,
			ProcessedAt:    processedAt,
			ActorID:        cmd.Actor,
			Note:           req.Note,
		}
		fresh.PaymentLog = append(fresh.PaymentLog, entry)
		fresh.Tip = money.Round2(fresh.Tip + req.Tip)
		fresh.RecomputeTotals()

		trigger := invoicedomain.TriggerApplyPaymentPart
		if fresh.RemainingBalance() <= money.EpsilonAmount {
			trigger = invoicedomain.TriggerApplyPaymentFull
		}
		if _, err := fresh.Transition(trigger, now); err != nil {
			return err
		}
		fresh.PushActivity(invoicedomain.ActivityEntry{
			ActorID: cmd.Actor,
			Action:  "payment_applied",
			Diff:    map[string]any{"amount": amount, "method": string(req.Method)},
			At:      now,
		})

		if err := s.store.SyncPaidByGuardian(ctx, tx, fresh); err != nil {
			return err
		}

		// Step 7: credit guardian hours for the eligible coverage increment
		// and stop auto-sync from re-deriving a stale balance.
		if guardian != nil && creditHours > 0 {
			eligible := eligibleCreditHours(fresh, creditHours)
			if err := s.ledgerSvc.AdjustGuardianTotal(ctx, tx, guardian.ID, eligible, true); err != nil {
				return err
			}
		}

		// Step 8: distribute the tip across the invoice's teachers.
		if req.Tip > 0 {
			if err := s.distributeTip(ctx, tx, fresh, req.Tip, cmd.Actor, processedAt); err != nil {
				return err
			}
		}

		fresh.Touch(cmd.Actor, now)
		if err := s.store.Save(ctx, tx, fresh); err != nil {
			return err
		}

		// Step 9: mark the Payment record applied with the log snapshot.
		if err := s.markApplied(ctx, tx, record, entry); err != nil {
			return err
		}

		eventType := events.EventInvoicePartiallyPaid
		if fresh.Status == invoicedomain.StatusPaid {
			eventType = events.EventInvoicePaid
		}
		if s.outbox != nil {
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				Type: eventType,
				Payload: map[string]any{
					"invoice_id":  fresh.ID.String(),
					"paid_amount": fresh.PaidAmount,
					"status":      string(fresh.Status),
				},
				DedupeKey: fmt.Sprintf("%s:%s:%s", eventType, fresh.ID, req.IdempotencyKey),
			}); err != nil {
				return err
			}
		}

		result = &paymentdomain.Result{
			Invoice:         fresh,
			Applied:         true,
			RemainingBefore: remainingBefore,
		}
		return nil
	})
	if err != nil {
		switch {
		case err == invoicedomain.ErrConflict:
			// The pending record survives; a retry with the same key resumes it.
			s.metrics.PaymentApplied("conflict")
		case errors.Is(err, invoicedomain.ErrValidation):
			// A rejected request must not poison its idempotency key.
			s.metrics.PaymentApplied("invalid")
			_ = s.db.WithContext(ctx).Model(&paymentdomain.Payment{}).
				Where("id = ?", record.ID).
				Update("status", paymentdomain.StatusFailed).Error
		}
		return nil, err
	}

	if result.Duplicate {
		s.metrics.PaymentApplied("duplicate")
		return result, nil
	}

	// Step 10: side-effects on reaching paid run outside the write
	// transaction; each is idempotent.
	if result.Invoice.Status == invoicedomain.StatusPaid && result.Invoice.GuardianID != nil {
		for _, item := range result.Invoice.Items {
			if item.ClassID == 0 {
				continue
			}
			if err := s.invoiceSvc.RemoveClassFromOtherUnpaid(ctx, nil, *result.Invoice.GuardianID, item.ClassID, result.Invoice.ID, cmd); err != nil {
				s.log.Warn("failed to strip class from other unpaid invoices",
					zap.String("class_id", item.ClassID.String()), zap.Error(err))
			}
		}
		if _, err := s.invoiceSvc.CheckZeroHours(ctx, *result.Invoice.GuardianID, false); err != nil {
			s.log.Warn("post-payment follow-up check failed", zap.Error(err))
		}
	}

	s.metrics.PaymentApplied("applied")
	s.metrics.ObservePaymentAmount(string(req.Method), result.Invoice.PaidAmount)
	s.emitAudit(ctx, cmd.Actor, result.Invoice, req)
	return result, nil
}

// insertPaymentRecord persists the pending idempotency record. A duplicate
// (invoice, key) or (invoice, transaction id) insert returns the prior row.
func (s *Service) insertPaymentRecord(ctx context.Context, inv *invoicedomain.Invoice, req paymentdomain.Request) (*paymentdomain.Payment, *paymentdomain.Payment, error) {
	record := paymentdomain.Payment{
		ID:             s.genID.Generate(),
		InvoiceID:      inv.ID,
		IdempotencyKey: req.IdempotencyKey,
		Method:         string(req.Method),
		Status:         paymentdomain.StatusPending,
		CreatedAt:      s.clock.Now().UTC(),
	}
	if req.Amount != nil {
		record.Amount = *req.Amount
	}
	if req.TransactionID != "" {
		txn := req.TransactionID
		record.TransactionID = &txn
	}

	err := s.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return &record, nil, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return nil, nil, err
	}

	var prior paymentdomain.Payment
	lookup := s.db.WithContext(ctx).Where("invoice_id = ? AND idempotency_key = ?", inv.ID, req.IdempotencyKey)
	if req.TransactionID != "" {
		lookup = s.db.WithContext(ctx).Where(
			"invoice_id = ? AND (idempotency_key = ? OR transaction_id = ?)",
			inv.ID, req.IdempotencyKey, req.TransactionID,
		)
	}
	if err := lookup.First(&prior).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, invoicedomain.ErrConflict
		}
		return nil, nil, err
	}
	return nil, &prior, nil
}

func (s *Service) markApplied(ctx context.Context, tx *gorm.DB, record *paymentdomain.Payment, entry invoicedomain.PaymentLogEntry) error {
	now := s.clock.Now().UTC()
	snapshot := datatypes.JSONMap{
		"amount":       entry.Amount,
		"method":       string(entry.Method),
		"processed_at": entry.ProcessedAt.Format(time.RFC3339),
	}
	if entry.PaidHours != nil {
		snapshot["paid_hours"] = *entry.PaidHours
	}
	return tx.WithContext(ctx).
		Model(&paymentdomain.Payment{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"status":       paymentdomain.StatusApplied,
			"applied_at":   now,
			"amount":       entry.Amount,
			"log_snapshot": snapshot,
		}).Error
}

// advanceCoverage implements step 5: extend the coverage cap by the paid
// hours, bounded by the scheduled total. Returns the coverage increment.
func (s *Service) advanceCoverage(inv *invoicedomain.Invoice, paidHours float64) float64 {
	total := inv.TotalScheduledHours()
	prev := inv.CoveredHours()
	next := money.Round3(math.Min(prev+paidHours, total))
	inv.Coverage.MaxHours = &next
	if inv.Coverage.Strategy == invoicedomain.CoverageFullPeriod {
		inv.Coverage.Strategy = invoicedomain.CoverageCapHours
	}
	inv.BoundPeriodToItems()
	return money.Round3(next - prev)
}

// eligibleCreditHours maps a coverage increment onto non-exempt items: the
// span (covered-increment, covered] walked chronologically, skipping hours
// that belong to guardian-exempt items.
func eligibleCreditHours(inv *invoicedomain.Invoice, increment float64) float64 {
	covered := inv.CoveredHours()
	from := covered - increment

	var cumulative, eligible float64
	for _, item := range inv.Items {
		itemStart := cumulative
		cumulative += item.DurationMinutes / 60
		if item.ExemptFromGuardian {
			continue
		}
		lo := math.Max(itemStart, from)
		hi := math.Min(cumulative, covered)
		if hi > lo {
			eligible += hi - lo
		}
	}
	return money.Round3(eligible)
}

// normalise resolves amount and hours from whichever the caller supplied and
// validates the pair when both are present: amount must decompose into
// hours × rate plus the proportional transfer fee.
func normalise(inv *invoicedomain.Invoice, req paymentdomain.Request, rate float64) (float64, float64, error) {
	if req.Amount == nil && req.PaidHours == nil {
		return 0, 0, fmt.Errorf("%w: amount or paidHours required", invoicedomain.ErrValidation)
	}
	if rate <= 0 {
		return 0, 0, fmt.Errorf("%w: no resolvable hourly rate", invoicedomain.ErrValidation)
	}

	fee := inv.TransferFeeAmount()
	scheduled := inv.TotalScheduledHours()
	feePerHour := 0.0
	if scheduled > 0 {
		feePerHour = fee / scheduled
	}

	switch {
	case req.Amount == nil:
		hours := *req.PaidHours
		amount := money.Round2(hours*rate + feePerHour*hours)
		return amount, money.Round3(hours), nil
	case req.PaidHours == nil:
		amount := *req.Amount
		hours := amount / (rate + feePerHour)
		if feePerHour == 0 {
			hours = amount / rate
		}
		return money.Round2(amount), money.Round3(hours), nil
	default:
		amount := *req.Amount
		hours := *req.PaidHours
		expected := hours*rate + feePerHour*hours
		if !money.Eq(amount, expected, money.EpsilonAmount) {
			return 0, 0, fmt.Errorf(
				"%w: amount %.2f does not match %.3f hours x %.2f rate + %.2f proportional fee = %.2f",
				invoicedomain.ErrValidation, amount, hours, rate, feePerHour*hours, expected,
			)
		}
		return money.Round2(amount), money.Round3(hours), nil
	}
}

// matchesFingerprint implements idempotency layer three: an existing log
// entry with identical amount, method, tip and hours, and either the same
// transaction id or a processed-at within the window, is the same payment.
func matchesFingerprint(log []invoicedomain.PaymentLogEntry, req paymentdomain.Request, now time.Time) bool {
	for _, entry := range log {
		if entry.Method != req.Method {
			continue
		}
		// Logged amounts carry the tip on top of the base amount.
		if req.Amount != nil && !money.Eq(entry.Amount, *req.Amount+req.Tip, money.EpsilonAmount) {
			continue
		}
		if !money.Eq(entry.Tip, req.Tip, money.EpsilonAmount) {
			continue
		}
		if req.PaidHours != nil {
			if entry.PaidHours == nil || !money.Eq(*entry.PaidHours, *req.PaidHours, money.EpsilonHours) {
				continue
			}
		}
		if req.TransactionID != "" && entry.TransactionID == req.TransactionID {
			return true
		}
		reference := now
		if req.PaidAt != nil {
			reference = req.PaidAt.UTC()
		}
		if delta := reference.Sub(entry.ProcessedAt); delta > -fingerprintWindow && delta < fingerprintWindow {
			return true
		}
	}
	return false
}

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

func (s *Service) emitAudit(ctx context.Context, actor snowflake.ID, inv *invoicedomain.Invoice, req paymentdomain.Request) {
	if s.auditSvc == nil {
		return
	}
	target := inv.ID.String()
	var actorRef *snowflake.ID
	if actor != 0 {
		actorRef = &actor
	}
	metadata := map[string]any{
		"invoice_number":  inv.InvoiceNumber,
		"method":          string(req.Method),
		"idempotency_key": req.IdempotencyKey,
	}
	if req.TransactionID != "" {
		metadata["transaction_id"] = req.TransactionID
	}
	_ = s.auditSvc.Record(ctx, auditdomain.RecordRequest{
		ActorID:    actorRef,
		Action:     "invoice.payment_applied",
		TargetType: "invoice",
		TargetID:   target,
		After: map[string]any{
			"status":      string(inv.Status),
			"paid_amount": inv.PaidAmount,
		},
		Metadata: metadata,
	})
}
