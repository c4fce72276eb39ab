package service

import (
	"context"
	"fmt"
	"math"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	adjustmentdomain "github.com/waraqaweb/billingcore/internal/adjustment/domain"
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
	"github.com/waraqaweb/billingcore/pkg/db"
	"github.com/waraqaweb/billingcore/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.BillingConfig
	Store     *store.Store
	LedgerSvc ledgerdomain.Service
	AuditSvc  auditdomain.Service
	Outbox    *events.Outbox     `optional:"true"`
	Metrics   *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.BillingConfig
	store     *store.Store
	ledgerSvc ledgerdomain.Service
	auditSvc  auditdomain.Service
	outbox    *events.Outbox
	metrics   *telemetry.Metrics
}

func NewService(p Params) adjustmentdomain.Engine {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("adjustment.engine"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Cfg,
		store:     p.Store,
		ledgerSvc: p.LedgerSvc,
		auditSvc:  p.AuditSvc,
		outbox:    p.Outbox,
		metrics:   p.Metrics,
	}
}

// RecordRefund reverses money, hours and the proportional transfer fee
// atomically, leaving compensating entries instead of rewriting history.
func (s *Service) RecordRefund(ctx context.Context, invoiceID snowflake.ID, req adjustmentdomain.RefundRequest, cmd invoicedomain.Command) (*adjustmentdomain.RefundResult, error) {
	if req.Amount <= 0 || req.RefundHours <= 0 {
		return nil, fmt.Errorf("%w: refund amount and hours must be positive", invoicedomain.ErrValidation)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	// The Payment record is the persistent idempotency key for refunds too.
	duplicate, err := s.insertRefundRecord(ctx, invoiceID, req)
	if err != nil {
		return nil, err
	}
	if duplicate {
		inv, err := s.store.Load(ctx, nil, invoiceID)
		if err != nil {
			return nil, err
		}
		return &adjustmentdomain.RefundResult{Invoice: inv, Duplicate: true}, nil
	}

	var result *adjustmentdomain.RefundResult
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		inv, err := s.store.LoadForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}

		// Step 1: state and scope validation.
		if !inv.CanTrigger(invoicedomain.TriggerRefundFull) {
			return fmt.Errorf("%w: status %s is not refundable", invoicedomain.ErrValidation, inv.Status)
		}
		coverage := inv.CoveredHours()
		if req.RefundHours > coverage+money.EpsilonHours {
			return fmt.Errorf("%w: refund hours %.3f exceed coverage %.3f",
				invoicedomain.ErrValidation, req.RefundHours, coverage)
		}

		// Step 2: decomposition check — base plus proportional transfer fee.
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
		baseAmount := req.RefundHours * rate
		hoursRatio := 1.0
		if coverage > 0 {
			hoursRatio = math.Min(1, req.RefundHours/coverage)
		}
		feeRefund := 0.0
		fee := inv.Snapshot.TransferFee
		if !fee.Waived && !fee.WaivedByCoverage && !inv.Coverage.WaiveTransferFee {
			feeRefund = fee.Amount * hoursRatio
		}
		expected := money.Round2(baseAmount + feeRefund)
		if !money.Eq(req.Amount, expected, money.EpsilonRefund) {
			return fmt.Errorf(
				"%w: refund %.2f does not match %.3f hours x %.2f rate + %.2f proportional fee = %.2f",
				invoicedomain.ErrValidation, req.Amount, req.RefundHours, rate, feeRefund, expected,
			)
		}

		before := map[string]any{
			"status":      string(inv.Status),
			"paid_amount": inv.PaidAmount,
			"coverage":    coverage,
		}

		// Step 3: compensating negative log entry.
		now := s.clock.Now().UTC()
		hours := money.Round3(req.RefundHours)
		inv.PaymentLog = append(inv.PaymentLog, invoicedomain.PaymentLogEntry{
			Amount:         -money.Round2(req.Amount),
			PaidHours:      &hours,
			Method:         invoicedomain.MethodRefund,
			TransactionID:  req.RefundReference,
			IdempotencyKey: req.IdempotencyKey,
			ProcessedAt:    now,
			ActorID:        cmd.Actor,
			Note:           req.Reason,
		})

		// Step 4: debit the guardian ledger, allocating across students
		// proportionally to their item-hour share; clamp keeps every student
		// at zero or above, the remainder stays on the guardian total.
		if inv.GuardianID != nil {
			if err := s.ledgerSvc.AdjustGuardianTotal(ctx, tx, *inv.GuardianID, -hours, false); err != nil {
				return err
			}
			if err := s.ledgerSvc.DebitStudents(ctx, tx, studentAllocations(inv, hours)); err != nil {
				return err
			}
		}

		// Step 5: recompute coverage from the net paid hours.
		newCoverage := money.Round3(math.Min(inv.PaidHoursTotal(), inv.TotalScheduledHours()))
		inv.Coverage.MaxHours = &newCoverage

		// Step 6: recompute totals and settle the final status.
		inv.RecomputeTotals()
		if inv.PaidAmount <= money.EpsilonAmount {
			if _, err := inv.Transition(invoicedomain.TriggerRefundFull, now); err != nil {
				return err
			}
		}
		inv.PushActivity(invoicedomain.ActivityEntry{
			ActorID: cmd.Actor,
			Action:  "refund_recorded",
			Diff:    map[string]any{"amount": req.Amount, "hours": hours},
			At:      now,
		})

		// Step 7: classes outside the reduced coverage lose the paid flag.
		if err := s.store.SyncPaidByGuardian(ctx, tx, inv); err != nil {
			return err
		}

		inv.Touch(cmd.Actor, now)
		if err := s.store.Save(ctx, tx, inv); err != nil {
			return err
		}

		summary := fmt.Sprintf("Refunded %.2f (%.3f hours) on %s: %s",
			req.Amount, hours, inv.InvoiceNumber, req.Reason)

		// Step 8: audit with full before/after and the notification summary.
		target := inv.ID.String()
		_ = s.auditSvc.Record(ctx, auditdomain.RecordRequest{
			ActorID:    actorRef(cmd.Actor),
			Action:     "invoice.refund",
			TargetType: "invoice",
			TargetID:   target,
			Before:     before,
			After: map[string]any{
				"status":      string(inv.Status),
				"paid_amount": inv.PaidAmount,
				"coverage":    newCoverage,
			},
			Metadata: map[string]any{
				"summary": summary,
				"reason":  req.Reason,
			},
		})

		if s.outbox != nil {
			eventType := events.EventInvoiceUpdated
			if inv.Status == invoicedomain.StatusRefunded {
				eventType = events.EventInvoiceRefunded
			}
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				Type: eventType,
				Payload: map[string]any{
					"invoice_id":  inv.ID.String(),
					"paid_amount": inv.PaidAmount,
					"status":      string(inv.Status),
				},
				DedupeKey: fmt.Sprintf("%s:%s:%s", eventType, inv.ID, req.IdempotencyKey),
			}); err != nil {
				return err
			}
		}

		result = &adjustmentdomain.RefundResult{Invoice: inv, Summary: summary}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RefundRecorded("refund")
	return result, nil
}

// insertRefundRecord reuses the payments table as the refund idempotency
// store; a duplicate key means the refund already ran.
func (s *Service) insertRefundRecord(ctx context.Context, invoiceID snowflake.ID, req adjustmentdomain.RefundRequest) (bool, error) {
	record := paymentdomain.Payment{
		ID:             s.genID.Generate(),
		InvoiceID:      invoiceID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         -req.Amount,
		Method:         string(invoicedomain.MethodRefund),
		Status:         paymentdomain.StatusPending,
		CreatedAt:      s.clock.Now().UTC(),
	}
	if req.RefundReference != "" {
		ref := req.RefundReference
		record.TransactionID = &ref
	}
	err := s.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return false, nil
	}
	if db.IsDuplicateKeyErr(err) {
		return true, nil
	}
	return false, err
}

// studentAllocations splits a refund-hour debit proportionally to each
// student's share of item hours within the invoice.
func studentAllocations(inv *invoicedomain.Invoice, hours float64) []ledgerdomain.StudentDebit {
	shares := map[snowflake.ID]float64{}
	var total float64
	for _, item := range inv.Items {
		if item.StudentID == 0 || item.ExcludeFromStudentBalance {
			continue
		}
		h := item.DurationMinutes / 60
		shares[item.StudentID] += h
		total += h
	}
	if total <= 0 {
		return nil
	}
	debits := make([]ledgerdomain.StudentDebit, 0, len(shares))
	for id, share := range shares {
		debits = append(debits, ledgerdomain.StudentDebit{
			StudentID: id,
			Hours:     money.Round3(hours * share / total),
		})
	}
	return debits
}

func actorRef(actor snowflake.ID) *snowflake.ID {
	if actor == 0 {
		return nil
	}
	return &actor
}
