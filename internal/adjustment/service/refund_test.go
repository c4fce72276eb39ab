package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	adjustmentdomain "github.com/waraqaweb/billingcore/internal/adjustment/domain"
	auditdomain "github.com/waraqaweb/billingcore/internal/audit/domain"
	auditservice "github.com/waraqaweb/billingcore/internal/audit/service"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/internal/config"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"github.com/waraqaweb/billingcore/internal/invoice/store"
	ledgerservice "github.com/waraqaweb/billingcore/internal/ledger/service"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"github.com/waraqaweb/billingcore/internal/migration"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, time.February, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	store    *store.Store
	engine   adjustmentdomain.Engine
	guardian userdomain.Guardian
	student  userdomain.Student
	teacher  userdomain.Teacher
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.Run(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(testNow)
	log := zap.NewNop()
	cfg := config.BillingConfig{DefaultHourlyRate: 10, MaxInvoiceItems: 400}

	invStore := store.New(conn)
	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, GenID: node, Clock: fakeClock})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, GenID: node, Clock: fakeClock})

	engine := NewService(Params{
		DB:        conn,
		Log:       log,
		GenID:     node,
		Clock:     fakeClock,
		Cfg:       cfg,
		Store:     invStore,
		LedgerSvc: ledgerSvc,
		AuditSvc:  auditSvc,
	})

	f := &fixture{db: conn, node: node, clock: fakeClock, store: invStore, engine: engine}

	f.guardian = userdomain.Guardian{ID: node.Generate(), HourlyRate: 10, TotalHours: 2}
	require.NoError(t, conn.Create(&f.guardian).Error)
	f.student = userdomain.Student{ID: node.Generate(), GuardianID: f.guardian.ID, RemainingHours: 2}
	require.NoError(t, conn.Create(&f.student).Error)
	f.teacher = userdomain.Teacher{ID: node.Generate()}
	require.NoError(t, conn.Create(&f.teacher).Error)

	return f
}

// paidInvoice seeds a settled invoice with one attended lesson per entry of
// lessonHours at rate 10, paid in full, optional fixed transfer fee.
func (f *fixture) paidInvoice(t *testing.T, fee float64, lessonHours []float64) (*invoicedomain.Invoice, []lessondomain.Class) {
	t.Helper()

	var classes []lessondomain.Class
	var items []invoicedomain.LineItem
	var totalHours float64
	day := time.Date(2025, time.January, 10, 10, 0, 0, 0, time.UTC)
	for i, hours := range lessonHours {
		class := lessondomain.Class{
			ID:              f.node.Generate(),
			GuardianID:      f.guardian.ID,
			StudentID:       f.student.ID,
			TeacherID:       f.teacher.ID,
			ScheduledAt:     day.AddDate(0, 0, i),
			DurationMinutes: hours * 60,
			Status:          lessondomain.StatusAttended,
			PaidByGuardian:  true,
		}
		require.NoError(t, f.db.Create(&class).Error)
		classes = append(classes, class)
		items = append(items, invoicedomain.LineItem{
			ClassID:         class.ID,
			LessonID:        class.ID.String(),
			StudentID:       f.student.ID,
			TeacherID:       f.teacher.ID,
			Date:            class.ScheduledAt,
			DurationMinutes: class.DurationMinutes,
			Rate:            10,
			Amount:          hours * 10,
			Attended:        true,
			Status:          string(lessondomain.StatusAttended),
		})
		totalHours += hours
	}

	gid := f.guardian.ID
	coverage := totalHours
	paidAt := testNow.Add(-time.Hour)
	paidHours := totalHours
	inv := &invoicedomain.Invoice{
		ID:            f.node.Generate(),
		Kind:          invoicedomain.KindGuardianInvoice,
		Sequence:      1,
		InvoiceNumber: "INV-000001",
		Slug:          "invoice-000001-test",
		GuardianID:    &gid,
		Items:         items,
		Coverage:      invoicedomain.Coverage{Strategy: invoicedomain.CoverageCapHours, MaxHours: &coverage},
		Snapshot: invoicedomain.FinancialSnapshot{
			HourlyRate:  10,
			TransferFee: invoicedomain.TransferFee{Mode: invoicedomain.TransferFeeFixed, Value: fee},
		},
		Status: invoicedomain.StatusPaid,
		PaidAt: &paidAt,
		PaymentLog: []invoicedomain.PaymentLogEntry{{
			Amount:      0, // set below after totals are known
			PaidHours:   &paidHours,
			Method:      invoicedomain.MethodManual,
			ProcessedAt: paidAt,
		}},
		CreatedAt: paidAt,
		UpdatedAt: paidAt,
	}
	inv.RecomputeTotals()
	inv.PaymentLog[0].Amount = inv.Total
	inv.RecomputeTotals()
	require.NoError(t, f.db.Create(inv).Error)
	return inv, classes
}

func TestRefundHalf(t *testing.T) {
	f := newFixture(t, "refund_half")
	inv, classes := f.paidInvoice(t, 0, []float64{1, 1})
	assert.Equal(t, 20.0, inv.Total)
	assert.Equal(t, 20.0, inv.PaidAmount)

	result, err := f.engine.RecordRefund(context.Background(), inv.ID, adjustmentdomain.RefundRequest{
		Amount:      10,
		RefundHours: 1,
		Reason:      "guardian request",
	}, invoicedomain.Command{})
	require.NoError(t, err)
	require.False(t, result.Duplicate)

	fresh := result.Invoice
	assert.Equal(t, 10.0, fresh.PaidAmount)
	require.NotNil(t, fresh.Coverage.MaxHours)
	assert.InDelta(t, 1.0, *fresh.Coverage.MaxHours, 0.001)
	assert.Equal(t, invoicedomain.StatusPaid, fresh.Status)

	// Second lesson falls outside the reduced coverage.
	var first, second lessondomain.Class
	require.NoError(t, f.db.Where("id = ?", classes[0].ID).First(&first).Error)
	require.NoError(t, f.db.Where("id = ?", classes[1].ID).First(&second).Error)
	assert.True(t, first.PaidByGuardian)
	assert.False(t, second.PaidByGuardian)

	var guardian userdomain.Guardian
	require.NoError(t, f.db.Where("id = ?", f.guardian.ID).First(&guardian).Error)
	assert.InDelta(t, 1.0, guardian.TotalHours, 0.001)

	var entries []auditdomain.Entry
	require.NoError(t, f.db.Where("action = ?", "invoice.refund").Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Metadata["summary"], "Refunded")
}

func TestRefundProportionalTransferFee(t *testing.T) {
	f := newFixture(t, "refund_fee")
	inv, _ := f.paidInvoice(t, 5, []float64{2.5, 2.5})
	// 5h x 10 + fee 5
	assert.Equal(t, 55.0, inv.Total)

	// Refund 2 of 5 hours: proportional fee refund = 5 x (2/5) = 2, so the
	// expected amount is 2 x 10 + 2 = 22.
	result, err := f.engine.RecordRefund(context.Background(), inv.ID, adjustmentdomain.RefundRequest{
		Amount:      22,
		RefundHours: 2,
		Reason:      "partial refund",
	}, invoicedomain.Command{})
	require.NoError(t, err)
	assert.Equal(t, 33.0, result.Invoice.PaidAmount)
	assert.InDelta(t, 3.0, *result.Invoice.Coverage.MaxHours, 0.001)

	// A mismatching amount is rejected with the decomposition.
	_, err = f.engine.RecordRefund(context.Background(), inv.ID, adjustmentdomain.RefundRequest{
		Amount:         30,
		RefundHours:    2,
		Reason:         "wrong",
		IdempotencyKey: "fee-mismatch",
	}, invoicedomain.Command{})
	require.ErrorIs(t, err, invoicedomain.ErrValidation)
	assert.Contains(t, err.Error(), "proportional fee")
}

func TestRefundFullTransitionsToRefunded(t *testing.T) {
	f := newFixture(t, "refund_full")
	inv, _ := f.paidInvoice(t, 0, []float64{1})

	result, err := f.engine.RecordRefund(context.Background(), inv.ID, adjustmentdomain.RefundRequest{
		Amount:      10,
		RefundHours: 1,
		Reason:      "full refund",
	}, invoicedomain.Command{})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusRefunded, result.Invoice.Status)
	assert.Equal(t, 0.0, result.Invoice.PaidAmount)
}

func TestRefundIdempotent(t *testing.T) {
	f := newFixture(t, "refund_idem")
	inv, _ := f.paidInvoice(t, 0, []float64{1, 1})

	req := adjustmentdomain.RefundRequest{
		Amount:         10,
		RefundHours:    1,
		Reason:         "once",
		IdempotencyKey: "refund-1",
	}
	first, err := f.engine.RecordRefund(context.Background(), inv.ID, req, invoicedomain.Command{})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := f.engine.RecordRefund(context.Background(), inv.ID, req, invoicedomain.Command{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 10.0, second.Invoice.PaidAmount)

	fresh, err := f.store.Load(context.Background(), nil, inv.ID)
	require.NoError(t, err)
	refunds := 0
	for _, entry := range fresh.PaymentLog {
		if entry.Method == invoicedomain.MethodRefund {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestRefundHoursExceedCoverage(t *testing.T) {
	f := newFixture(t, "refund_exceed")
	inv, _ := f.paidInvoice(t, 0, []float64{1})

	_, err := f.engine.RecordRefund(context.Background(), inv.ID, adjustmentdomain.RefundRequest{
		Amount:      20,
		RefundHours: 2,
		Reason:      "too much",
	}, invoicedomain.Command{})
	require.ErrorIs(t, err, invoicedomain.ErrValidation)
	assert.Contains(t, err.Error(), "exceed coverage")
}

func TestRemoveLessonsCompensate(t *testing.T) {
	f := newFixture(t, "remove_compensate")
	inv, classes := f.paidInvoice(t, 0, []float64{1, 1})

	updated, err := f.engine.ApplyAdjustment(context.Background(), inv.ID, adjustmentdomain.AdjustmentRequest{
		Type:           adjustmentdomain.AdjustmentRemoveLessons,
		RemoveClassIDs: []snowflake.ID{classes[1].ID},
		Mode:           adjustmentdomain.RemoveModeCompensate,
	}, invoicedomain.Command{})
	require.NoError(t, err)

	assert.Len(t, updated.Items, 1)
	// Money stays: paid amount is untouched.
	assert.Equal(t, 20.0, updated.PaidAmount)

	var guardian userdomain.Guardian
	require.NoError(t, f.db.Where("id = ?", f.guardian.ID).First(&guardian).Error)
	assert.InDelta(t, 2.0, guardian.TotalHours, 0.001)
}

func TestRemoveLessonsRefund(t *testing.T) {
	f := newFixture(t, "remove_refund")
	inv, classes := f.paidInvoice(t, 0, []float64{1, 1})

	updated, err := f.engine.ApplyAdjustment(context.Background(), inv.ID, adjustmentdomain.AdjustmentRequest{
		Type:           adjustmentdomain.AdjustmentRemoveLessons,
		RemoveClassIDs: []snowflake.ID{classes[1].ID},
		Mode:           adjustmentdomain.RemoveModeRefund,
	}, invoicedomain.Command{})
	require.NoError(t, err)

	assert.Len(t, updated.Items, 1)
	assert.Equal(t, 10.0, updated.PaidAmount)

	var guardian userdomain.Guardian
	require.NoError(t, f.db.Where("id = ?", f.guardian.ID).First(&guardian).Error)
	assert.InDelta(t, 1.0, guardian.TotalHours, 0.001)
}
