package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auditservice "github.com/waraqaweb/billingcore/internal/audit/service"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/internal/config"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	invoiceservice "github.com/waraqaweb/billingcore/internal/invoice/service"
	"github.com/waraqaweb/billingcore/internal/invoice/store"
	ledgerservice "github.com/waraqaweb/billingcore/internal/ledger/service"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"github.com/waraqaweb/billingcore/internal/lesson/selector"
	"github.com/waraqaweb/billingcore/internal/migration"
	paymentdomain "github.com/waraqaweb/billingcore/internal/payment/domain"
	"github.com/waraqaweb/billingcore/internal/providers/email"
	"github.com/waraqaweb/billingcore/internal/sequence"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, time.January, 20, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	store      *store.Store
	invoiceSvc invoicedomain.Service
	applier    paymentdomain.Applier

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
	cfg := config.BillingConfig{
		DefaultHourlyRate: 10,
		TipPlatformCut:    0.05,
		MaxInvoiceItems:   400,
		DueDays:           7,
	}

	invStore := store.New(conn)
	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, GenID: node, Clock: fakeClock})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, GenID: node, Clock: fakeClock})
	sel := selector.New(selector.Params{DB: conn, Log: log, Clock: fakeClock, Cfg: cfg})
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:        conn,
		Log:       log,
		GenID:     node,
		Clock:     fakeClock,
		Cfg:       cfg,
		Store:     invStore,
		Allocator: sequence.NewAllocator(conn, log),
		Selector:  sel,
		AuditSvc:  auditSvc,
		Email:     email.NewProvider(log),
	})
	applier := NewService(Params{
		DB:         conn,
		Log:        log,
		GenID:      node,
		Clock:      fakeClock,
		Cfg:        cfg,
		Store:      invStore,
		LedgerSvc:  ledgerSvc,
		InvoiceSvc: invoiceSvc,
		AuditSvc:   auditSvc,
	})

	f := &fixture{
		db:         conn,
		node:       node,
		clock:      fakeClock,
		store:      invStore,
		invoiceSvc: invoiceSvc,
		applier:    applier,
	}

	f.guardian = userdomain.Guardian{
		ID:               node.Generate(),
		FirstName:        "Nora",
		LastName:         "Hassan",
		HourlyRate:       10,
		TransferFeeMode:  userdomain.TransferFeeFixed,
		TransferFeeValue: 2,
		AutoTotalHours:   true,
	}
	require.NoError(t, conn.Create(&f.guardian).Error)

	f.student = userdomain.Student{ID: node.Generate(), GuardianID: f.guardian.ID, FirstName: "Omar"}
	require.NoError(t, conn.Create(&f.student).Error)

	f.teacher = userdomain.Teacher{ID: node.Generate(), FirstName: "Yusuf"}
	require.NoError(t, conn.Create(&f.teacher).Error)

	return f
}

func (f *fixture) addClass(t *testing.T, scheduledAt time.Time, minutes float64, status lessondomain.ClassStatus) lessondomain.Class {
	t.Helper()
	class := lessondomain.Class{
		ID:              f.node.Generate(),
		GuardianID:      f.guardian.ID,
		StudentID:       f.student.ID,
		TeacherID:       f.teacher.ID,
		ScheduledAt:     scheduledAt,
		DurationMinutes: minutes,
		Status:          status,
		CreatedAt:       scheduledAt.Add(-time.Hour),
	}
	require.NoError(t, f.db.Create(&class).Error)
	return class
}

func (f *fixture) createInvoice(t *testing.T) *invoicedomain.Invoice {
	t.Helper()
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.January, 31, 23, 59, 59, 0, time.UTC)
	gid := f.guardian.ID
	inv, err := f.invoiceSvc.Create(context.Background(), invoicedomain.CreateRequest{
		Kind:        invoicedomain.KindGuardianInvoice,
		GuardianID:  &gid,
		PeriodStart: &start,
		PeriodEnd:   &end,
	}, invoicedomain.Command{})
	require.NoError(t, err)
	return inv
}

func (f *fixture) reloadGuardian(t *testing.T) userdomain.Guardian {
	t.Helper()
	var guardian userdomain.Guardian
	require.NoError(t, f.db.Where("id = ?", f.guardian.ID).First(&guardian).Error)
	return guardian
}

func TestApplySingleLessonPaygInvoice(t *testing.T) {
	f := newFixture(t, "pay_scenario1")
	class := f.addClass(t, time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	inv := f.createInvoice(t)

	require.Len(t, inv.Items, 1)
	assert.Equal(t, 10.0, inv.Subtotal)
	assert.Equal(t, 12.0, inv.Total)

	amount, hours := 12.0, 1.0
	result, err := f.applier.Apply(context.Background(), inv.ID, paymentdomain.Request{
		Amount:    &amount,
		PaidHours: &hours,
		Method:    invoicedomain.MethodManual,
	}, invoicedomain.Command{})
	require.NoError(t, err)

	assert.True(t, result.Applied)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 12.0, result.RemainingBefore)
	assert.Equal(t, invoicedomain.StatusPaid, result.Invoice.Status)
	assert.Equal(t, 12.0, result.Invoice.PaidAmount)
	require.NotNil(t, result.Invoice.Coverage.MaxHours)
	assert.InDelta(t, 1.0, *result.Invoice.Coverage.MaxHours, 0.001)

	var reloaded lessondomain.Class
	require.NoError(t, f.db.Where("id = ?", class.ID).First(&reloaded).Error)
	assert.True(t, reloaded.PaidByGuardian)

	guardian := f.reloadGuardian(t)
	assert.InDelta(t, 1.0, guardian.TotalHours, 0.001)
	assert.False(t, guardian.AutoTotalHours)
}

func TestApplyDuplicateIdempotencyKey(t *testing.T) {
	f := newFixture(t, "pay_scenario2")
	f.addClass(t, time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	inv := f.createInvoice(t)

	amount, hours := 12.0, 1.0
	req := paymentdomain.Request{
		Amount:         &amount,
		PaidHours:      &hours,
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "idem-1",
	}

	first, err := f.applier.Apply(context.Background(), inv.ID, req, invoicedomain.Command{})
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := f.applier.Apply(context.Background(), inv.ID, req, invoicedomain.Command{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Applied)
	assert.Equal(t, 12.0, second.Invoice.PaidAmount)

	// Ledger effect is that of a single application.
	fresh, err := f.store.Load(context.Background(), nil, inv.ID)
	require.NoError(t, err)
	assert.Len(t, fresh.PaymentLog, 1)
	guardian := f.reloadGuardian(t)
	assert.InDelta(t, 1.0, guardian.TotalHours, 0.001)
}

func TestApplyAmountHoursMismatch(t *testing.T) {
	f := newFixture(t, "pay_mismatch")
	f.addClass(t, time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	inv := f.createInvoice(t)

	amount, hours := 15.0, 1.0
	_, err := f.applier.Apply(context.Background(), inv.ID, paymentdomain.Request{
		Amount:    &amount,
		PaidHours: &hours,
		Method:    invoicedomain.MethodManual,
	}, invoicedomain.Command{})
	require.ErrorIs(t, err, invoicedomain.ErrValidation)
	// The decomposition shows up in the message.
	assert.Contains(t, err.Error(), "does not match")

	fresh, err := f.store.Load(context.Background(), nil, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.PaymentLog)
	assert.Equal(t, invoicedomain.StatusDraft, fresh.Status)
}

func TestApplySecondFullPaymentAfterSettlement(t *testing.T) {
	f := newFixture(t, "pay_race")
	f.addClass(t, time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	inv := f.createInvoice(t)

	amount, hours := 12.0, 1.0
	first, err := f.applier.Apply(context.Background(), inv.ID, paymentdomain.Request{
		Amount:         &amount,
		PaidHours:      &hours,
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "race-a",
	}, invoicedomain.Command{})
	require.NoError(t, err)
	require.True(t, first.Applied)

	// Distinct key, same full amount, sent after the first has settled: it
	// gets a duplicate-success with the settled snapshot, never a second
	// application.
	f.clock.Advance(2 * time.Minute)
	second, err := f.applier.Apply(context.Background(), inv.ID, paymentdomain.Request{
		Amount:         &amount,
		PaidHours:      &hours,
		Method:         invoicedomain.MethodManual,
		IdempotencyKey: "race-b",
	}, invoicedomain.Command{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, invoicedomain.StatusPaid, second.Invoice.Status)

	fresh, err := f.store.Load(context.Background(), nil, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.0, fresh.PaidAmount)
	assert.Len(t, fresh.PaymentLog, 1)
}

func TestApplyPartialThenFull(t *testing.T) {
	f := newFixture(t, "pay_partial")
	f.addClass(t, time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	f.addClass(t, time.Date(2025, time.January, 16, 10, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	inv := f.createInvoice(t)
	require.Len(t, inv.Items, 2)
	// 2h x 10 + fee 2
	assert.Equal(t, 22.0, inv.Total)

	hours := 1.0
	amount := 11.0 // 1h x 10 + proportional fee 1
	result, err := f.applier.Apply(context.Background(), inv.ID, paymentdomain.Request{
		Amount:    &amount,
		PaidHours: &hours,
		Method:    invoicedomain.MethodManual,
	}, invoicedomain.Command{})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPartiallyPaid, result.Invoice.Status)
	require.NotNil(t, result.Invoice.Coverage.MaxHours)
	assert.InDelta(t, 1.0, *result.Invoice.Coverage.MaxHours, 0.001)

	f.clock.Advance(5 * time.Minute)
	rest := 11.0
	result, err = f.applier.Apply(context.Background(), inv.ID, paymentdomain.Request{
		Amount:    &rest,
		PaidHours: &hours,
		Method:    invoicedomain.MethodManual,
	}, invoicedomain.Command{})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, result.Invoice.Status)
	assert.InDelta(t, 2.0, *result.Invoice.Coverage.MaxHours, 0.001)
	assert.Equal(t, 22.0, result.Invoice.PaidAmount)
}

func TestApplyHoursOnlyDerivesAmount(t *testing.T) {
	f := newFixture(t, "pay_hours_only")
	f.addClass(t, time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	inv := f.createInvoice(t)

	hours := 1.0
	result, err := f.applier.Apply(context.Background(), inv.ID, paymentdomain.Request{
		PaidHours: &hours,
		Method:    invoicedomain.MethodManual,
	}, invoicedomain.Command{})
	require.NoError(t, err)
	assert.Equal(t, 12.0, result.Invoice.PaidAmount)
	assert.Equal(t, invoicedomain.StatusPaid, result.Invoice.Status)
}

func TestTipDistribution(t *testing.T) {
	f := newFixture(t, "pay_tip")

	secondTeacher := userdomain.Teacher{ID: f.node.Generate(), FirstName: "Amira"}
	require.NoError(t, f.db.Create(&secondTeacher).Error)

	f.addClass(t, time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC), 60, lessondomain.StatusAttended)
	second := lessondomain.Class{
		ID:              f.node.Generate(),
		GuardianID:      f.guardian.ID,
		StudentID:       f.student.ID,
		TeacherID:       secondTeacher.ID,
		ScheduledAt:     time.Date(2025, time.January, 16, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 180,
		Status:          lessondomain.StatusAttended,
	}
	require.NoError(t, f.db.Create(&second).Error)

	inv := f.createInvoice(t)
	require.Len(t, inv.Items, 2)

	hours := 4.0
	amount := 42.0 // 4h x 10 + fee 2
	result, err := f.applier.Apply(context.Background(), inv.ID, paymentdomain.Request{
		Amount:    &amount,
		PaidHours: &hours,
		Method:    invoicedomain.MethodManual,
		Tip:       10.0,
	}, invoicedomain.Command{})
	require.NoError(t, err)

	// Base 42 + tip 10 settles the tip-inflated total of 52.
	assert.Equal(t, invoicedomain.StatusPaid, result.Invoice.Status)
	assert.Equal(t, 52.0, result.Invoice.PaidAmount)
	assert.Equal(t, 52.0, result.Invoice.Total)

	// Net tip 9.50 split 10:30 across teachers; remainder lands on the
	// larger share.
	var tips []invoicedomain.PaymentLogEntry
	for _, entry := range result.Invoice.PaymentLog {
		if entry.Method == invoicedomain.MethodTipDistribution {
			tips = append(tips, entry)
		}
	}
	require.Len(t, tips, 2)
	var total float64
	for _, entry := range tips {
		total += entry.Amount
		assert.NotEmpty(t, entry.Snapshot["teacher_id"])
	}
	assert.InDelta(t, 9.5, total, 0.001)

	var months []userdomain.TeacherMonth
	require.NoError(t, f.db.Find(&months).Error)
	require.Len(t, months, 2)
	var monthTips float64
	for _, month := range months {
		monthTips += month.Tips
	}
	assert.InDelta(t, 9.5, monthTips, 0.001)
}
