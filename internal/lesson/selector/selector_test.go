package selector

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/internal/config"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, time.January, 20, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	selector *Selector
	node     *snowflake.Node
	guardian snowflake.ID
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&lessondomain.Class{}, &invoicedomain.Invoice{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sel := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(testNow),
		Cfg: config.BillingConfig{
			DefaultHourlyRate: 10,
			MaxInvoiceItems:   400,
		},
	})

	return &fixture{db: conn, selector: sel, node: node, guardian: node.Generate()}
}

func (f *fixture) addClass(t *testing.T, scheduledAt time.Time, minutes float64, status lessondomain.ClassStatus, mutate ...func(*lessondomain.Class)) lessondomain.Class {
	t.Helper()
	class := lessondomain.Class{
		ID:              f.node.Generate(),
		GuardianID:      f.guardian,
		StudentID:       f.node.Generate(),
		TeacherID:       f.node.Generate(),
		ScheduledAt:     scheduledAt,
		DurationMinutes: minutes,
		Status:          status,
		CreatedAt:       scheduledAt.Add(-time.Hour),
	}
	for _, fn := range mutate {
		fn(&class)
	}
	require.NoError(t, f.db.Create(&class).Error)
	return class
}

func TestSelectOrdersChronologically(t *testing.T) {
	f := newFixture(t, "sel_order")
	later := f.addClass(t, testNow.AddDate(0, 0, 3), 60, lessondomain.StatusScheduled)
	earlier := f.addClass(t, testNow.AddDate(0, 0, 1), 60, lessondomain.StatusScheduled)

	classes, err := f.selector.Select(context.Background(), nil, f.guardian, Window{}, Options{})
	require.NoError(t, err)
	require.Len(t, classes, 2)
	assert.Equal(t, earlier.ID, classes[0].ID)
	assert.Equal(t, later.ID, classes[1].ID)
}

func TestSelectSkipsCancelledHiddenAndPaid(t *testing.T) {
	f := newFixture(t, "sel_skip")
	kept := f.addClass(t, testNow.AddDate(0, 0, 1), 60, lessondomain.StatusScheduled)
	f.addClass(t, testNow.AddDate(0, 0, 1), 60, lessondomain.StatusCancelledByGuardian)
	f.addClass(t, testNow.AddDate(0, 0, 1), 60, lessondomain.StatusOnHold)
	f.addClass(t, testNow.AddDate(0, 0, 1), 60, lessondomain.StatusScheduled, func(c *lessondomain.Class) { c.Hidden = true })
	f.addClass(t, testNow.AddDate(0, 0, 1), 60, lessondomain.StatusScheduled, func(c *lessondomain.Class) { c.PaidByGuardian = true })

	classes, err := f.selector.Select(context.Background(), nil, f.guardian, Window{}, Options{})
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, kept.ID, classes[0].ID)
}

func TestSelectWindowBoundsInclusive(t *testing.T) {
	f := newFixture(t, "sel_window")
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)

	onEnd := f.addClass(t, end, 60, lessondomain.StatusAttended)
	f.addClass(t, end.AddDate(0, 0, 1), 60, lessondomain.StatusAttended)
	f.addClass(t, start.AddDate(0, 0, -1), 60, lessondomain.StatusAttended)
	inside := f.addClass(t, start.AddDate(0, 0, 10), 60, lessondomain.StatusAttended)

	classes, err := f.selector.Select(context.Background(), nil, f.guardian, Window{Start: &start, End: &end}, Options{})
	require.NoError(t, err)
	require.Len(t, classes, 2)
	assert.Equal(t, inside.ID, classes[0].ID)
	// A lesson scheduled exactly on the period end date is accepted.
	assert.Equal(t, onEnd.ID, classes[1].ID)
}

func TestSelectExcludesLessonsOnOtherActiveInvoices(t *testing.T) {
	f := newFixture(t, "sel_foreign")
	used := f.addClass(t, testNow.AddDate(0, 0, 1), 60, lessondomain.StatusScheduled)
	free := f.addClass(t, testNow.AddDate(0, 0, 2), 60, lessondomain.StatusScheduled)
	onCancelled := f.addClass(t, testNow.AddDate(0, 0, 3), 60, lessondomain.StatusScheduled)

	guardianID := f.guardian
	require.NoError(t, f.db.Create(&invoicedomain.Invoice{
		ID:         f.node.Generate(),
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &guardianID,
		Slug:       "foreign-pending",
		Status:     invoicedomain.StatusPending,
		Items:      []invoicedomain.LineItem{{ClassID: used.ID, LessonID: used.ID.String()}},
	}).Error)
	// Cancelled invoices do not own their lessons.
	require.NoError(t, f.db.Create(&invoicedomain.Invoice{
		ID:         f.node.Generate(),
		Kind:       invoicedomain.KindGuardianInvoice,
		GuardianID: &guardianID,
		Slug:       "foreign-cancelled",
		Status:     invoicedomain.StatusCancelled,
		Items:      []invoicedomain.LineItem{{ClassID: onCancelled.ID, LessonID: onCancelled.ID.String()}},
	}).Error)

	classes, err := f.selector.Select(context.Background(), nil, f.guardian, Window{}, Options{})
	require.NoError(t, err)
	require.Len(t, classes, 2)
	assert.Equal(t, free.ID, classes[0].ID)
	assert.Equal(t, onCancelled.ID, classes[1].ID)
}

func TestSelectPastLessonsNeedOpenReportWindow(t *testing.T) {
	f := newFixture(t, "sel_report")
	past := testNow.AddDate(0, 0, -2)

	// Attended and missed-by-student always count.
	attended := f.addClass(t, past, 60, lessondomain.StatusAttended)
	missed := f.addClass(t, past, 60, lessondomain.StatusMissedByStudent)

	// Past non-terminal with an open deadline stays billable.
	deadline := testNow.Add(24 * time.Hour)
	open := f.addClass(t, past, 60, lessondomain.StatusScheduled, func(c *lessondomain.Class) { c.ReportDeadline = &deadline })

	// Past non-terminal with an expired deadline drops out.
	expired := testNow.Add(-time.Hour)
	f.addClass(t, past, 60, lessondomain.StatusScheduled, func(c *lessondomain.Class) { c.ReportDeadline = &expired })

	// Admin extension reopens the window.
	extension := testNow.Add(48 * time.Hour)
	extended := f.addClass(t, past, 60, lessondomain.StatusScheduled, func(c *lessondomain.Class) {
		c.ReportDeadline = &expired
		c.ReportExtensionUntil = &extension
	})

	classes, err := f.selector.Select(context.Background(), nil, f.guardian, Window{}, Options{})
	require.NoError(t, err)

	ids := map[snowflake.ID]bool{}
	for _, class := range classes {
		ids[class.ID] = true
	}
	assert.True(t, ids[attended.ID])
	assert.True(t, ids[missed.ID])
	assert.True(t, ids[open.ID])
	assert.True(t, ids[extended.ID])
	assert.Len(t, classes, 4)
}

func TestSelectCoverageCapBoundary(t *testing.T) {
	f := newFixture(t, "sel_cap")
	f.addClass(t, testNow.AddDate(0, 0, 1), 60, lessondomain.StatusScheduled)
	f.addClass(t, testNow.AddDate(0, 0, 2), 60, lessondomain.StatusScheduled)
	f.addClass(t, testNow.AddDate(0, 0, 3), 60, lessondomain.StatusScheduled)

	// The boundary lesson fits only within cap + epsilon.
	capHours := 2.0
	classes, err := f.selector.Select(context.Background(), nil, f.guardian, Window{}, Options{CoverageCapHours: &capHours})
	require.NoError(t, err)
	assert.Len(t, classes, 2)

	fits := 3.0005
	classes, err = f.selector.Select(context.Background(), nil, f.guardian, Window{}, Options{CoverageCapHours: &fits})
	require.NoError(t, err)
	assert.Len(t, classes, 3)
}

func TestSelectHardCap(t *testing.T) {
	f := newFixture(t, "sel_hardcap")
	for i := 0; i < 12; i++ {
		f.addClass(t, testNow.AddDate(0, 0, i+1), 30, lessondomain.StatusScheduled)
	}

	classes, err := f.selector.Select(context.Background(), nil, f.guardian, Window{}, Options{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, classes, 5)
}

func TestResolveRateChain(t *testing.T) {
	inv := &invoicedomain.Invoice{Snapshot: invoicedomain.FinancialSnapshot{HourlyRate: 15}}
	assert.Equal(t, 15.0, ResolveRate(inv, 12, 10))

	inv.Snapshot.HourlyRate = 0
	assert.Equal(t, 12.0, ResolveRate(inv, 12, 10))

	inv.Items = []invoicedomain.LineItem{{Rate: 8}}
	assert.Equal(t, 8.0, ResolveRate(inv, 0, 10))

	inv.Items = []invoicedomain.LineItem{{Amount: 30, DurationMinutes: 90}}
	assert.Equal(t, 20.0, ResolveRate(inv, 0, 10))

	assert.Equal(t, 10.0, ResolveRate(nil, 0, 10))
}
