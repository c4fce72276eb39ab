package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	now := time.Date(2025, time.January, 20, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		from    Status
		trigger Trigger
		ok      bool
		want    Status
	}{
		{StatusDraft, TriggerMarkSent, true, StatusSent},
		{StatusPending, TriggerMarkSent, true, StatusSent},
		{StatusSent, TriggerMarkSent, false, StatusSent},
		{StatusPaid, TriggerMarkSent, false, StatusPaid},

		{StatusPending, TriggerOverdueTick, true, StatusOverdue},
		{StatusSent, TriggerOverdueTick, true, StatusOverdue},
		{StatusPartiallyPaid, TriggerOverdueTick, true, StatusOverdue},
		{StatusDraft, TriggerOverdueTick, false, StatusDraft},
		{StatusPaid, TriggerOverdueTick, false, StatusPaid},

		{StatusDraft, TriggerApplyPaymentFull, true, StatusPaid},
		{StatusPending, TriggerApplyPaymentFull, true, StatusPaid},
		{StatusOverdue, TriggerApplyPaymentFull, true, StatusPaid},
		{StatusRefunded, TriggerApplyPaymentFull, false, StatusRefunded},

		{StatusSent, TriggerApplyPaymentPart, true, StatusPartiallyPaid},
		{StatusCancelled, TriggerApplyPaymentPart, false, StatusCancelled},

		{StatusPaid, TriggerRefundFull, true, StatusRefunded},
		{StatusPartiallyPaid, TriggerRefundFull, true, StatusRefunded},
		{StatusDraft, TriggerRefundFull, false, StatusDraft},

		{StatusDraft, TriggerCancel, true, StatusCancelled},
		{StatusOverdue, TriggerCancel, true, StatusCancelled},
		{StatusPaid, TriggerCancel, false, StatusPaid},
		{StatusRefunded, TriggerCancel, false, StatusRefunded},
	}

	for _, tt := range tests {
		inv := &Invoice{Status: tt.from}
		got, err := inv.Transition(tt.trigger, now)
		if tt.ok {
			assert.NoError(t, err, "%s via %s", tt.from, tt.trigger)
		} else {
			assert.ErrorIs(t, err, ErrIllegalTransition, "%s via %s", tt.from, tt.trigger)
		}
		assert.Equal(t, tt.want, got, "%s via %s", tt.from, tt.trigger)
	}
}

func TestRevertPaymentsPicksStatusFromDueDate(t *testing.T) {
	now := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)

	past := now.Add(-48 * time.Hour)
	inv := &Invoice{Status: StatusPaid, DueAt: &past}
	got, err := inv.Transition(TriggerRevertPayments, now)
	assert.NoError(t, err)
	assert.Equal(t, StatusOverdue, got)
	assert.Nil(t, inv.PaidAt)

	future := now.Add(48 * time.Hour)
	inv = &Invoice{Status: StatusPaid, DueAt: &future}
	got, _ = inv.Transition(TriggerRevertPayments, now)
	assert.Equal(t, StatusPending, got)

	inv = &Invoice{
		Status:      StatusPaid,
		DueAt:       &future,
		DeliveryLog: []DeliveryEntry{{Channel: "email", Status: "sent"}},
	}
	got, _ = inv.Transition(TriggerRevertPayments, now)
	assert.Equal(t, StatusSent, got)
}

func TestRecomputeTotals(t *testing.T) {
	inv := &Invoice{
		Items: []LineItem{
			{DurationMinutes: 60, Rate: 10, Amount: 10},
			{DurationMinutes: 90, Rate: 10, Amount: 15},
			{DurationMinutes: 60, Rate: 10, Amount: 10, ExemptFromGuardian: true},
		},
		Snapshot: FinancialSnapshot{
			HourlyRate:  10,
			TransferFee: TransferFee{Mode: TransferFeeFixed, Value: 2},
		},
		LateFee:  1,
		Discount: 3,
	}

	inv.RecomputeTotals()

	assert.Equal(t, 25.0, inv.Subtotal)
	assert.Equal(t, 2.0, inv.Snapshot.TransferFee.Amount)
	assert.Equal(t, 25.0+2+1-3, inv.Total)
	assert.Equal(t, inv.Total, inv.AdjustedTotal)
}

func TestRecomputeTotalsPercentFeeAndWaive(t *testing.T) {
	inv := &Invoice{
		Items: []LineItem{{DurationMinutes: 60, Rate: 20, Amount: 20}},
		Snapshot: FinancialSnapshot{
			TransferFee: TransferFee{Mode: TransferFeePercent, Value: 10},
		},
	}
	inv.RecomputeTotals()
	assert.Equal(t, 2.0, inv.Snapshot.TransferFee.Amount)
	assert.Equal(t, 22.0, inv.Total)

	inv.Coverage.WaiveTransferFee = true
	inv.RecomputeTotals()
	assert.Equal(t, 0.0, inv.Snapshot.TransferFee.Amount)
	assert.Equal(t, 20.0, inv.Total)
}

func TestDerivedPaidAmountIsAuthoritative(t *testing.T) {
	hours := 1.0
	inv := &Invoice{
		Items: []LineItem{{DurationMinutes: 120, Rate: 10, Amount: 20}},
		PaymentLog: []PaymentLogEntry{
			{Amount: 12, Method: MethodManual, PaidHours: &hours},
			{Amount: 0.95, Method: MethodTipDistribution},
			{Amount: -5, Method: MethodRefund},
		},
		// A stale stored figure must be overwritten by the derived sum.
		PaidAmount: 99,
	}

	inv.RecomputeTotals()

	assert.Equal(t, 7.0, inv.PaidAmount)
}

func TestPaidHoursTotalNetsRefunds(t *testing.T) {
	two, one := 2.0, 1.0
	inv := &Invoice{
		PaymentLog: []PaymentLogEntry{
			{Amount: 20, Method: MethodManual, PaidHours: &two},
			{Amount: -10, Method: MethodRefund, PaidHours: &one},
		},
	}
	assert.Equal(t, 1.0, inv.PaidHoursTotal())
}

func TestRemainingBalanceNeverNegative(t *testing.T) {
	inv := &Invoice{Total: 10, PaidAmount: 15}
	assert.Equal(t, 0.0, inv.RemainingBalance())
}

func TestCoveredHours(t *testing.T) {
	capHours := 1.0
	hours := 1.0
	inv := &Invoice{
		Items:    []LineItem{{DurationMinutes: 60}, {DurationMinutes: 60}},
		Coverage: Coverage{MaxHours: &capHours},
	}
	// No payments yet: coverage is zero regardless of the cap.
	assert.Equal(t, 0.0, inv.CoveredHours())

	inv.PaymentLog = []PaymentLogEntry{{Amount: 10, Method: MethodManual, PaidHours: &hours}}
	assert.Equal(t, 1.0, inv.CoveredHours())

	uncapped := 5.0
	inv.Coverage.MaxHours = &uncapped
	assert.Equal(t, 2.0, inv.CoveredHours())
}

func TestZeroItemInvoiceAcceptsZeroCoverage(t *testing.T) {
	zero := 0.0
	inv := &Invoice{Coverage: Coverage{MaxHours: &zero}}
	inv.RecomputeTotals()
	assert.Equal(t, 0.0, inv.Total)
	assert.Equal(t, 0.0, inv.CoveredHours())
}
