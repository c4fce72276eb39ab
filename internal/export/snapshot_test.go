package export

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
)

func sampleInvoice() *invoicedomain.Invoice {
	due := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	hours := 2.0
	inv := &invoicedomain.Invoice{
		InvoiceNumber: "INV-000042",
		Status:        invoicedomain.StatusPaid,
		DueAt:         &due,
		PeriodStart:   &start,
		PeriodEnd:     &end,
		Items: []invoicedomain.LineItem{
			{
				Date:            time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC),
				Student:         invoicedomain.PartySnapshot{FirstName: "Omar", LastName: "Ali"},
				Teacher:         invoicedomain.PartySnapshot{FirstName: "Yusuf", LastName: "Kader"},
				DurationMinutes: 60,
				Rate:            10,
				Amount:          10,
			},
			{
				Date:            time.Date(2025, time.January, 12, 0, 0, 0, 0, time.UTC),
				Student:         invoicedomain.PartySnapshot{FirstName: "Aya", LastName: "Ali"},
				Teacher:         invoicedomain.PartySnapshot{FirstName: "Yusuf", LastName: "Kader"},
				DurationMinutes: 60,
				Rate:            10,
				Amount:          10,
			},
		},
		Snapshot: invoicedomain.FinancialSnapshot{
			HourlyRate:  10,
			TransferFee: invoicedomain.TransferFee{Mode: invoicedomain.TransferFeeFixed, Value: 2},
		},
		PaymentLog: []invoicedomain.PaymentLogEntry{{
			Amount:      22,
			PaidHours:   &hours,
			Method:      invoicedomain.MethodManual,
			ProcessedAt: time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC),
		}},
	}
	inv.RecomputeTotals()
	return inv
}

func TestBuildSnapshot(t *testing.T) {
	guardian := &userdomain.Guardian{FirstName: "Nora", LastName: "Hassan", Email: "nora@example.com"}
	snap := Build(sampleInvoice(), guardian, nil, Options{})

	assert.Equal(t, "INV-000042", snap.Header.Number)
	assert.Equal(t, "paid", snap.Header.Status)
	assert.Equal(t, "Jan 1, 2025 – Jan 31, 2025", snap.Header.PeriodLabel)
	assert.Equal(t, "Nora Hassan", snap.Guardian.Name)

	assert.Equal(t, 2, snap.Summary.Lessons)
	assert.Equal(t, 2, snap.Summary.Students)
	assert.Equal(t, 1, snap.Summary.Teachers)
	assert.Equal(t, "2", snap.Summary.Hours)
	assert.Equal(t, "USD 22.00", snap.Summary.Total)
	assert.Equal(t, "USD 0.00", snap.Summary.Remaining)

	require.Len(t, snap.Students, 2)
	// Sorted by name for deterministic output.
	assert.Equal(t, "Aya Ali", snap.Students[0].Name)
	assert.Equal(t, "Omar Ali", snap.Students[1].Name)
	require.Len(t, snap.Teachers, 1)
	assert.Equal(t, "2", snap.Teachers[0].Hours)

	require.Len(t, snap.Payments, 1)
	assert.Equal(t, "USD 22.00", snap.Payments[0].Value)
}

func TestBuildSnapshotDeterministic(t *testing.T) {
	guardian := &userdomain.Guardian{FirstName: "Nora", LastName: "Hassan"}

	a, err := json.Marshal(Build(sampleInvoice(), guardian, nil, Options{}))
	require.NoError(t, err)
	b, err := json.Marshal(Build(sampleInvoice(), guardian, nil, Options{}))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "USD 12.00", FormatMoney(12, "usd"))
	assert.Equal(t, "EUR 0.50", FormatMoney(0.5, "EUR"))
	assert.Equal(t, "IDR 150000", FormatMoney(150000, "IDR"))
	assert.Equal(t, "USD -3.25", FormatMoney(-3.25, "USD"))
}

func TestFormatHours(t *testing.T) {
	assert.Equal(t, "1.5", FormatHours(1.5))
	assert.Equal(t, "2", FormatHours(2))
	assert.Equal(t, "0.75", FormatHours(0.75))
	assert.Equal(t, "0", FormatHours(0))
}
