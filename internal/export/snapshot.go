// Package export builds the deterministic snapshot consumed by document
// renderers. Everything is pre-formatted; renderers never do money math.
package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"github.com/waraqaweb/billingcore/internal/money"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
)

type Options struct {
	Currency string
	Locale   string
	Location *time.Location
}

type Snapshot struct {
	Header    Header     `json:"header"`
	Guardian  Party      `json:"guardian"`
	Summary   Summary    `json:"summary"`
	Financial []Row      `json:"financial"`
	Items     []ItemRow  `json:"items"`
	Students  []TotalRow `json:"students"`
	Teachers  []TotalRow `json:"teachers"`
	Payments  []Row      `json:"payments"`
	Delivery  []Row      `json:"delivery"`
	Notes     string     `json:"notes,omitempty"`
	Previous  *Summary   `json:"previous,omitempty"`
}

type Header struct {
	Number      string `json:"number"`
	Status      string `json:"status"`
	DueDate     string `json:"due_date"`
	PeriodLabel string `json:"period_label"`
}

type Party struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Summary struct {
	Lessons   int    `json:"lessons"`
	Students  int    `json:"students"`
	Teachers  int    `json:"teachers"`
	Hours     string `json:"hours"`
	Total     string `json:"total"`
	Remaining string `json:"remaining"`
}

type Row struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type ItemRow struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Student     string `json:"student"`
	Teacher     string `json:"teacher"`
	Duration    string `json:"duration"`
	Rate        string `json:"rate"`
	Amount      string `json:"amount"`
}

type TotalRow struct {
	Name   string `json:"name"`
	Hours  string `json:"hours"`
	Amount string `json:"amount"`
}

// Build produces the export snapshot. Deterministic: same invoice and
// options, same output, byte for byte.
func Build(inv *invoicedomain.Invoice, guardian *userdomain.Guardian, previous *invoicedomain.Invoice, opts Options) Snapshot {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	fmoney := func(v float64) string { return FormatMoney(v, opts.Currency) }
	fdate := func(t time.Time) string { return t.In(opts.Location).Format("Jan 2, 2006") }

	snap := Snapshot{
		Header: Header{
			Number:      inv.InvoiceNumber,
			Status:      string(inv.Status),
			PeriodLabel: periodLabel(inv, opts.Location),
		},
		Notes: inv.Notes,
	}
	if inv.DueAt != nil {
		snap.Header.DueDate = fdate(*inv.DueAt)
	}
	if guardian != nil {
		snap.Guardian = Party{
			Name:  strings.TrimSpace(guardian.FirstName + " " + guardian.LastName),
			Email: guardian.Email,
		}
	}

	students := map[string]*totalAcc{}
	teachers := map[string]*totalAcc{}
	var totalHours float64
	for _, item := range inv.Items {
		hours := item.DurationMinutes / 60
		totalHours += hours
		snap.Items = append(snap.Items, ItemRow{
			Date:        fdate(item.Date),
			Description: item.Description,
			Student:     partyName(item.Student),
			Teacher:     partyName(item.Teacher),
			Duration:    FormatHours(hours),
			Rate:        fmoney(item.Rate),
			Amount:      fmoney(item.Amount),
		})
		accumulate(students, partyName(item.Student), hours, item.Amount)
		accumulate(teachers, partyName(item.Teacher), hours, item.Amount)
	}
	snap.Students = flatten(students, opts.Currency)
	snap.Teachers = flatten(teachers, opts.Currency)

	snap.Summary = Summary{
		Lessons:   len(inv.Items),
		Students:  len(snap.Students),
		Teachers:  len(snap.Teachers),
		Hours:     FormatHours(totalHours),
		Total:     fmoney(inv.Total),
		Remaining: fmoney(inv.RemainingBalance()),
	}

	fee := inv.Snapshot.TransferFee
	feeLabel := "Transfer fee"
	switch {
	case fee.Waived || fee.WaivedByCoverage || inv.Coverage.WaiveTransferFee:
		feeLabel = "Transfer fee (waived)"
	case fee.Mode == invoicedomain.TransferFeePercent:
		feeLabel = fmt.Sprintf("Transfer fee (%.1f%%)", fee.Value)
	}
	snap.Financial = []Row{
		{Label: "Subtotal", Value: fmoney(inv.Subtotal)},
		{Label: feeLabel, Value: fmoney(inv.TransferFeeAmount())},
		{Label: "Discount", Value: fmoney(inv.Discount)},
		{Label: "Tax", Value: fmoney(inv.Tax)},
		{Label: "Late fee", Value: fmoney(inv.LateFee)},
		{Label: "Tip", Value: fmoney(inv.Tip)},
		{Label: "Total", Value: fmoney(inv.Total)},
		{Label: "Adjusted total", Value: fmoney(inv.AdjustedTotal)},
		{Label: "Paid", Value: fmoney(inv.PaidAmount)},
		{Label: "Balance", Value: fmoney(inv.RemainingBalance())},
	}

	for _, entry := range inv.PaymentLog {
		label := fmt.Sprintf("%s %s", fdate(entry.ProcessedAt), entry.Method)
		snap.Payments = append(snap.Payments, Row{Label: label, Value: fmoney(entry.Amount)})
	}
	for _, entry := range inv.DeliveryLog {
		label := fmt.Sprintf("%s %s (attempt %d)", fdate(entry.At), entry.Channel, entry.Attempt)
		snap.Delivery = append(snap.Delivery, Row{Label: label, Value: entry.Status})
	}

	if previous != nil {
		var prevHours float64
		for _, item := range previous.Items {
			prevHours += item.DurationMinutes / 60
		}
		snap.Previous = &Summary{
			Lessons:   len(previous.Items),
			Hours:     FormatHours(prevHours),
			Total:     fmoney(previous.Total),
			Remaining: fmoney(previous.RemainingBalance()),
		}
	}

	return snap
}

func periodLabel(inv *invoicedomain.Invoice, loc *time.Location) string {
	if inv.PeriodStart == nil || inv.PeriodEnd == nil {
		return ""
	}
	return fmt.Sprintf("%s – %s",
		inv.PeriodStart.In(loc).Format("Jan 2, 2006"),
		inv.PeriodEnd.In(loc).Format("Jan 2, 2006"),
	)
}

func partyName(p invoicedomain.PartySnapshot) string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type totalAcc struct {
	hours  float64
	amount float64
}

func accumulate(m map[string]*totalAcc, name string, hours, amount float64) {
	if name == "" {
		name = "—"
	}
	acc, ok := m[name]
	if !ok {
		acc = &totalAcc{}
		m[name] = acc
	}
	acc.hours += hours
	acc.amount += amount
}

// flatten returns rows sorted by name for deterministic output.
func flatten(m map[string]*totalAcc, currency string) []TotalRow {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]TotalRow, 0, len(names))
	for _, name := range names {
		acc := m[name]
		rows = append(rows, TotalRow{
			Name:   name,
			Hours:  FormatHours(acc.hours),
			Amount: FormatMoney(acc.amount, currency),
		})
	}
	return rows
}

var currencyDecimals = map[string]int{
	"USD": 2,
	"EUR": 2,
	"EGP": 2,
	"SAR": 2,
	"IDR": 0,
}

// FormatMoney renders an amount in the given currency, e.g. "USD 12.00".
func FormatMoney(amount float64, currency string) string {
	c := strings.ToUpper(currency)
	decimals, ok := currencyDecimals[c]
	if !ok {
		decimals = 2
	}
	return fmt.Sprintf("%s %.*f", c, decimals, money.Round2(amount))
}

// FormatHours renders hours with up to two fractional digits.
func FormatHours(hours float64) string {
	formatted := fmt.Sprintf("%.2f", money.Round3(hours))
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")
	if formatted == "" || formatted == "-" {
		return "0"
	}
	return formatted
}
