// Package domain contains the invoice aggregate and its lifecycle rules.
package domain

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"github.com/waraqaweb/billingcore/internal/money"
)

type Kind string

const (
	KindGuardianInvoice Kind = "guardian_invoice"
	KindTeacherPayment  Kind = "teacher_payment"
)

type Status string

const (
	StatusDraft         Status = "draft"
	StatusPending       Status = "pending"
	StatusSent          Status = "sent"
	StatusOverdue       Status = "overdue"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusRefunded      Status = "refunded"
	StatusCancelled     Status = "cancelled"
)

// Settled reports whether the item list is frozen for ordinary edits.
func (s Status) Settled() bool {
	return s == StatusPaid || s == StatusPartiallyPaid || s == StatusRefunded
}

// ItemsMutable reports whether ordinary item edits are allowed.
func (s Status) ItemsMutable() bool {
	switch s {
	case StatusDraft, StatusPending, StatusSent, StatusOverdue:
		return true
	}
	return false
}

type TransferFeeMode string

const (
	TransferFeeFixed   TransferFeeMode = "fixed"
	TransferFeePercent TransferFeeMode = "percent"
)

type TransferFeeSource string

const (
	TransferFeeSourceGuardianDefault TransferFeeSource = "guardian_default"
	TransferFeeSourceManual          TransferFeeSource = "manual"
)

// TransferFee is frozen onto the invoice at creation.
type TransferFee struct {
	Mode             TransferFeeMode   `json:"mode"`
	Amount           float64           `json:"amount"`
	Value            float64           `json:"value"`
	Source           TransferFeeSource `json:"source"`
	Waived           bool              `json:"waived"`
	WaivedByCoverage bool              `json:"waived_by_coverage"`
}

// FinancialSnapshot freezes the guardian's financial configuration at invoice
// creation so later profile edits never retroactively alter money.
type FinancialSnapshot struct {
	HourlyRate             float64     `json:"hourly_rate"`
	TransferFee            TransferFee `json:"transfer_fee"`
	PreferredPaymentMethod string      `json:"preferred_payment_method"`
}

type CoverageStrategy string

const (
	CoverageFullPeriod CoverageStrategy = "full_period"
	CoverageCapHours   CoverageStrategy = "cap_hours"
	CoverageCustomEnd  CoverageStrategy = "custom_end"
	CoverageCustom     CoverageStrategy = "custom"
)

type CoverageFilters struct {
	StatusAllowList  []string       `json:"status_allow_list,omitempty"`
	MaxLessonMinutes float64        `json:"max_lesson_minutes,omitempty"`
	IncludeStudents  []snowflake.ID `json:"include_students,omitempty"`
	ExcludeStudents  []snowflake.ID `json:"exclude_students,omitempty"`
}

type Coverage struct {
	Strategy         CoverageStrategy `json:"strategy"`
	MaxHours         *float64         `json:"max_hours,omitempty"`
	EndDate          *time.Time       `json:"end_date,omitempty"`
	WaiveTransferFee bool             `json:"waive_transfer_fee"`
	Filters          CoverageFilters  `json:"filters"`
}

// PartySnapshot freezes a person's identity onto a line item.
type PartySnapshot struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// LineItem is one row on an invoice. ClassID and LessonID carry the same
// value; LessonID survives class deletion.
type LineItem struct {
	ClassID  snowflake.ID `json:"class_id"`
	LessonID string       `json:"lesson_id"`

	StudentID snowflake.ID  `json:"student_id"`
	Student   PartySnapshot `json:"student"`
	TeacherID snowflake.ID  `json:"teacher_id"`
	Teacher   PartySnapshot `json:"teacher"`

	Description     string    `json:"description"`
	Date            time.Time `json:"date"`
	DurationMinutes float64   `json:"duration_minutes"`
	Rate            float64   `json:"rate"`
	Amount          float64   `json:"amount"`

	Attended bool   `json:"attended"`
	Status   string `json:"status"`

	ExcludeFromStudentBalance bool `json:"exclude_from_student_balance,omitempty"`
	ExemptFromGuardian        bool `json:"exempt_from_guardian,omitempty"`
	ExcludeFromTeacherPayment bool `json:"exclude_from_teacher_payment,omitempty"`
}

func (i LineItem) Hours() float64 {
	return money.HoursFromMinutes(i.DurationMinutes)
}

type PaymentMethod string

const (
	MethodManual          PaymentMethod = "manual"
	MethodPaypal          PaymentMethod = "paypal"
	MethodCard            PaymentMethod = "card"
	MethodCash            PaymentMethod = "cash"
	MethodBank            PaymentMethod = "bank"
	MethodRefund          PaymentMethod = "refund"
	MethodTipDistribution PaymentMethod = "tip_distribution"
)

// PaymentLogEntry is one money movement on the invoice. Amount is signed:
// positive for payments, negative for refunds.
type PaymentLogEntry struct {
	Amount         float64        `json:"amount"`
	PaidHours      *float64       `json:"paid_hours,omitempty"`
	Tip            float64        `json:"tip,omitempty"`
	Method         PaymentMethod  `json:"method"`
	TransactionID  string         `json:"transaction_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ProcessedAt    time.Time      `json:"processed_at"`
	ActorID        snowflake.ID   `json:"actor_id,omitempty"`
	Note           string         `json:"note,omitempty"`
	Snapshot       map[string]any `json:"snapshot,omitempty"`
}

type ActivityEntry struct {
	ActorID snowflake.ID   `json:"actor_id,omitempty"`
	Action  string         `json:"action"`
	Diff    map[string]any `json:"diff,omitempty"`
	At      time.Time      `json:"at"`
}

type DeliveryEntry struct {
	Channel     string    `json:"channel"`
	Status      string    `json:"status"`
	TemplateID  string    `json:"template_id,omitempty"`
	Attempt     int       `json:"attempt"`
	MessageHash string    `json:"message_hash,omitempty"`
	At          time.Time `json:"at"`
}

// Invoice is the central aggregate. Items and logs are embedded; Version is
// the optimistic-lock token every concurrent writer compares against.
type Invoice struct {
	ID   snowflake.ID `gorm:"primaryKey"`
	Kind Kind         `gorm:"type:text;not null;index"`

	Sequence      int64  `gorm:"not null;index"`
	InvoiceNumber string `gorm:"type:text;not null;index"`
	DisplayName   string `gorm:"type:text"`
	ManualName    bool   `gorm:"not null;default:false"`
	Slug          string `gorm:"type:text;uniqueIndex"`

	GuardianID *snowflake.ID `gorm:"index"`
	TeacherID  *snowflake.ID `gorm:"index"`
	CreatedBy  snowflake.ID
	UpdatedBy  snowflake.ID

	PeriodStart *time.Time
	PeriodEnd   *time.Time
	PeriodMonth int `gorm:"not null;default:0"`
	PeriodYear  int `gorm:"not null;default:0"`

	Items            []LineItem        `gorm:"serializer:json"`
	Coverage         Coverage          `gorm:"serializer:json"`
	Snapshot         FinancialSnapshot `gorm:"serializer:json"`
	ExcludedClassIDs []snowflake.ID    `gorm:"serializer:json"`
	PaymentLog       []PaymentLogEntry `gorm:"serializer:json"`
	ActivityLog      []ActivityEntry   `gorm:"serializer:json"`
	DeliveryLog      []DeliveryEntry   `gorm:"serializer:json"`

	Subtotal      float64 `gorm:"not null;default:0"`
	LateFee       float64 `gorm:"not null;default:0"`
	Tip           float64 `gorm:"not null;default:0"`
	Discount      float64 `gorm:"not null;default:0"`
	Tax           float64 `gorm:"not null;default:0"`
	Total         float64 `gorm:"not null;default:0"`
	AdjustedTotal float64 `gorm:"not null;default:0"`
	PaidAmount    float64 `gorm:"not null;default:0"`

	Status Status `gorm:"type:text;not null;default:'draft';index"`

	DueAt  *time.Time
	PaidAt *time.Time
	Notes  string `gorm:"type:text"`

	DeletedAt  *time.Time `gorm:"index"`
	DeletedBy  *snowflake.ID
	RestoredAt *time.Time
	RestoredBy *snowflake.ID

	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Invoice) TableName() string { return "invoices" }

// RemainingBalance is derived, never stored.
func (inv *Invoice) RemainingBalance() float64 {
	return money.Round2(money.ClampMin(inv.Total-inv.PaidAmount, 0))
}

// EligibleItems returns items that count toward the guardian balance.
func (inv *Invoice) EligibleItems() []LineItem {
	out := make([]LineItem, 0, len(inv.Items))
	for _, item := range inv.Items {
		if item.ExemptFromGuardian {
			continue
		}
		out = append(out, item)
	}
	return out
}

// TotalScheduledHours sums hours across all items.
func (inv *Invoice) TotalScheduledHours() float64 {
	var total float64
	for _, item := range inv.Items {
		total += item.DurationMinutes / 60
	}
	return money.Round3(total)
}

// CoveredHours is the paid coverage: capped scheduled hours once any payment
// exists, zero before.
func (inv *Invoice) CoveredHours() float64 {
	if !inv.HasPayments() {
		return 0
	}
	total := inv.TotalScheduledHours()
	if inv.Coverage.MaxHours != nil && *inv.Coverage.MaxHours < total {
		return money.Round3(*inv.Coverage.MaxHours)
	}
	return total
}

// HasPayments reports whether any positive non-tip payment exists.
func (inv *Invoice) HasPayments() bool {
	for _, entry := range inv.PaymentLog {
		if entry.Method == MethodTipDistribution || entry.Method == MethodRefund {
			continue
		}
		if entry.Amount > 0 {
			return true
		}
	}
	return false
}

// DerivedPaidAmount recomputes paid amount from the log; this sum is
// authoritative over the stored field.
func (inv *Invoice) DerivedPaidAmount() float64 {
	var paid float64
	for _, entry := range inv.PaymentLog {
		switch entry.Method {
		case MethodTipDistribution:
			continue
		case MethodRefund:
			paid -= -entry.Amount
		default:
			if entry.Amount > 0 {
				paid += entry.Amount
			}
		}
	}
	return money.Round2(paid)
}

// PaidHoursTotal sums the hours of all positive payments net of refund hours.
func (inv *Invoice) PaidHoursTotal() float64 {
	var hours float64
	for _, entry := range inv.PaymentLog {
		switch entry.Method {
		case MethodTipDistribution:
			continue
		case MethodRefund:
			if entry.PaidHours != nil {
				hours -= *entry.PaidHours
			}
		default:
			if entry.PaidHours != nil {
				hours += *entry.PaidHours
			}
		}
	}
	return money.Round3(hours)
}

// TransferFeeAmount resolves the fee under the current coverage flags.
func (inv *Invoice) TransferFeeAmount() float64 {
	fee := inv.Snapshot.TransferFee
	if fee.Waived || fee.WaivedByCoverage || inv.Coverage.WaiveTransferFee {
		return 0
	}
	switch fee.Mode {
	case TransferFeePercent:
		return money.Round2(inv.Subtotal * fee.Value / 100)
	default:
		return money.Round2(fee.Value)
	}
}

// RecomputeTotals re-derives every stored aggregate figure from the items and
// the payment log. AdjustedTotal mirrors Total.
func (inv *Invoice) RecomputeTotals() {
	var subtotal float64
	for _, item := range inv.Items {
		if item.ExemptFromGuardian {
			continue
		}
		subtotal += item.Amount
	}
	inv.Subtotal = money.Round2(subtotal)

	fee := inv.TransferFeeAmount()
	inv.Snapshot.TransferFee.Amount = fee
	inv.Total = money.Round2(inv.Subtotal + fee + inv.LateFee + inv.Tip - inv.Discount + inv.Tax)
	inv.AdjustedTotal = inv.Total
	inv.PaidAmount = inv.DerivedPaidAmount()
}

// FindItem locates an item by class id or denormalized lesson id.
func (inv *Invoice) FindItem(classID snowflake.ID, lessonID string) (int, bool) {
	for idx, item := range inv.Items {
		if item.ClassID == classID && classID != 0 {
			return idx, true
		}
		if lessonID != "" && item.LessonID == lessonID {
			return idx, true
		}
	}
	return -1, false
}

// IsExcluded reports whether the class sits in the invoice's exclusion set.
func (inv *Invoice) IsExcluded(classID snowflake.ID) bool {
	for _, id := range inv.ExcludedClassIDs {
		if id == classID {
			return true
		}
	}
	return false
}

// SortItemsChronologically orders items by lesson date; position in the
// slice is irrelevant, chronology is what coverage math consumes.
func (inv *Invoice) SortItemsChronologically() {
	sort.SliceStable(inv.Items, func(i, j int) bool {
		return inv.Items[i].Date.Before(inv.Items[j].Date)
	})
}

// BoundPeriodToItems widens the billing period to span the included items.
// The period never shifts implicitly on read; only item mutations move it.
func (inv *Invoice) BoundPeriodToItems() {
	if len(inv.Items) == 0 {
		return
	}
	first, last := inv.Items[0].Date, inv.Items[0].Date
	for _, item := range inv.Items[1:] {
		if item.Date.Before(first) {
			first = item.Date
		}
		if item.Date.After(last) {
			last = item.Date
		}
	}
	if inv.PeriodStart == nil || first.Before(*inv.PeriodStart) {
		inv.PeriodStart = &first
	}
	if inv.PeriodEnd == nil || last.After(*inv.PeriodEnd) {
		inv.PeriodEnd = &last
	}
	if inv.PeriodStart != nil {
		inv.PeriodMonth = int(inv.PeriodStart.Month())
		inv.PeriodYear = inv.PeriodStart.Year()
	}
}

// ItemFromClass freezes a class and its parties into a line item.
func ItemFromClass(class lessondomain.Class, rate float64, student, teacher PartySnapshot) LineItem {
	return LineItem{
		ClassID:         class.ID,
		LessonID:        class.ID.String(),
		StudentID:       class.StudentID,
		Student:         student,
		TeacherID:       class.TeacherID,
		Teacher:         teacher,
		Date:            class.ScheduledAt,
		DurationMinutes: class.DurationMinutes,
		Rate:            rate,
		Amount:          money.Amount(rate, class.DurationMinutes),
		Attended:        class.Status == lessondomain.StatusAttended,
		Status:          string(class.Status),
	}
}
