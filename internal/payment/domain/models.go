// Package domain contains the persistent idempotency record and the payment
// application contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// Payment is the persistent realisation of an idempotency key. The unique
// indexes are what make concurrent duplicate applications collapse into one.
type Payment struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	InvoiceID      snowflake.ID `gorm:"not null;index;uniqueIndex:ux_payments_invoice_idem,priority:1;uniqueIndex:ux_payments_invoice_txn,priority:1"`
	IdempotencyKey string       `gorm:"type:text;not null;uniqueIndex:ux_payments_invoice_idem,priority:2"`
	TransactionID  *string      `gorm:"type:text;uniqueIndex:ux_payments_invoice_txn,priority:2"`

	Amount float64 `gorm:"not null"`
	Method string  `gorm:"type:text;not null"`

	Status      Status            `gorm:"type:text;not null;default:'pending'"`
	AppliedAt   *time.Time        ``
	LogSnapshot datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }

// Request is one payment application attempt. Amount may be omitted when
// PaidHours is given, and vice versa.
type Request struct {
	Amount         *float64
	PaidHours      *float64
	Method         invoicedomain.PaymentMethod
	TransactionID  string
	IdempotencyKey string
	Tip            float64
	PaidAt         *time.Time
	Note           string
}

// Result reports the application outcome. Duplicate results are successes
// carrying the current invoice snapshot.
type Result struct {
	Invoice         *invoicedomain.Invoice `json:"invoice"`
	Applied         bool                   `json:"applied"`
	Duplicate       bool                   `json:"duplicate"`
	RemainingBefore float64                `json:"remaining_before"`
}

type Applier interface {
	Apply(ctx context.Context, invoiceID snowflake.ID, req Request, cmd invoicedomain.Command) (*Result, error)
}
