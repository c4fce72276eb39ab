// Package domain defines the refund and post-payment adjustment contracts.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
)

type RefundRequest struct {
	Amount          float64
	RefundHours     float64
	Reason          string
	RefundReference string
	IdempotencyKey  string
}

type AdjustmentType string

const (
	AdjustmentReduction     AdjustmentType = "reduction"
	AdjustmentIncrease      AdjustmentType = "increase"
	AdjustmentRemoveLessons AdjustmentType = "removeLessons"
)

// RemoveMode decides the money/hour behaviour of a removeLessons adjustment.
type RemoveMode string

const (
	// RemoveModeRefund returns both money and hours for the removed items.
	RemoveModeRefund RemoveMode = "refund"
	// RemoveModeCompensate keeps hours consumed and keeps the money.
	RemoveModeCompensate RemoveMode = "compensate"
	// RemoveModeBoth refunds the money but keeps the hours consumed.
	RemoveModeBoth RemoveMode = "both"
)

type AdjustmentRequest struct {
	Type           AdjustmentType
	Refund         *RefundRequest
	AddClassIDs    []snowflake.ID
	RemoveClassIDs []snowflake.ID
	Mode           RemoveMode
}

// RefundResult carries the summary string handed to notifications.
type RefundResult struct {
	Invoice   *invoicedomain.Invoice `json:"invoice"`
	Duplicate bool                   `json:"duplicate"`
	Summary   string                 `json:"summary"`
}

type Engine interface {
	RecordRefund(ctx context.Context, invoiceID snowflake.ID, req RefundRequest, cmd invoicedomain.Command) (*RefundResult, error)
	ApplyAdjustment(ctx context.Context, invoiceID snowflake.ID, req AdjustmentRequest, cmd invoicedomain.Command) (*invoicedomain.Invoice, error)
}
