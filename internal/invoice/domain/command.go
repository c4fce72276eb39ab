package domain

import "github.com/bwmarrin/snowflake"

// Command carries the options of a single invoice mutation. It replaces the
// scratch-pad flags the aggregate must never hold as mutable state.
type Command struct {
	Actor snowflake.ID

	// SkipRecalculate suppresses automatic total recomputation, used when an
	// admin supplies preview totals for an invoice that already has payments.
	SkipRecalculate bool

	// AllowPaidModification permits item mutation on a settled invoice. The
	// reactive dispatcher and the non-persisting item preview set it; the
	// refund/adjustment engine mutates settled invoices without it.
	AllowPaidModification bool

	// TransferOnDuplicate moves a lesson here from another unpaid invoice
	// instead of failing with a duplicate error.
	TransferOnDuplicate bool

	// PreviewTotals, when present, is written verbatim instead of recomputing.
	PreviewTotals *PreviewTotals
}

// PreviewTotals is an admin-computed totals snapshot applied without
// recalculation.
type PreviewTotals struct {
	Subtotal float64 `json:"subtotal"`
	Total    float64 `json:"total"`
	LateFee  float64 `json:"late_fee"`
	Discount float64 `json:"discount"`
	Tip      float64 `json:"tip"`
}
