package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/waraqaweb/billingcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type CreateRequest struct {
	Kind        Kind
	GuardianID  *snowflake.ID
	TeacherID   *snowflake.ID
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Coverage    *Coverage
	DisplayName string
	Notes       string
	DueAt       *time.Time
	// AutoGenerated invoices start pending; manual ones start draft.
	AutoGenerated    bool
	StudentAllowList []snowflake.ID
}

type ListRequest struct {
	pagination.Pagination
	// Status is either a literal status or the aggregate filters "paid" /
	// "unpaid".
	Status     string
	Kind       string
	GuardianID *snowflake.ID
	TeacherID  *snowflake.ID
	Search     string
	DateFrom   *time.Time
	DateTo     *time.Time
	Deleted    bool
	SmartSort  bool
}

type ListResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type UpdateMetaRequest struct {
	DisplayName *string
	Notes       *string
	DueAt       *time.Time
	LateFee     *float64
	Discount    *float64
}

type CoverageUpdateRequest struct {
	Coverage      Coverage
	Resnapshot    bool
	PreviewTotals *PreviewTotals
}

type ItemEditRequest struct {
	AddClassIDs    []snowflake.ID
	RemoveClassIDs []snowflake.ID
	// UpdateItems patches duration/attendance on existing items by class id.
	UpdateItems []ItemPatch
}

type ItemPatch struct {
	ClassID         snowflake.ID
	DurationMinutes *float64
	Attended        *bool
	Description     *string
}

type SendRequest struct {
	Channel    string
	TemplateID string
	Message    string
}

type Stats struct {
	CountsByStatus     map[Status]int64 `json:"counts_by_status"`
	OutstandingBalance float64          `json:"outstanding_balance"`
	PaidThisMonth      float64          `json:"paid_this_month"`
	TotalInvoiced      float64          `json:"total_invoiced"`
}

// ZeroHourResult reports the auto-payg outcome for one guardian.
type ZeroHourResult struct {
	GuardianID snowflake.ID `json:"guardian_id"`
	InvoiceID  snowflake.ID `json:"invoice_id,omitempty"`
	Suppressed bool         `json:"suppressed"`
	Reason     string       `json:"reason,omitempty"`
}

// Service is the invoice lifecycle authority.
type Service interface {
	Create(ctx context.Context, req CreateRequest, cmd Command) (*Invoice, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	GetByIdentifier(ctx context.Context, identifier string) (*Invoice, error)

	UpdateMeta(ctx context.Context, id snowflake.ID, req UpdateMetaRequest, cmd Command) (*Invoice, error)
	UpdateCoverage(ctx context.Context, id snowflake.ID, req CoverageUpdateRequest, cmd Command) (*Invoice, error)
	ApplyPreviewTotals(ctx context.Context, id snowflake.ID, totals PreviewTotals, cmd Command) (*Invoice, error)

	EditItems(ctx context.Context, id snowflake.ID, req ItemEditRequest, cmd Command) (*Invoice, error)
	PreviewItems(ctx context.Context, id snowflake.ID, req ItemEditRequest) (*Invoice, error)

	MarkSent(ctx context.Context, id snowflake.ID, req SendRequest, cmd Command) (*Invoice, error)
	MarkUnpaid(ctx context.Context, id snowflake.ID, cmd Command) (*Invoice, error)
	Cancel(ctx context.Context, id snowflake.ID, cmd Command) (*Invoice, error)
	SoftDelete(ctx context.Context, id snowflake.ID, cmd Command) (*Invoice, error)
	Restore(ctx context.Context, id snowflake.ID, cmd Command) (*Invoice, error)
	PermanentDelete(ctx context.Context, id snowflake.ID, cmd Command) error

	Rollback(ctx context.Context, id snowflake.ID, auditEntryID snowflake.ID, cmd Command) (*Invoice, error)

	Stats(ctx context.Context) (Stats, error)

	// RecalculateCoverage substitutes eligible unpaid lessons into a settled
	// invoice after removals. Only acts on paid/partially_paid invoices with
	// a positive coverage cap.
	RecalculateCoverage(ctx context.Context, tx *gorm.DB, id snowflake.ID, cmd Command) error

	// MaybeAddClassToUnpaidInvoice links a class to the guardian's single
	// draft/pending invoice whose billing window covers the class date.
	MaybeAddClassToUnpaidInvoice(ctx context.Context, tx *gorm.DB, classID snowflake.ID, cmd Command) error

	// RemoveClassFromOtherUnpaid strips the class from every unpaid invoice
	// except keepInvoiceID.
	RemoveClassFromOtherUnpaid(ctx context.Context, tx *gorm.DB, guardianID, classID snowflake.ID, keepInvoiceID snowflake.ID, cmd Command) error

	// CheckZeroHours runs the auto-payg follow-up check for one guardian (or
	// all when guardianID is zero).
	CheckZeroHours(ctx context.Context, guardianID snowflake.ID, dryRun bool) ([]ZeroHourResult, error)

	// ResequenceUnpaid reassigns sequence numbers of unpaid invoices; the
	// only sanctioned sequence reuse.
	ResequenceUnpaid(ctx context.Context, dryRun bool, cmd Command) (int, error)

	// OverdueTick moves unpaid invoices past their due date to overdue.
	OverdueTick(ctx context.Context, dryRun bool) (int, error)
}
