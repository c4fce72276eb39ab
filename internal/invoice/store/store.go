// Package store loads and saves the invoice aggregate with optimistic
// version checking. Every engine that mutates invoices goes through it.
package store

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"github.com/waraqaweb/billingcore/internal/money"
	"github.com/waraqaweb/billingcore/pkg/db"
	"gorm.io/gorm"
)

type Store struct {
	db   *gorm.DB
	caps db.Capabilities
}

func New(conn *gorm.DB) *Store {
	return &Store{db: conn, caps: db.CapabilitiesFor(conn)}
}

func (s *Store) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *Store) Load(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	err := s.conn(tx).WithContext(ctx).Where("id = ?", id).First(&inv).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// LoadForUpdate takes a row lock where the dialect supports it.
func (s *Store) LoadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	if !s.caps.RowLocking {
		return s.Load(ctx, tx, id)
	}
	var inv invoicedomain.Invoice
	err := s.conn(tx).WithContext(ctx).
		Raw(`SELECT * FROM invoices WHERE id = ? FOR UPDATE`, id).
		Scan(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return &inv, nil
}

// LoadByIdentifier resolves a slug or a raw id.
func (s *Store) LoadByIdentifier(ctx context.Context, tx *gorm.DB, identifier string) (*invoicedomain.Invoice, error) {
	identifier = strings.TrimSpace(identifier)
	if id, err := snowflake.ParseString(identifier); err == nil {
		inv, err := s.Load(ctx, tx, id)
		if err == nil {
			return inv, nil
		}
	}
	var inv invoicedomain.Invoice
	err := s.conn(tx).WithContext(ctx).Where("slug = ?", identifier).First(&inv).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *Store) Insert(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice) error {
	return s.conn(tx).WithContext(ctx).Create(inv).Error
}

// Save persists the aggregate iff nobody else saved it since it was loaded.
// On a lost race it returns ErrConflict so the caller can refetch and retry.
func (s *Store) Save(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice) error {
	expected := inv.Version
	inv.Version = expected + 1

	result := s.conn(tx).WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND version = ?", inv.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(inv)
	if result.Error != nil {
		inv.Version = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		inv.Version = expected
		return invoicedomain.ErrConflict
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	return s.conn(tx).WithContext(ctx).Exec(`DELETE FROM invoices WHERE id = ?`, id).Error
}

// ActiveInvoicesForGuardian returns the guardian's non-cancelled,
// non-refunded, non-deleted invoices.
func (s *Store) ActiveInvoicesForGuardian(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := s.conn(tx).WithContext(ctx).
		Where("guardian_id = ?", guardianID).
		Where("status NOT IN ?", []invoicedomain.Status{invoicedomain.StatusCancelled, invoicedomain.StatusRefunded}).
		Where("deleted_at IS NULL").
		Order("created_at ASC").
		Find(&invoices).Error
	return invoices, err
}

// UnpaidInvoicesForGuardian returns draft/pending/sent/overdue invoices.
func (s *Store) UnpaidInvoicesForGuardian(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := s.conn(tx).WithContext(ctx).
		Where("guardian_id = ?", guardianID).
		Where("status IN ?", []invoicedomain.Status{
			invoicedomain.StatusDraft,
			invoicedomain.StatusPending,
			invoicedomain.StatusSent,
			invoicedomain.StatusOverdue,
		}).
		Where("deleted_at IS NULL").
		Order("created_at ASC").
		Find(&invoices).Error
	return invoices, err
}

// InvoiceHoldingLessonID finds the active invoice carrying the denormalized
// lesson id, regardless of guardian. Used for deletion events where the
// class row is already gone.
func (s *Store) InvoiceHoldingLessonID(ctx context.Context, tx *gorm.DB, lessonID string) (*invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := s.conn(tx).WithContext(ctx).
		Where("status NOT IN ?", []invoicedomain.Status{invoicedomain.StatusCancelled, invoicedomain.StatusRefunded}).
		Where("deleted_at IS NULL").
		Where("items LIKE ?", "%\""+lessonID+"\"%").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		if _, ok := invoices[i].FindItem(0, lessonID); ok {
			return &invoices[i], nil
		}
	}
	return nil, nil
}

// InvoiceHoldingClass finds the active invoice a class currently sits on.
func (s *Store) InvoiceHoldingClass(ctx context.Context, tx *gorm.DB, guardianID, classID snowflake.ID) (*invoicedomain.Invoice, error) {
	invoices, err := s.ActiveInvoicesForGuardian(ctx, tx, guardianID)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		if _, ok := invoices[i].FindItem(classID, classID.String()); ok {
			return &invoices[i], nil
		}
	}
	return nil, nil
}

func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) DB() *gorm.DB { return s.db }

// SyncPaidByGuardian recomputes the per-class paid flags: a class is
// paid-by-guardian iff the invoice's paid coverage reaches the class's
// cumulative chronological hours.
func (s *Store) SyncPaidByGuardian(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice) error {
	covered := inv.CoveredHours()
	var cumulative float64
	for _, item := range inv.Items {
		if item.ClassID == 0 {
			continue
		}
		cumulative += item.DurationMinutes / 60
		paid := cumulative <= covered+money.EpsilonHours
		err := s.conn(tx).WithContext(ctx).
			Exec(`UPDATE classes SET paid_by_guardian = ? WHERE id = ?`, paid, item.ClassID).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// ClearPaidByGuardian unsets the flag on every class of the invoice.
func (s *Store) ClearPaidByGuardian(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice) error {
	ids := make([]snowflake.ID, 0, len(inv.Items))
	for _, item := range inv.Items {
		if item.ClassID != 0 {
			ids = append(ids, item.ClassID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return s.conn(tx).WithContext(ctx).
		Exec(`UPDATE classes SET paid_by_guardian = ? WHERE id IN ?`, false, ids).Error
}
