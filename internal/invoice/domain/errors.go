package domain

import "errors"

var (
	ErrInvoiceNotFound       = errors.New("invoice_not_found")
	ErrInvalidInvoiceID      = errors.New("invalid_invoice_id")
	ErrIllegalTransition     = errors.New("illegal_transition")
	ErrItemsFrozen           = errors.New("items_frozen")
	ErrLessonAlreadyInvoiced = errors.New("lesson_already_invoiced")
	ErrAlreadySettled        = errors.New("already_settled")
	ErrNoPayments            = errors.New("no_payments")
	ErrConflict              = errors.New("conflict")
	ErrNotDeleted            = errors.New("not_deleted")
	ErrValidation            = errors.New("validation_error")
	ErrForbidden             = errors.New("forbidden")
	ErrNoFutureClasses       = errors.New("no_future_classes_zero_balance")
)

// ConflictingInvoice decorates ErrLessonAlreadyInvoiced with the invoice the
// lesson already belongs to, for the API payload.
type ConflictingInvoice struct {
	InvoiceID     string
	InvoiceNumber string
}

func (e *ConflictingInvoice) Error() string { return ErrLessonAlreadyInvoiced.Error() }

func (e *ConflictingInvoice) Unwrap() error { return ErrLessonAlreadyInvoiced }
