package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
)

// AbortWithError maps domain errors onto the API taxonomy. Validation and
// not-found answers are 4xx and never retried; conflicts are 409 so callers
// refetch and retry.
func AbortWithError(c *gin.Context, err error) {
	var conflicting *invoicedomain.ConflictingInvoice
	if errors.As(err, &conflicting) {
		c.AbortWithStatusJSON(http.StatusConflict, errorResponse{Error: errorPayload{
			Type:    "lesson_already_invoiced",
			Message: "lesson already belongs to another invoice",
			Details: map[string]any{
				"invoice_id":     conflicting.InvoiceID,
				"invoice_number": conflicting.InvoiceNumber,
			},
		}})
		return
	}

	switch {
	case errors.Is(err, invoicedomain.ErrValidation),
		errors.Is(err, invoicedomain.ErrIllegalTransition),
		errors.Is(err, invoicedomain.ErrItemsFrozen),
		errors.Is(err, invoicedomain.ErrInvalidInvoiceID),
		errors.Is(err, ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}})
	case errors.Is(err, invoicedomain.ErrNoPayments):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{
			Type:    "no_payments",
			Message: err.Error(),
		}})
	case errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, invoicedomain.ErrNotDeleted),
		errors.Is(err, gorm.ErrRecordNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}})
	case errors.Is(err, invoicedomain.ErrForbidden), errors.Is(err, ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: errorPayload{
			Type:    "forbidden",
			Message: err.Error(),
		}})
	case errors.Is(err, ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorPayload{
			Type:    "unauthorized",
			Message: err.Error(),
		}})
	case errors.Is(err, invoicedomain.ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, errorResponse{Error: errorPayload{
			Type:    "conflict",
			Message: "concurrent modification, refetch and retry",
		}})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: errorPayload{
			Type:    "internal_error",
			Message: err.Error(),
		}})
	}
}

func invalidRequestError() error { return ErrInvalidRequest }
