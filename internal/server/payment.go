package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	adjustmentdomain "github.com/waraqaweb/billingcore/internal/adjustment/domain"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	paymentdomain "github.com/waraqaweb/billingcore/internal/payment/domain"
)

func (s *Server) ApplyPayment(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body struct {
		Amount         *float64 `json:"amount"`
		PaidHours      *float64 `json:"paid_hours"`
		PaymentMethod  string   `json:"payment_method"`
		TransactionID  string   `json:"transaction_id"`
		IdempotencyKey string   `json:"idempotency_key"`
		Tip            float64  `json:"tip"`
		PaidAt         string   `json:"paid_at"`
		Note           string   `json:"note"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := paymentdomain.Request{
		Amount:         body.Amount,
		PaidHours:      body.PaidHours,
		Method:         invoicedomain.PaymentMethod(body.PaymentMethod),
		TransactionID:  body.TransactionID,
		IdempotencyKey: body.IdempotencyKey,
		Tip:            body.Tip,
		Note:           body.Note,
	}
	// The HTTP header wins over the body so gateway retries stay idempotent.
	if header := c.GetHeader("Idempotency-Key"); header != "" {
		req.IdempotencyKey = header
	}
	if body.PaidAt != "" {
		paidAt, err := parseOptionalTime(body.PaidAt, false)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		req.PaidAt = paidAt
	}

	result, err := s.applier.Apply(c.Request.Context(), id, req, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// Duplicates are 2xx with a marker, never an error.
	c.JSON(http.StatusOK, result)
}

func (s *Server) MarkUnpaid(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	inv, err := s.invoiceSvc.MarkUnpaid(c.Request.Context(), id, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) RecordRefund(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body struct {
		Amount          float64 `json:"amount"`
		RefundHours     float64 `json:"refund_hours"`
		Reason          string  `json:"reason"`
		RefundReference string  `json:"refund_reference"`
		IdempotencyKey  string  `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := adjustmentdomain.RefundRequest{
		Amount:          body.Amount,
		RefundHours:     body.RefundHours,
		Reason:          body.Reason,
		RefundReference: body.RefundReference,
		IdempotencyKey:  body.IdempotencyKey,
	}
	if header := c.GetHeader("Idempotency-Key"); header != "" {
		req.IdempotencyKey = header
	}

	result, err := s.adjuster.RecordRefund(c.Request.Context(), id, req, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) ApplyAdjustment(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body struct {
		Type           string   `json:"type"`
		Mode           string   `json:"mode"`
		AddClassIDs    []string `json:"add_class_ids"`
		RemoveClassIDs []string `json:"remove_class_ids"`
		Refund         *struct {
			Amount      float64 `json:"amount"`
			RefundHours float64 `json:"refund_hours"`
			Reason      string  `json:"reason"`
		} `json:"refund"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := adjustmentdomain.AdjustmentRequest{
		Type: adjustmentdomain.AdjustmentType(body.Type),
		Mode: adjustmentdomain.RemoveMode(body.Mode),
	}
	if body.Refund != nil {
		req.Refund = &adjustmentdomain.RefundRequest{
			Amount:      body.Refund.Amount,
			RefundHours: body.Refund.RefundHours,
			Reason:      body.Refund.Reason,
		}
	}
	for _, raw := range body.AddClassIDs {
		classID, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		req.AddClassIDs = append(req.AddClassIDs, classID)
	}
	for _, raw := range body.RemoveClassIDs {
		classID, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		req.RemoveClassIDs = append(req.RemoveClassIDs, classID)
	}

	inv, err := s.adjuster.ApplyAdjustment(c.Request.Context(), id, req, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}
