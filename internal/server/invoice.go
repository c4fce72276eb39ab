package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/waraqaweb/billingcore/internal/export"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
)

func (s *Server) ListInvoices(c *gin.Context) {
	var query struct {
		Status    string `form:"status"`
		Type      string `form:"type"`
		Guardian  string `form:"guardian"`
		Teacher   string `form:"teacher"`
		Search    string `form:"search"`
		DateFrom  string `form:"date_from"`
		DateTo    string `form:"date_to"`
		Deleted   bool   `form:"deleted"`
		SmartSort bool   `form:"smartSort"`
		PageToken string `form:"page_token"`
		PageSize  int    `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	guardianID, err := parseOptionalSnowflakeID(query.Guardian)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	teacherID, err := parseOptionalSnowflakeID(query.Teacher)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	dateFrom, err := parseOptionalTime(query.DateFrom, false)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	dateTo, err := parseOptionalTime(query.DateTo, true)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	actor := actorFrom(c)
	switch actor.Role {
	case RoleGuardian:
		guardianID = &actor.ID
		query.Deleted = false
	case RoleTeacher:
		teacherID = &actor.ID
		query.Deleted = false
	}

	req := invoicedomain.ListRequest{
		Status:     query.Status,
		Kind:       query.Type,
		GuardianID: guardianID,
		TeacherID:  teacherID,
		Search:     query.Search,
		DateFrom:   dateFrom,
		DateTo:     dateTo,
		Deleted:    query.Deleted,
		SmartSort:  query.SmartSort,
	}
	req.PageToken = query.PageToken
	req.PageSize = query.PageSize

	resp, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetInvoice(c *gin.Context) {
	inv, err := s.invoiceSvc.GetByIdentifier(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	actor := actorFrom(c)
	switch actor.Role {
	case RoleGuardian:
		if inv.GuardianID == nil || *inv.GuardianID != actor.ID || inv.DeletedAt != nil {
			AbortWithError(c, ErrForbidden)
			return
		}
	case RoleTeacher:
		if inv.TeacherID == nil || *inv.TeacherID != actor.ID || inv.DeletedAt != nil {
			AbortWithError(c, ErrForbidden)
			return
		}
	}
	c.JSON(http.StatusOK, inv)
}

// GetPublicInvoice is the unauthenticated pay-link view: slug only, no audit
// trail, no payment log details.
func (s *Server) GetPublicInvoice(c *gin.Context) {
	inv, err := s.invoiceSvc.GetByIdentifier(c.Request.Context(), c.Param("slug"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if inv.DeletedAt != nil || inv.Slug != strings.TrimSpace(c.Param("slug")) {
		AbortWithError(c, invoicedomain.ErrInvoiceNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invoice_number": inv.InvoiceNumber,
		"display_name":   inv.DisplayName,
		"status":         string(inv.Status),
		"total":          inv.Total,
		"paid_amount":    inv.PaidAmount,
		"remaining":      inv.RemainingBalance(),
		"due_at":         inv.DueAt,
	})
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var body struct {
		Kind         string                    `json:"kind"`
		GuardianID   string                    `json:"guardian_id"`
		TeacherID    string                    `json:"teacher_id"`
		PeriodStart  string                    `json:"period_start"`
		PeriodEnd    string                    `json:"period_end"`
		DisplayName  string                    `json:"display_name"`
		Notes        string                    `json:"notes"`
		DueAt        string                    `json:"due_at"`
		Coverage     *invoicedomain.Coverage   `json:"coverage"`
		StudentIDs   []string                  `json:"student_ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := invoicedomain.CreateRequest{
		Kind:        invoicedomain.Kind(body.Kind),
		DisplayName: body.DisplayName,
		Notes:       body.Notes,
		Coverage:    body.Coverage,
	}
	var err error
	if req.GuardianID, err = parseOptionalSnowflakeID(body.GuardianID); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.TeacherID, err = parseOptionalSnowflakeID(body.TeacherID); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.PeriodStart, err = parseOptionalTime(body.PeriodStart, false); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.PeriodEnd, err = parseOptionalTime(body.PeriodEnd, true); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.DueAt, err = parseOptionalTime(body.DueAt, true); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	for _, raw := range body.StudentIDs {
		id, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		req.StudentAllowList = append(req.StudentAllowList, id)
	}

	inv, err := s.invoiceSvc.Create(c.Request.Context(), req, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (s *Server) UpdateInvoice(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body struct {
		DisplayName *string  `json:"display_name"`
		Notes       *string  `json:"notes"`
		DueAt       *string  `json:"due_at"`
		LateFee     *float64 `json:"late_fee"`
		Discount    *float64 `json:"discount"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := invoicedomain.UpdateMetaRequest{
		DisplayName: body.DisplayName,
		Notes:       body.Notes,
		LateFee:     body.LateFee,
		Discount:    body.Discount,
	}
	if body.DueAt != nil {
		due, err := parseOptionalTime(*body.DueAt, true)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		req.DueAt = due
	}

	inv, err := s.invoiceSvc.UpdateMeta(c.Request.Context(), id, req, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) UpdateCoverage(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body struct {
		Coverage      invoicedomain.Coverage        `json:"coverage"`
		Resnapshot    bool                          `json:"resnapshot"`
		PreviewTotals *invoicedomain.PreviewTotals  `json:"preview_totals"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	inv, err := s.invoiceSvc.UpdateCoverage(c.Request.Context(), id, invoicedomain.CoverageUpdateRequest{
		Coverage:      body.Coverage,
		Resnapshot:    body.Resnapshot,
		PreviewTotals: body.PreviewTotals,
	}, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) ApplySnapshotTotals(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body invoicedomain.PreviewTotals
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	inv, err := s.invoiceSvc.ApplyPreviewTotals(c.Request.Context(), id, body, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

type itemEditBody struct {
	AddClassIDs    []string `json:"add_class_ids"`
	RemoveClassIDs []string `json:"remove_class_ids"`
	UpdateItems    []struct {
		ClassID         string   `json:"class_id"`
		DurationMinutes *float64 `json:"duration_minutes"`
		Attended        *bool    `json:"attended"`
		Description     *string  `json:"description"`
	} `json:"update_items"`
}

func (b itemEditBody) toRequest() (invoicedomain.ItemEditRequest, error) {
	var req invoicedomain.ItemEditRequest
	for _, raw := range b.AddClassIDs {
		id, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil {
			return req, err
		}
		req.AddClassIDs = append(req.AddClassIDs, id)
	}
	for _, raw := range b.RemoveClassIDs {
		id, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil {
			return req, err
		}
		req.RemoveClassIDs = append(req.RemoveClassIDs, id)
	}
	for _, patch := range b.UpdateItems {
		id, err := snowflake.ParseString(strings.TrimSpace(patch.ClassID))
		if err != nil {
			return req, err
		}
		req.UpdateItems = append(req.UpdateItems, invoicedomain.ItemPatch{
			ClassID:         id,
			DurationMinutes: patch.DurationMinutes,
			Attended:        patch.Attended,
			Description:     patch.Description,
		})
	}
	return req, nil
}

func (s *Server) EditItems(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body itemEditBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req, err := body.toRequest()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var transfer struct {
		TransferOnDuplicate bool `form:"transfer_on_duplicate"`
	}
	_ = c.ShouldBindQuery(&transfer)

	cmd := s.command(c)
	cmd.TransferOnDuplicate = transfer.TransferOnDuplicate

	inv, err := s.invoiceSvc.EditItems(c.Request.Context(), id, req, cmd)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) PreviewItems(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body itemEditBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req, err := body.toRequest()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	inv, err := s.invoiceSvc.PreviewItems(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) SendInvoice(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body invoicedomain.SendRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if body.Channel == "" {
		body.Channel = "email"
	}

	inv, err := s.invoiceSvc.MarkSent(c.Request.Context(), id, body, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) CancelInvoice(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	inv, err := s.invoiceSvc.Cancel(c.Request.Context(), id, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) DeleteInvoice(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	inv, err := s.invoiceSvc.SoftDelete(c.Request.Context(), id, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) RestoreInvoice(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	inv, err := s.invoiceSvc.Restore(c.Request.Context(), id, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) PermanentDeleteInvoice(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.invoiceSvc.PermanentDelete(c.Request.Context(), id, s.command(c)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) Rollback(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body struct {
		AuditEntryID string `json:"audit_entry_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	entryID, err := snowflake.ParseString(strings.TrimSpace(body.AuditEntryID))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	inv, err := s.invoiceSvc.Rollback(c.Request.Context(), id, entryID, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) ListAuditTrail(c *gin.Context) {
	id, err := s.resolveID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	entries, err := s.auditSvc.ListForTarget(c.Request.Context(), "invoice", id.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) GetStats(c *gin.Context) {
	stats, err := s.invoiceSvc.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) DownloadInvoice(c *gin.Context) {
	inv, err := s.invoiceSvc.GetByIdentifier(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var guardian *userdomain.Guardian
	if inv.GuardianID != nil {
		var g userdomain.Guardian
		if err := s.db.WithContext(c.Request.Context()).Where("id = ?", *inv.GuardianID).First(&g).Error; err == nil {
			guardian = &g
		}
	}

	snap := export.Build(inv, guardian, nil, export.Options{})
	doc, err := s.pdf.RenderInvoice(c.Request.Context(), snap)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+inv.InvoiceNumber+".pdf")
	c.Data(http.StatusOK, "application/pdf", doc)
}

func (s *Server) CheckZeroHours(c *gin.Context) {
	var body struct {
		GuardianID string `json:"guardian_id"`
		DryRun     bool   `json:"dry_run"`
	}
	_ = c.ShouldBindJSON(&body)

	var guardianID snowflake.ID
	if body.GuardianID != "" {
		id, err := snowflake.ParseString(strings.TrimSpace(body.GuardianID))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		guardianID = id
	}

	results, err := s.invoiceSvc.CheckZeroHours(c.Request.Context(), guardianID, body.DryRun)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) ResequenceUnpaid(c *gin.Context) {
	var body struct {
		DryRun bool `json:"dry_run"`
	}
	_ = c.ShouldBindJSON(&body)

	count, err := s.invoiceSvc.ResequenceUnpaid(c.Request.Context(), body.DryRun, s.command(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resequenced": count, "dry_run": body.DryRun})
}

func (s *Server) resolveID(c *gin.Context) (snowflake.ID, error) {
	inv, err := s.invoiceSvc.GetByIdentifier(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		return 0, err
	}
	return inv.ID, nil
}

func (s *Server) command(c *gin.Context) invoicedomain.Command {
	return invoicedomain.Command{Actor: actorFrom(c).ID}
}
