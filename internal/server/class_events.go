package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/waraqaweb/billingcore/internal/dispatcher"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	"gorm.io/gorm"
)

// HandleClassEvent is the ingress for the scheduling engine: it posts the
// class's new state plus the previous projection and the dispatcher
// propagates the change to the ledgers and the right invoice.
func (s *Server) HandleClassEvent(c *gin.Context) {
	var body struct {
		Kind     string `json:"kind"`
		Previous struct {
			Status             string  `json:"status"`
			DurationMinutes    float64 `json:"duration_minutes"`
			SkipHourAdjustment bool    `json:"skip_hour_adjustment"`
		} `json:"previous"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	classID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var class lessondomain.Class
	err = s.db.WithContext(c.Request.Context()).Where("id = ?", classID).First(&class).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			AbortWithError(c, err)
			return
		}
		// Deletion events arrive after the row is gone; the id and the
		// previous projection are all the dispatcher needs.
		class = lessondomain.Class{ID: classID}
	}

	event := dispatcher.Event{
		Kind:  dispatcher.EventKind(body.Kind),
		Class: class,
		Previous: lessondomain.Projection{
			Status:             lessondomain.ClassStatus(body.Previous.Status),
			DurationMinutes:    body.Previous.DurationMinutes,
			SkipHourAdjustment: body.Previous.SkipHourAdjustment,
		},
		Actor: actorFrom(c).ID,
	}

	if err := s.dispatcher.Dispatch(c.Request.Context(), event); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatched": true})
}
