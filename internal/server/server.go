package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	adjustmentdomain "github.com/waraqaweb/billingcore/internal/adjustment/domain"
	auditdomain "github.com/waraqaweb/billingcore/internal/audit/domain"
	"github.com/waraqaweb/billingcore/internal/config"
	"github.com/waraqaweb/billingcore/internal/dispatcher"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	paymentdomain "github.com/waraqaweb/billingcore/internal/payment/domain"
	"github.com/waraqaweb/billingcore/internal/providers/pdf"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	InvoiceSvc invoicedomain.Service
	Applier    paymentdomain.Applier
	Adjuster   adjustmentdomain.Engine
	AuditSvc   auditdomain.Service
	PDF        pdf.Provider
	Dispatcher *dispatcher.Dispatcher
}

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	db         *gorm.DB
	invoiceSvc invoicedomain.Service
	applier    paymentdomain.Applier
	adjuster   adjustmentdomain.Engine
	auditSvc   auditdomain.Service
	pdf        pdf.Provider
	dispatcher *dispatcher.Dispatcher
}

func New(p Params) *Server {
	return &Server{
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		db:         p.DB,
		invoiceSvc: p.InvoiceSvc,
		applier:    p.Applier,
		adjuster:   p.Adjuster,
		auditSvc:   p.AuditSvc,
		pdf:        p.PDF,
		dispatcher: p.Dispatcher,
	}
}

func registerGin(cfg config.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	return engine
}

// RegisterRoutes wires the REST surface under /api/invoices.
func (s *Server) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/invoices")
	api.GET("/public/:slug", s.GetPublicInvoice)

	api.Use(ActorMiddleware())
	api.GET("", s.ListInvoices)
	api.GET("/stats", s.GetStats)
	api.GET("/stats/overview", s.GetStats)
	api.GET("/:identifier", s.GetInvoice)
	api.GET("/:identifier/download-docx", s.DownloadInvoice)

	admin := api.Group("")
	admin.Use(RequireAdmin())
	admin.POST("", s.CreateInvoice)
	admin.PUT("/:identifier", s.UpdateInvoice)
	admin.PUT("/:identifier/coverage", s.UpdateCoverage)
	admin.PUT("/:identifier/snapshot", s.ApplySnapshotTotals)
	admin.POST("/:identifier/items", s.EditItems)
	admin.POST("/:identifier/items/preview", s.PreviewItems)
	admin.POST("/:identifier/payment", s.ApplyPayment)
	admin.PUT("/:identifier/pay", s.ApplyPayment)
	admin.POST("/:identifier/mark-unpaid", s.MarkUnpaid)
	admin.POST("/:identifier/refund", s.RecordRefund)
	admin.POST("/:identifier/adjustments", s.ApplyAdjustment)
	admin.GET("/:identifier/audit", s.ListAuditTrail)
	admin.POST("/:identifier/rollback", s.Rollback)
	admin.POST("/:identifier/send", s.SendInvoice)
	admin.POST("/:identifier/toggle-send", s.SendInvoice)
	admin.POST("/:identifier/cancel", s.CancelInvoice)
	admin.DELETE("/:identifier", s.DeleteInvoice)
	admin.POST("/:identifier/restore", s.RestoreInvoice)
	admin.DELETE("/:identifier/permanent", s.PermanentDeleteInvoice)
	admin.POST("/check-zero-hours", s.CheckZeroHours)
	admin.POST("/admin/resequence-unpaid", s.ResequenceUnpaid)

	classes := engine.Group("/api/classes")
	classes.Use(ActorMiddleware(), RequireAdmin())
	classes.POST("/:id/events", s.HandleClassEvent)
}

// Module wires the HTTP layer.
var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, engine *gin.Engine, server *Server, cfg config.Config, log *zap.Logger) {
		server.RegisterRoutes(engine)
		httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: engine}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("http server stopped", zap.Error(err))
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return httpServer.Shutdown(ctx)
			},
		})
	}),
)
