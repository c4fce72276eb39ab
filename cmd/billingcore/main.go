package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/waraqaweb/billingcore/internal/adjustment"
	"github.com/waraqaweb/billingcore/internal/audit"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/internal/config"
	"github.com/waraqaweb/billingcore/internal/dispatcher"
	"github.com/waraqaweb/billingcore/internal/events"
	"github.com/waraqaweb/billingcore/internal/invoice"
	"github.com/waraqaweb/billingcore/internal/ledger"
	"github.com/waraqaweb/billingcore/internal/lesson"
	"github.com/waraqaweb/billingcore/internal/logger"
	"github.com/waraqaweb/billingcore/internal/migration"
	"github.com/waraqaweb/billingcore/internal/payment"
	"github.com/waraqaweb/billingcore/internal/providers/broadcast"
	"github.com/waraqaweb/billingcore/internal/providers/email"
	"github.com/waraqaweb/billingcore/internal/providers/pdf"
	"github.com/waraqaweb/billingcore/internal/sequence"
	"github.com/waraqaweb/billingcore/internal/server"
	"github.com/waraqaweb/billingcore/pkg/db"
	"github.com/waraqaweb/billingcore/pkg/telemetry"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		fx.Provide(func() clock.Clock { return clock.System() }),
		fx.Provide(telemetry.NewMetrics),
		fx.Provide(func(cfg config.Config) (*gorm.DB, error) {
			dialect, err := db.Dialect(db.Config{
				Type:     cfg.DBType,
				Host:     cfg.DBHost,
				Port:     cfg.DBPort,
				Name:     cfg.DBName,
				User:     cfg.DBUser,
				Password: cfg.DBPassword,
				SSLMode:  cfg.DBSSLMode,
			})
			if err != nil {
				return nil, err
			}
			return gorm.Open(dialect, &gorm.Config{})
		}),
		fx.Invoke(func(conn *gorm.DB) error {
			return migration.Run(conn)
		}),
		broadcast.Module,
		email.Module,
		pdf.Module,
		events.Module,
		audit.Module,
		sequence.Module,
		ledger.Module,
		lesson.Module,
		invoice.Module,
		payment.Module,
		adjustment.Module,
		dispatcher.Module,
		server.Module,
	)
	app.Run()
}
