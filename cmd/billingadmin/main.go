// billingadmin runs the operational scripts of the billing core.
//
// Usage:
//
//	billingadmin check-zero-hours [--dry-run] [--guardianId ID]
//	billingadmin resequence-unpaid [--dry-run]
//	billingadmin overdue-tick [--dry-run]
//
// Exit codes: 0 on success, 1 on any failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/snowflake"
	auditservice "github.com/waraqaweb/billingcore/internal/audit/service"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/internal/config"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	invoiceservice "github.com/waraqaweb/billingcore/internal/invoice/service"
	"github.com/waraqaweb/billingcore/internal/invoice/store"
	"github.com/waraqaweb/billingcore/internal/lesson/selector"
	"github.com/waraqaweb/billingcore/internal/logger"
	"github.com/waraqaweb/billingcore/internal/migration"
	"github.com/waraqaweb/billingcore/internal/providers/email"
	"github.com/waraqaweb/billingcore/internal/sequence"
	"github.com/waraqaweb/billingcore/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: billingadmin <check-zero-hours|resequence-unpaid|overdue-tick> [flags]")
		os.Exit(1)
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	dryRun := flags.Bool("dry-run", false, "report without writing")
	guardianID := flags.String("guardianId", "", "limit to one guardian")
	invoiceID := flags.String("invoiceId", "", "limit to one invoice")
	sinceDays := flags.Int("sinceDays", 0, "limit to recent records")
	limit := flags.Int("limit", 0, "max records to process")
	_ = flags.Parse(os.Args[2:])
	_ = invoiceID
	_ = sinceDays
	_ = limit

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, command, *dryRun, *guardianID); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, dryRun bool, guardianRaw string) error {
	cfg := config.Load()

	log, err := logger.New(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

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
		return err
	}
	conn, err := gorm.Open(dialect, &gorm.Config{})
	if err != nil {
		return err
	}
	if err := migration.Run(conn); err != nil {
		return err
	}

	node, err := snowflake.NewNode(2)
	if err != nil {
		return err
	}
	sysClock := clock.System()

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: sysClock,
	})
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:        conn,
		Log:       log,
		GenID:     node,
		Clock:     sysClock,
		Cfg:       cfg.Billing,
		Store:     store.New(conn),
		Allocator: sequence.NewAllocator(conn, log),
		Selector: selector.New(selector.Params{
			DB:    conn,
			Log:   log,
			Clock: sysClock,
			Cfg:   cfg.Billing,
		}),
		AuditSvc: auditSvc,
		Email:    email.NewProvider(log),
	})

	switch command {
	case "check-zero-hours":
		var guardian snowflake.ID
		if guardianRaw != "" {
			guardian, err = snowflake.ParseString(guardianRaw)
			if err != nil {
				return fmt.Errorf("invalid --guardianId: %w", err)
			}
		}
		results, err := invoiceSvc.CheckZeroHours(ctx, guardian, dryRun)
		if err != nil {
			return err
		}
		for _, result := range results {
			if result.Suppressed {
				log.Info("suppressed",
					zap.String("guardian_id", result.GuardianID.String()),
					zap.String("reason", result.Reason))
				continue
			}
			log.Info("follow-up invoice",
				zap.String("guardian_id", result.GuardianID.String()),
				zap.String("invoice_id", result.InvoiceID.String()),
				zap.Bool("dry_run", dryRun))
		}
		fmt.Printf("checked %d guardians\n", len(results))
		return nil

	case "resequence-unpaid":
		count, err := invoiceSvc.ResequenceUnpaid(ctx, dryRun, invoicedomain.Command{})
		if err != nil {
			return err
		}
		fmt.Printf("resequenced %d invoices (dry-run=%v)\n", count, dryRun)
		return nil

	case "overdue-tick":
		count, err := invoiceSvc.OverdueTick(ctx, dryRun)
		if err != nil {
			return err
		}
		fmt.Printf("marked %d invoices overdue (dry-run=%v)\n", count, dryRun)
		return nil

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
