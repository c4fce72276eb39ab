package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	Billing BillingConfig
}

// BillingConfig carries the tunables of the billing engine.
type BillingConfig struct {
	// DefaultHourlyRate is the documented last-resort rate when neither the
	// invoice snapshot, the guardian profile, nor any item carries one.
	DefaultHourlyRate float64
	// TipPlatformCut is the platform share withheld from tips before
	// distribution to teachers.
	TipPlatformCut float64
	// MaxInvoiceItems hard-caps selector output.
	MaxInvoiceItems int
	// DueDays is the default due-date offset for generated invoices.
	DueDays int
	// ReportWindowHours is loaded from BILLING_REPORT_WINDOW_HOURS; no billing
	// code reads it. The selector takes report-window eligibility from each
	// class's ReportDeadline and ReportExtensionUntil.
	ReportWindowHours int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "billingcore"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:     getenv("DB_TYPE", "postgres"),
		DBHost:     getenv("DB_HOST", "localhost"),
		DBPort:     getenv("DB_PORT", "5432"),
		DBName:     getenv("DB_NAME", "billingcore"),
		DBUser:     getenv("DB_USER", "postgres"),
		DBPassword: getenv("DB_PASSWORD", ""),
		DBSSLMode:  getenv("DB_SSL_MODE", "disable"),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		Billing: BillingConfig{
			DefaultHourlyRate: getenvFloat("BILLING_DEFAULT_HOURLY_RATE", 10),
			TipPlatformCut:    getenvFloat("BILLING_TIP_PLATFORM_CUT", 0.05),
			MaxInvoiceItems:   int(getenvInt64("BILLING_MAX_INVOICE_ITEMS", 400)),
			DueDays:           int(getenvInt64("BILLING_DUE_DAYS", 7)),
			ReportWindowHours: int(getenvInt64("BILLING_REPORT_WINDOW_HOURS", 48)),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// Module provides the loaded configuration to the fx graph.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(func(cfg Config) BillingConfig { return cfg.Billing }),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
