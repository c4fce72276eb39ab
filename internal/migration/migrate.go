// Package migration owns the schema. The store contract is CRUD plus the
// unique indexes declared on the models; gorm derives both.
package migration

import (
	auditdomain "github.com/waraqaweb/billingcore/internal/audit/domain"
	"github.com/waraqaweb/billingcore/internal/events"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	lessondomain "github.com/waraqaweb/billingcore/internal/lesson/domain"
	paymentdomain "github.com/waraqaweb/billingcore/internal/payment/domain"
	"github.com/waraqaweb/billingcore/internal/sequence"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
	"gorm.io/gorm"
)

func Run(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&userdomain.Guardian{},
		&userdomain.Student{},
		&userdomain.Teacher{},
		&userdomain.TeacherMonth{},
		&lessondomain.Class{},
		&invoicedomain.Invoice{},
		&auditdomain.Entry{},
		&paymentdomain.Payment{},
		&sequence.Counter{},
		&events.Record{},
	)
}
