package payment

import (
	"github.com/waraqaweb/billingcore/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.applier",
	fx.Provide(service.NewService),
)
