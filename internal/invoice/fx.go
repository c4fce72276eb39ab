package invoice

import (
	"github.com/waraqaweb/billingcore/internal/invoice/service"
	"github.com/waraqaweb/billingcore/internal/invoice/store"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(store.New),
	fx.Provide(service.NewService),
)
