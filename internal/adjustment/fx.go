package adjustment

import (
	"github.com/waraqaweb/billingcore/internal/adjustment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("adjustment.engine",
	fx.Provide(service.NewService),
)
