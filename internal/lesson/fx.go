package lesson

import (
	"github.com/waraqaweb/billingcore/internal/lesson/selector"
	"go.uber.org/fx"
)

var Module = fx.Module("lesson",
	fx.Provide(selector.New),
)
