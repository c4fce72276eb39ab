package broadcast

import "go.uber.org/fx"

var Module = fx.Module("providers.broadcast",
	fx.Provide(NewPublisher),
)
