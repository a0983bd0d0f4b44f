package action

import "go.uber.org/fx"

var Module = fx.Module("action.service",
	fx.Provide(NewService),
)
