package run

import "go.uber.org/fx"

var Module = fx.Module("run.service",
	fx.Provide(NewService),
)
