package lottery

import "go.uber.org/fx"

var Module = fx.Module("lottery",
	fx.Provide(NewService),
)
