package matchmaker

import "go.uber.org/fx"

var Module = fx.Module("matchmaker",
	fx.Provide(NewService),
)
