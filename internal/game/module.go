package game

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("game",
	fx.Provide(NewManager),
	fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				m.Shutdown()
				return nil
			},
		})
	}),
)
