package sink

import (
	"context"
	"log/slog"

	"github.com/interlab/experiment-coordinator/config"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
	"go.uber.org/fx"
)

var Module = fx.Module("sink",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger, emitter telemetry.Emitter) (*FileSink, error) {
			return NewFileSink(cfg.DataDir, logger, emitter)
		},
		fx.Annotate(
			func(s *FileSink) DataSink { return s },
			fx.As(new(DataSink)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, s *FileSink) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				s.Close()
				return nil
			},
		})
	}),
)
