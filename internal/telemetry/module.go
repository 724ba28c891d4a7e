package telemetry

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/interlab/experiment-coordinator/config"
	"go.uber.org/fx"
)

const forwarderQueueSize = 4096

var Module = fx.Module("telemetry",
	fx.Provide(
		func(logger *slog.Logger) watermill.LoggerAdapter {
			return watermill.NewSlogLogger(logger)
		},
		ProvideBus,
		NewEmitter,
	),
	fx.Invoke(func(lc fx.Lifecycle, bus *Bus) {
		if bus == nil {
			return
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				bus.Close()
				return nil
			},
		})
	}),
)

// ProvideBus builds the AMQP forwarder when a broker DSN is configured.
// Without one, telemetry stays on the local structured log.
func ProvideBus(cfg *config.Config, logger *slog.Logger, wmLogger watermill.LoggerAdapter) (*Bus, error) {
	if cfg.AMQP.DSN == "" {
		return nil, nil
	}
	pubConfig := amqp.NewDurablePubSubConfig(cfg.AMQP.DSN, nil)
	publisher, err := amqp.NewPublisher(pubConfig, wmLogger)
	if err != nil {
		return nil, err
	}
	return NewBus(publisher, logger, forwarderQueueSize), nil
}
