package cmd

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/interlab/experiment-coordinator/config"
	"github.com/interlab/experiment-coordinator/infra/httpsrv"
	"github.com/interlab/experiment-coordinator/internal/domain/registry"
	"github.com/interlab/experiment-coordinator/internal/game"
	"github.com/interlab/experiment-coordinator/internal/handler/dispatch"
	"github.com/interlab/experiment-coordinator/internal/handler/ws"
	"github.com/interlab/experiment-coordinator/internal/matchmaker"
	"github.com/interlab/experiment-coordinator/internal/orchestrator"
	"github.com/interlab/experiment-coordinator/internal/peer"
	"github.com/interlab/experiment-coordinator/internal/sink"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideExperimentStore,
		),
		telemetry.Module,
		sink.Module,
		registry.Module,
		game.Module,
		peer.Module,
		matchmaker.Module,
		orchestrator.Module,
		dispatch.Module,
		ws.Module,
		httpsrv.Module,
	)
}

// ProvideExperimentStore loads the researcher's scene tree and keeps it hot
// reloaded for future registrations.
func ProvideExperimentStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*config.ExperimentStore, error) {
	store, err := config.NewExperimentStore(cfg.ExperimentFile, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return store.Close() },
	})
	return store, nil
}
