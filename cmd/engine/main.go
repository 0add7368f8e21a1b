package main

import (
	"context"

	"order_engine/internal/modules/binance"
	"order_engine/internal/modules/bootstrap"
	"order_engine/internal/modules/config"
	"order_engine/internal/modules/health"
	"order_engine/internal/modules/ledger"
	"order_engine/internal/modules/notifier"
	"order_engine/internal/modules/postgres"
	telegram "order_engine/internal/modules/telegram_bot"
	"order_engine/internal/runner"
	"order_engine/pkg/logger"
	"order_engine/pkg/tracing"

	"go.uber.org/fx"
)

func initLogger(lc fx.Lifecycle, cfg *config.Config) error {
	logger.SetServiceName(cfg.Service.Name)
	if err := logger.Init(cfg.Service.LogLevel, cfg.Service.LogJSON); err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			logger.Sync()
			return nil
		},
	})
	return nil
}

func initTracing(lc fx.Lifecycle, cfg *config.Config) error {
	if !cfg.Tracing.Enabled {
		return nil
	}
	tracing.SetServiceName(cfg.Service.Name)
	_, closer, err := tracing.InitTracer(tracing.Config{
		Host:        cfg.Tracing.Host,
		Port:        cfg.Tracing.Port,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			closer()
			return nil
		},
	})
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.New(
		fx.Provide(
			func() context.Context {
				return ctx
			},
		),
		config.Module(),
		// логгер и трейсер до остальных модулей
		fx.Module("observability",
			fx.Invoke(initLogger, initTracing),
		),
		postgres.Module(),
		ledger.Module(),
		notifier.Module(),
		health.Module(),
		binance.Module(),
		runner.Module(),
		bootstrap.Module(),
		telegram.Module(),
	).Run()
}
