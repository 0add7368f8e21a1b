package telegram

import (
	"context"

	"order_engine/internal/modules/config"
	"order_engine/internal/modules/telegram_bot/service"
	"order_engine/internal/runner"
	"order_engine/pkg/logger"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("telegram",
		fx.Provide(
			func(m *runner.Manager) service.Controller { return m },
			service.NewCommands,
		),
		fx.Invoke(
			func(lc fx.Lifecycle, appCtx context.Context, cfg *config.Config, cmds *service.Commands) error {
				if !cfg.Telegram.Commands {
					return nil
				}
				if cfg.Telegram.Token == "" {
					logger.Warn("[TG] commands enabled but token is empty, bot not started")
					return nil
				}
				t, err := service.NewTelegram(cfg.Telegram.Token, cmds)
				if err != nil {
					return err
				}
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						t.Start(appCtx)
						return nil
					},
					OnStop: func(context.Context) error {
						t.Stop()
						return nil
					},
				})
				return nil
			},
		),
	)
}
