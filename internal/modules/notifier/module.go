package notifier

import (
	"context"

	"order_engine/internal/modules/config"
	"order_engine/internal/modules/notifier/service"
	"order_engine/pkg/logger"

	"go.uber.org/fx"
)

// NewNotifier picks Telegram when a token is configured, stdout otherwise.
func NewNotifier(lc fx.Lifecycle, cfg *config.Config) (service.Notifier, error) {
	if cfg.Telegram.Token == "" {
		logger.Warn("[NOTIFY] telegram token is empty, notifications go to the log")
		return service.NewStdout(), nil
	}

	chats := make(map[int64]int64, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		chats[a.ID] = a.ChatID
	}
	t, err := service.NewTelegram(cfg.Telegram.Token, chats, 0)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			t.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			t.Stop()
			return nil
		},
	})
	return t, nil
}

func Module() fx.Option {
	return fx.Module("notifier",
		fx.Provide(NewNotifier),
	)
}
