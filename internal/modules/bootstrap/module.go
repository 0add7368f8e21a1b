package bootstrap

import (
	"context"

	bootstrap "order_engine/internal/modules/bootstrap/service"
	"order_engine/pkg/logger"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("bootstrap",
		fx.Provide(
			bootstrap.NewWarmuper, // -> *bootstrap.Warmuper
		),
		fx.Invoke(func(lc fx.Lifecycle, appCtx context.Context, wu *bootstrap.Warmuper) {
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					// прогрев не блокирует старт: промах кеша просто сходит на биржу
					go func() {
						if err := wu.Warmup(appCtx); err != nil {
							logger.Warn("[BOOT] %v", err)
						}
					}()
					return nil
				},
			})
		}),
	)
}
