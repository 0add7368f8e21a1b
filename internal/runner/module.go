package runner

import (
	"context"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			NewRulesCache,       // *precision.Cache
			NewBinanceConnector, // Connector
			NewManager,          // *Manager
		),
		fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					return m.StartAll()
				},
				OnStop: func(_ context.Context) error {
					m.StopAll()
					return nil
				},
			})
		}),
	)
}
