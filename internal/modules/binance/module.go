package binance

import (
	"order_engine/internal/modules/binance/service"
	health "order_engine/internal/modules/health/service"

	"go.uber.org/fx"
)

// Module поднимает REST/WS клиентов Binance USDⓈ-M для всех аккаунтов.
func Module() fx.Option {
	return fx.Module("binance",
		fx.Provide(
			func(s *health.State) service.StateReporter { return s },
			service.NewClients,
		),
	)
}
