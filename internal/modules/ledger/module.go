package ledger

import (
	"context"
	"fmt"

	"order_engine/internal/modules/config"
	"order_engine/internal/modules/postgres"
	"order_engine/pkg/logger"

	"go.uber.org/fx"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

func NewLedger(ctx context.Context, lc fx.Lifecycle, cfg *config.Config, connect postgres.Connector) (Ledger, error) {
	switch cfg.Ledger.Driver {
	case DriverMemory:
		logger.Warn("ledger: using in-memory driver, state is lost on restart")
		return NewMemory(), nil
	case DriverPostgres, "":
		txm, err := connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				txm.Close()
				return nil
			},
		})
		return NewPostgres(txm), nil
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", cfg.Ledger.Driver)
	}
}

func Module() fx.Option {
	return fx.Module("ledger",
		fx.Provide(NewLedger),
	)
}
