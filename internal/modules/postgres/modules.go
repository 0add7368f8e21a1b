package postgres

import (
	"context"
	"fmt"

	"order_engine/internal/modules/config"
	"order_engine/pkg/db"

	"go.uber.org/fx"
)

// Connector opens the master pool on demand, so a memory ledger never dials.
type Connector func(ctx context.Context) (*db.PgTxManager, error)

func NewConnector(cfg *config.Config) Connector {
	return func(ctx context.Context) (*db.PgTxManager, error) {
		poolMaster, err := db.NewPool(ctx, db.PoolConfig{
			DSN:      cfg.DB,
			MaxConns: cfg.Ledger.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create poolMaster: %w", err)
		}

		err = poolMaster.Ping(ctx)
		if err != nil {
			poolMaster.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}

		return db.NewPgTxManager(poolMaster), nil
	}
}

func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(NewConnector),
	)
}
