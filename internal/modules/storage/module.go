package storage

import (
	"context"
	"fmt"

	"autotrader/internal/modules/config"
	"autotrader/internal/store"
	"autotrader/internal/store/file"
	"autotrader/internal/store/memory"
	"autotrader/internal/store/postgres"
	"autotrader/internal/store/sqlite"
	"autotrader/pkg/db"
	"autotrader/pkg/logger"

	"go.uber.org/fx"
)

// NewStore открывает бэкенд по storage.driver.
func NewStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("[STORE] in-memory storage: state is lost on restart")
		return memory.New(), nil
	case "file":
		return file.Open(cfg.Storage.Path)
	case "sqlite":
		return sqlite.Open(cfg.Storage.Path)
	case "postgres":
		poolMaster, err := db.NewPool(ctx, db.PoolConfig{
			DSN:      cfg.Storage.DSN,
			MaxConns: cfg.Storage.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create poolMaster: %w", err)
		}

		err = poolMaster.Ping(ctx)
		if err != nil {
			poolMaster.Close()
			return nil, err
		}

		return postgres.New(ctx, db.NewPgTxManager(poolMaster))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(
			NewStore,
		),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, st store.Store) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					logger.Info("[STORE] using %s storage", cfg.Storage.Driver)
					return nil
				},
				OnStop: func(context.Context) error {
					return st.Close()
				},
			})
		}),
	)
}
