package oanda_client

import (
	"context"

	"autotrader/internal/broker"
	"autotrader/internal/broker/paper"
	"autotrader/internal/modules/config"
	"autotrader/internal/modules/oanda_client/service"
	"autotrader/pkg/logger"

	"go.uber.org/fx"
)

func baseURL(env string) string {
	if env == "live" {
		return service.LiveURL
	}
	return service.PracticeURL
}

func newClient(cfg *config.Config) (*service.Client, error) {
	return service.NewClient(service.Config{
		BaseURL:     baseURL(cfg.Broker.Environment),
		Token:       cfg.Broker.Token,
		AccountID:   cfg.Broker.AccountID,
		Timeout:     cfg.Broker.Timeout,
		Granularity: cfg.Broker.Granularity,
		ATRPeriod:   cfg.Broker.ATRPeriod,
	})
}

// NewBroker — живой OANDA или paper. Paper с токеном OANDA берёт
// котировки и волатильность из живого фида, но ордера исполняет у себя.
func NewBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case "oanda":
		logger.Info("[OANDA] %s account %s", cfg.Broker.Environment, cfg.Broker.AccountID)
		return newClient(cfg)
	default:
		var feed broker.MarketData
		if cfg.Broker.Token != "" && cfg.Broker.AccountID != "" {
			c, err := newClient(cfg)
			if err != nil {
				return nil, err
			}
			feed = c
			logger.Info("[OANDA] paper trading on live %s prices", cfg.Broker.Environment)
		} else {
			logger.Info("[OANDA] paper trading on static prices")
		}
		return paper.New(paper.Config{
			Balance:    cfg.Broker.Paper.Balance,
			Currency:   cfg.Broker.Paper.Currency,
			Quotes:     cfg.Broker.Paper.Quotes,
			Volatility: cfg.Broker.Paper.Volatility,
		}, feed), nil
	}
}

// Module поднимает брокера и проверяет доступ к счёту на старте.
func Module() fx.Option {
	return fx.Module("broker",
		fx.Provide(
			NewBroker,
		),
		fx.Invoke(func(lc fx.Lifecycle, b broker.Broker) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					acct, err := b.Account(ctx)
					if err != nil {
						return err
					}
					logger.Info("[OANDA] account balance %.2f %s, NAV %.2f", acct.Balance, acct.Currency, acct.NAV)
					return nil
				},
			})
		}),
	)
}
