package telegram

import (
	"context"

	"autotrader/internal/modules/telegram_bot/service"
	"autotrader/internal/notify"
	"autotrader/internal/runner"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("telegram",
		fx.Provide(
			service.NewTelegram, // func(*config.Config) (*service.Telegram, error)
		),

		// Адаптер: *service.Telegram -> notify.Sink в группу получателей событий
		fx.Provide(
			fx.Annotate(
				func(t *service.Telegram) notify.Sink { return t },
				fx.ResultTags(`group:"sinks"`),
			),
		),

		// Команды оператора. Движок берём здесь, а не в конструкторе,
		// иначе получится цикл notifier -> telegram -> engine -> notifier.
		fx.Invoke(
			func(lc fx.Lifecycle, t *service.Telegram, e *runner.Engine) {
				ctx, cancel := context.WithCancel(context.Background())
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go t.Start(ctx, e)
						return nil
					},
					OnStop: func(context.Context) error {
						cancel()
						t.Stop()
						return nil
					},
				})
			},
		),
	)
}
