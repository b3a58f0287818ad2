package notifier

import (
	"context"

	"autotrader/internal/modules/config"
	"autotrader/internal/notify"

	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Cfg   *config.Config
	Hub   *notify.Hub
	Sinks []notify.Sink `group:"sinks"`
}

func NewDispatcher(p Params) *notify.Dispatcher {
	sinks := append([]notify.Sink{p.Hub}, p.Sinks...)
	if p.Cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink())
	}
	return notify.NewDispatcher(p.Cfg.Notify.Buffer, p.Cfg.Notify.Timeout, sinks...)
}

// Module — очередь событий и её получатели: websocket hub, лог и всё из группы "sinks".
func Module() fx.Option {
	return fx.Module("notifier",
		fx.Provide(
			notify.NewHub,
			NewDispatcher,
			func(d *notify.Dispatcher) notify.Notifier { return d },
		),
		fx.Invoke(func(lc fx.Lifecycle, d *notify.Dispatcher, hub *notify.Hub) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					d.Start()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					err := d.Stop(ctx)
					hub.Close()
					return err
				},
			})
		}),
	)
}
