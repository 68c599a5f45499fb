package events

import (
	"context"

	"github.com/smallbiznis/creditbook/internal/config"
	"go.uber.org/fx"
)

func registerHooks(lc fx.Lifecycle, cfg config.Config, dispatcher *Dispatcher) {
	if !cfg.Outbox.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			dispatcher.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return dispatcher.Stop(ctx)
		},
	})
}

// Module wires the transactional outbox and its dispatcher.
var Module = fx.Module("events",
	fx.Provide(
		NewOutbox,
		NewDispatcher,
	),
	fx.Invoke(registerHooks),
)
