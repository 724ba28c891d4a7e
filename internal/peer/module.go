package peer

import "go.uber.org/fx"

var Module = fx.Module("peer",
	fx.Provide(NewBroker),
	// NewBroker binds itself into the game manager, so the broker must be
	// constructed even if nothing else injects it.
	fx.Invoke(func(*Broker) {}),
)
