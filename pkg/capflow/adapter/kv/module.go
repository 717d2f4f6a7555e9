package kv

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the key-value store and closes it on shutdown.
var Module = fx.Options(
	fx.Provide(NewStore),
	fx.Invoke(func(lc fx.Lifecycle, store *Store) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return store.Close()
			},
		})
	}),
)
