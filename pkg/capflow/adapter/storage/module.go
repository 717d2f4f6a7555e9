package storage

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the archive object store.
var Module = fx.Options(
	fx.Provide(NewObjectStore),
	fx.Invoke(func(lc fx.Lifecycle, store ObjectStore) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return store.Close()
			},
		})
	}),
)
