package database

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the relational store connection and transaction manager,
// closing the pool on application shutdown.
var Module = fx.Options(
	fx.Provide(NewConnection),
	fx.Provide(NewGormTransactionManager),
	fx.Invoke(func(lc fx.Lifecycle, conn *Connection) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return conn.Close()
			},
		})
	}),
)
