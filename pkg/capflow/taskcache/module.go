package taskcache

import (
	"go.uber.org/fx"
)

// Module provides the task window cache.
var Module = fx.Options(
	fx.Provide(NewCache),
)
