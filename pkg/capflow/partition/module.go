package partition

import (
	"go.uber.org/fx"
)

// Module provides the partition manager.
var Module = fx.Options(
	fx.Provide(NewManager),
)
