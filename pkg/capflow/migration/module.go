package migration

import (
	"go.uber.org/fx"
)

// Module provides the schema migrator. Running it is the application's
// decision; see the startup sequence in cmd/capflowd.
var Module = fx.Options(
	fx.Provide(NewMigrator),
)
