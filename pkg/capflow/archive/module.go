package archive

import (
	"go.uber.org/fx"

	"github.com/capflow/capflow/pkg/capflow/taskmgr"
)

// Module wires the partition archiver.
var Module = fx.Module("archive",
	fx.Provide(
		NewArchiver,
		func(a *Archiver) taskmgr.Archiver { return a },
	),
)
