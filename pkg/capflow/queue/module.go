package queue

import (
	"go.uber.org/fx"

	"github.com/capflow/capflow/pkg/capflow/adapter/kv"
	"github.com/capflow/capflow/pkg/capflow/infrastructure/metrics"
)

// Module provides the work queue over the key-value store.
var Module = fx.Options(
	fx.Provide(func(store *kv.Store, recorder metrics.Recorder) *WorkQueue {
		return NewWorkQueue(store, recorder)
	}),
)
