package dedup

import (
	"go.uber.org/fx"

	"github.com/capflow/capflow/pkg/capflow/adapter/kv"
	"github.com/capflow/capflow/pkg/capflow/infrastructure/metrics"
)

// Module provides the scan-dedup index over the key-value store.
var Module = fx.Options(
	fx.Provide(func(store *kv.Store, recorder metrics.Recorder) *Index {
		return NewIndex(store, recorder)
	}),
)
