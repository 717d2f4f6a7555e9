package metrics

import (
	"go.uber.org/fx"
)

// Module provides the Prometheus recorder as the Recorder implementation.
var Module = fx.Options(
	fx.Provide(
		NewPrometheusRecorder,
		func(r *PrometheusRecorder) Recorder { return r },
	),
)
