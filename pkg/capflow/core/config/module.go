// Package config defines Fx providers for configuration-related components.
package config

import "go.uber.org/fx"

// NewCoreConfigProvider extracts and provides *CoreConfig from *Config.
// This allows components to depend only on the core knobs they use.
func NewCoreConfigProvider(cfg *Config) *CoreConfig {
	return &cfg.Capflow.Core
}

// Module provides configuration-related components to Fx.
var Module = fx.Options(
	fx.Provide(NewConfigProvider),
	fx.Provide(NewCoreConfigProvider),
)
