package config_test

import (
	"testing"

	"github.com/capflow/capflow/pkg/capflow/core/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "UTC", cfg.Capflow.System.Timezone)
	assert.Equal(t, float64(90), cfg.Capflow.Core.HighWaterRatio)
	assert.Equal(t, 1000, cfg.Capflow.Core.InsertBatchSize)
	assert.Equal(t, 45, cfg.Capflow.Core.ScanRetentionDays)
	assert.Equal(t, 45, cfg.Capflow.Core.PartitionRetentionDays)
	assert.Equal(t, 3306, cfg.Capflow.Database.Port)
	assert.Equal(t, "noeviction", cfg.Capflow.Redis.MaxMemoryPolicy)
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	embedded := []byte(`
capflow:
  system:
    logging:
      level: DEBUG
  database:
    host: db.internal
    database: capfiles
  core:
    insert_batch_size: 500
`)
	cfg, err := config.LoadConfig("", embedded)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Capflow.System.Logging.Level)
	assert.Equal(t, "db.internal", cfg.Capflow.Database.Host)
	assert.Equal(t, "capfiles", cfg.Capflow.Database.Database)
	assert.Equal(t, 500, cfg.Capflow.Core.InsertBatchSize)

	// Keys absent from the YAML keep their defaults.
	assert.Equal(t, 3306, cfg.Capflow.Database.Port)
	assert.Equal(t, 45, cfg.Capflow.Core.ScanRetentionDays)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CAPFLOW_CORE_HIGH_WATER_RATIO", "85.5")
	t.Setenv("CAPFLOW_DATABASE_PASSWORD", "s3cret")
	t.Setenv("CAPFLOW_ARCHIVE_ENABLED", "true")

	cfg, err := config.LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, 85.5, cfg.Capflow.Core.HighWaterRatio)
	assert.Equal(t, "s3cret", cfg.Capflow.Database.Password)
	assert.True(t, cfg.Capflow.Archive.Enabled)
}

func TestLoadConfigBadYAML(t *testing.T) {
	_, err := config.LoadConfig("", []byte("capflow: [this is not a mapping"))
	assert.Error(t, err)
}
