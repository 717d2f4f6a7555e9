package main

import (
	"context"
	"os"

	_ "embed"
	_ "github.com/go-sql-driver/mysql"

	"go.uber.org/fx"

	"github.com/capflow/capflow/pkg/capflow/adapter/database"
	"github.com/capflow/capflow/pkg/capflow/adapter/kv"
	"github.com/capflow/capflow/pkg/capflow/adapter/storage"
	"github.com/capflow/capflow/pkg/capflow/archive"
	"github.com/capflow/capflow/pkg/capflow/core/config"
	"github.com/capflow/capflow/pkg/capflow/dedup"
	"github.com/capflow/capflow/pkg/capflow/infrastructure/metrics"
	"github.com/capflow/capflow/pkg/capflow/migration"
	"github.com/capflow/capflow/pkg/capflow/partition"
	"github.com/capflow/capflow/pkg/capflow/queue"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
	"github.com/capflow/capflow/pkg/capflow/taskcache"
	"github.com/capflow/capflow/pkg/capflow/taskmgr"
)

// embeddedConfig embeds the content of the application's YAML configuration
// file, used as the base layer below environment variable overrides.
//
//go:embed resources/application.yaml
var embeddedConfig []byte

// main wires the daemon with Fx and blocks until a termination signal.
// Schema migrations run during container start, before the background loops
// bootstrap.
func main() {
	// Path to the .env file, ".env" by default.
	envFilePath := os.Getenv("ENV_FILE_PATH")
	if envFilePath == "" {
		envFilePath = ".env"
	}

	app := fx.New(
		fx.Supply(
			config.EmbeddedConfig(embeddedConfig),
			fx.Annotate(envFilePath, fx.ResultTags(`name:"envFilePath"`)),
		),
		config.Module,
		database.Module,
		kv.Module,
		storage.Module,
		metrics.Module,
		migration.Module,
		partition.Module,
		dedup.Module,
		queue.Module,
		taskcache.Module,
		archive.Module,

		// Invokes run in registration order: the schema is migrated before
		// the task modules register their start hooks.
		fx.Invoke(func(m migration.Migrator) error {
			return m.Up(context.Background())
		}),
		taskmgr.Module,
	)

	app.Run()

	if err := app.Err(); err != nil {
		logger.Fatalf("capflowd failed to start: %v", err)
	}
}
