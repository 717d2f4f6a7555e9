// Package migration applies the schema migrations for the capture-file
// metadata store. Migrations are embedded SQL files executed through
// golang-migrate against the MySQL connection.
package migration

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/capflow/capflow/pkg/capflow/adapter/database"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

//go:embed sql/*.sql
var migrationFS embed.FS

// DefaultMigrationsTable records applied versions.
const DefaultMigrationsTable = "schema_migrations"

// Migrator applies or reverts schema migrations.
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
}

type migratorImpl struct {
	conn  *database.Connection
	fsys  fs.FS
	path  string
	table string
}

// NewMigrator creates a Migrator over the embedded migration set.
func NewMigrator(conn *database.Connection) Migrator {
	return &migratorImpl{
		conn:  conn,
		fsys:  migrationFS,
		path:  "sql",
		table: DefaultMigrationsTable,
	}
}

func (m *migratorImpl) instance() (*migrate.Migrate, error) {
	sqlDB, err := m.conn.GetSQLDB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sourceDriver, err := iofs.New(m.fsys, m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs source driver for path %s: %w", m.path, err)
	}

	dbDriver, err := mysql.WithInstance(sqlDB, &mysql.Config{
		MigrationsTable: m.table,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql migration driver: %w", err)
	}

	inst, err := migrate.NewWithInstance("iofs", sourceDriver, "mysql", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return inst, nil
}

func (m *migratorImpl) run(command string) error {
	logger.Infof("Executing migration '%s' (Path: %s, Table: %s)", command, m.path, m.table)

	inst, err := m.instance()
	if err != nil {
		return err
	}
	defer inst.Close()

	var migrateErr error
	switch command {
	case "up":
		migrateErr = inst.Up()
	case "down":
		migrateErr = inst.Down()
	default:
		return fmt.Errorf("unsupported migration command: %s", command)
	}

	if migrateErr != nil && migrateErr != migrate.ErrNoChange {
		if _, _, versionErr := inst.Version(); versionErr != nil && versionErr != migrate.ErrNilVersion {
			logger.Errorf("Migration failed and failed to retrieve version: %v", versionErr)
		}
		return fmt.Errorf("migration failed for command '%s' (Path: %s): %w", command, m.path, migrateErr)
	}

	logger.Infof("Migration '%s' completed successfully.", command)
	return nil
}

func (m *migratorImpl) Up(ctx context.Context) error {
	return m.run("up")
}

func (m *migratorImpl) Down(ctx context.Context) error {
	return m.run("down")
}
