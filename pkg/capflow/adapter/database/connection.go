// Package database provides the GORM-backed connection to the relational
// store holding the partitioned file-metadata table and the task tables.
package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capflow/capflow/pkg/capflow/core/config"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

// Connection wraps the GORM handle together with its configuration. All
// relational access of the core goes through one Connection instance.
type Connection struct {
	db    *gorm.DB
	sqlDB *sql.DB
	cfg   config.DatabaseConfig
	name  string
}

// NewConnection opens a MySQL connection from the configuration and applies
// the pool settings.
func NewConnection(cfg *config.Config) (*Connection, error) {
	dbCfg := cfg.Capflow.Database

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", dbCfg.User, dbCfg.Password, dbCfg.Host, dbCfg.Port, dbCfg.Database)
	if dbCfg.Params != "" {
		dsn += "?" + dbCfg.Params
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(string(config.LogLevelSilent)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open GORM connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(dbCfg.Pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(dbCfg.Pool.MaxIdleConns)
	if dbCfg.Pool.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(dbCfg.Pool.ConnMaxLifetimeMinutes) * time.Minute)
	}

	logger.Infof("Established DB connection to %s:%d/%s", dbCfg.Host, dbCfg.Port, dbCfg.Database)

	return &Connection{db: db, sqlDB: sqlDB, cfg: dbCfg, name: dbCfg.Database}, nil
}

// NewWithDB wraps an already-open GORM handle. Used by tests that drive the
// connection through sqlmock.
func NewWithDB(db *gorm.DB, name string) *Connection {
	sqlDB, _ := db.DB()
	return &Connection{db: db, sqlDB: sqlDB, name: name}
}

// GormDB returns the underlying *gorm.DB instance.
func (c *Connection) GormDB() *gorm.DB {
	return c.db
}

// GetSQLDB returns the underlying *sql.DB, e.g. for the migration driver.
func (c *Connection) GetSQLDB() (*sql.DB, error) {
	if c.sqlDB == nil {
		return nil, fmt.Errorf("underlying sql.DB is nil")
	}
	return c.sqlDB, nil
}

// Name returns the logical name of this connection.
func (c *Connection) Name() string {
	return c.name
}

// TxTimeout returns the configured transaction timeout for long-running
// batch writes.
func (c *Connection) TxTimeout() time.Duration {
	if c.cfg.TxTimeoutMinutes <= 0 {
		return 20 * time.Minute
	}
	return time.Duration(c.cfg.TxTimeoutMinutes) * time.Minute
}

// Close closes the connection pool.
func (c *Connection) Close() error {
	if c.sqlDB != nil {
		logger.Infof("Closing database connection '%s'...", c.name)
		return c.sqlDB.Close()
	}
	return nil
}

// NewGormLogger creates a gorm logger instance based on the configured level.
func NewGormLogger(level string) gormlogger.Interface {
	var gormLevel gormlogger.LogLevel
	switch config.LogLevel(level) {
	case config.LogLevelSilent:
		gormLevel = gormlogger.Silent
	case config.LogLevelError:
		gormLevel = gormlogger.Error
	case config.LogLevelWarn:
		gormLevel = gormlogger.Warn
	case config.LogLevelInfo:
		gormLevel = gormlogger.Info
	default:
		gormLevel = gormlogger.Silent
	}

	return gormlogger.New(
		NewGormWriter(),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// GormWriter redirects GORM log output to the capflow logger.
type GormWriter struct{}

// NewGormWriter creates a new instance of GormWriter.
func NewGormWriter() *GormWriter {
	return &GormWriter{}
}

// Printf implements the gorm logger Writer interface. Statement logs are
// demoted to DEBUG; everything else goes out as INFO.
func (w *GormWriter) Printf(format string, v ...interface{}) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	if strings.Contains(msg, "SELECT") || strings.Contains(msg, "INSERT") ||
		strings.Contains(msg, "UPDATE") || strings.Contains(msg, "DELETE") || strings.Contains(msg, "ALTER") {
		logger.Debugf("[GORM] %s", msg)
	} else {
		logger.Infof("[GORM] %s", msg)
	}
}
