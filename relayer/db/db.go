// Package db provides a lightweight GORM wrapper for persisting relayer
// state: relay records and source-chain scan cursors.
//
// SQLite (file or in-memory) is the default backend; PostgreSQL is supported
// for deployments that keep state outside the relayer host.
package db

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pushchain/bridge-relayer/relayer/store"
)

const (
	// InMemorySQLiteDSN is a special DSN to create an ephemeral in-memory SQLite database.
	InMemorySQLiteDSN = ":memory:"

	// DriverSQLite selects the SQLite backend.
	DriverSQLite = "sqlite"

	// DriverPostgres selects the PostgreSQL backend.
	DriverPostgres = "postgres"

	// dbDirPermissions sets directory permissions to 750 (rwxr-x---).
	dbDirPermissions = 0o750
)

var (
	// gormConfig disables GORM's own logging; the relayer logs at the call sites.
	gormConfig = &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	// schemaModels lists the structs to be auto-migrated into the database.
	schemaModels = []any{
		&store.RelayRecord{},
		&store.ChainState{},
	}
)

// DB wraps a GORM client and provides simplified DB lifecycle management.
type DB struct {
	client *gorm.DB
	driver string
}

// Options selects and configures the backend.
type Options struct {
	Driver        string // "sqlite" (default) or "postgres"
	Dir           string // sqlite: directory holding the database file
	Filename      string // sqlite: database file name
	DSN           string // postgres: connection string
	MigrateSchema bool
}

// Open opens the database described by opts.
func Open(opts Options) (*DB, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		return OpenFileDB(opts.Dir, opts.Filename, opts.MigrateSchema)
	case DriverPostgres:
		return OpenPostgresDB(opts.DSN, opts.MigrateSchema)
	default:
		return nil, errors.Errorf("unsupported database driver %q", opts.Driver)
	}
}

// OpenFileDB opens (or creates) a file-backed SQLite database located in the given directory.
// If `migrateSchema` is true, all defined schema models are automatically migrated.
func OpenFileDB(dir, filename string, migrateSchema bool) (*DB, error) {
	dsn, err := prepareFilePath(dir, filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare database path")
	}
	return openSQLite(dsn, migrateSchema)
}

// OpenInMemoryDB opens a non-persistent SQLite database in memory.
// This is useful for testing or ephemeral state.
func OpenInMemoryDB(migrateSchema bool) (*DB, error) {
	return openSQLite(InMemorySQLiteDSN, migrateSchema)
}

// OpenPostgresDB opens a PostgreSQL database using the given DSN.
func OpenPostgresDB(dsn string, migrateSchema bool) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}

	client, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open PostgreSQL database")
	}

	d := &DB{client: client, driver: DriverPostgres}
	if migrateSchema {
		if err := d.Migrate(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// openSQLite creates a GORM-backed database instance using the given SQLite DSN.
func openSQLite(dsn string, migrateSchema bool) (*DB, error) {
	// WAL keeps committed records durable across crashes without blocking readers.
	if dsn != InMemorySQLiteDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL&mode=rwc"
	}

	client, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}

	sqlDB, err := client.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}

	// A single connection serializes writers and keeps an in-memory database alive.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	d := &DB{client: client, driver: DriverSQLite}
	if migrateSchema {
		if err := d.Migrate(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Migrate auto-migrates all schema models.
func (d *DB) Migrate() error {
	if err := d.client.AutoMigrate(schemaModels...); err != nil {
		return errors.Wrap(err, "failed to auto-migrate database schema")
	}
	return nil
}

// Client returns the internal *gorm.DB instance for direct usage in queries.
func (d *DB) Client() *gorm.DB {
	return d.client
}

// Driver returns the backend name.
func (d *DB) Driver() string {
	return d.driver
}

// Ping verifies the database is reachable.
func (d *DB) Ping() error {
	sqlDB, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	return errors.Wrap(sqlDB.Ping(), "database ping failed")
}

// Close safely closes the underlying database connection.
func (d *DB) Close() error {
	sqlDB, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}

	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "failed to close database connection")
	}

	return nil
}

// prepareFilePath ensures the target directory exists and returns the full database file path.
// If the directory contains the in-memory DSN string, it is returned as-is.
func prepareFilePath(dir, filename string) (string, error) {
	if strings.Contains(dir, InMemorySQLiteDSN) {
		return dir, nil
	}
	if filename == "" {
		return "", errors.New("database filename is required")
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, dbDirPermissions); err != nil {
			return "", errors.Wrapf(err, "failed to create directory: %s", dir)
		}
	} else if err != nil {
		return "", errors.Wrap(err, "error checking directory")
	}

	return fmt.Sprintf("%s/%s", dir, filename), nil
}
