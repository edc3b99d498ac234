package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/nkkko/pincer/internal/metrics"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Driver selects the database backend
type Driver string

const (
	// DriverSQLite is the embedded default
	DriverSQLite Driver = "sqlite"

	// DriverPostgres connects to a PostgreSQL server
	DriverPostgres Driver = "postgres"
)

// Config contains SQL store configuration
type Config struct {
	Driver Driver

	// DSN is a file path for sqlite or a connection string for postgres
	DSN string

	// MaxOpenConns is ignored for sqlite, which always uses one connection
	MaxOpenConns int

	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "./data/pincer.db",
		MaxOpenConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store implements storage.Store on top of sqlx
type Store struct {
	db      *sqlx.DB
	driver  Driver
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

var _ storage.Store = (*Store)(nil)

// Open connects to the configured database and applies pending migrations
func Open(config Config) (*Store, error) {
	if config.Driver == "" {
		config.Driver = DriverSQLite
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch config.Driver {
	case DriverSQLite:
		db, err = openSQLite(config.DSN)
	case DriverPostgres:
		db, err = openPostgres(config)
	default:
		return nil, fmt.Errorf("unsupported driver %q", config.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		driver:  config.Driver,
		logger:  log.With().Str("component", "sql-store").Str("driver", string(config.Driver)).Logger(),
		metrics: metrics.GetMetrics(),
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info().Msg("SQL store opened")
	return s, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
	}

	dsn := path
	if !strings.Contains(dsn, "_time_format=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_time_format=sqlite"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One connection: sqlite serializes writers anyway, and an in-memory
	// database only lives as long as its connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return db, nil
}

func openPostgres(config Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	return db, nil
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations applies every migration newer than the recorded schema
// version, each in its own transaction
func (s *Store) runMigrations() error {
	if _, err := s.db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	currentVersion := 0
	if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(tx.Rebind("INSERT INTO schema_version (version) VALUES (?)"), m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
		s.logger.Debug().Int("version", m.version).Msg("Applied migration")
	}
	return nil
}

// snapshotOptions returns the options for a consistent multi-table read.
// sqlite transactions are already serializable.
func (s *Store) snapshotOptions() *sql.TxOptions {
	if s.driver == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

// inQuery expands IN (?) placeholders and rebinds for the driver
func (s *Store) inQuery(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(q), a, nil
}

// observe times a store operation and counts its outcome
func (s *Store) observe(op string) func(*error) {
	timer := prometheus.NewTimer(s.metrics.StorageOperationDuration.WithLabelValues(op))
	return func(errp *error) {
		timer.ObserveDuration()
		s.metrics.StorageOperations.WithLabelValues(op, strconv.FormatBool(*errp == nil)).Inc()
	}
}

// withTx runs fn in a transaction, committing when it returns nil
func (s *Store) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// mapError translates constraint violations into storage sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23503":
			return fmt.Errorf("%w: %s", storage.ErrNotFound, pqErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Message)
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) && liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		msg := liteErr.Error()
		switch {
		case strings.Contains(msg, "FOREIGN KEY"):
			return fmt.Errorf("%w: %s", storage.ErrNotFound, msg)
		case strings.Contains(msg, "UNIQUE"), strings.Contains(msg, "PRIMARY KEY"):
			return fmt.Errorf("%w: %s", storage.ErrConflict, msg)
		}
	}
	return err
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
