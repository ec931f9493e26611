// Package sqldb provides the database/sql implementation of the store
// interfaces. It runs on PostgreSQL (pgx or lib/pq drivers) and on SQLite
// (modernc.org/sqlite) for single-node deployments and tests.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/narvanalabs/condastore/internal/store"
)

// Dialect selects SQL differences between backends.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Supported driver names.
const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DialectFor returns the dialect of a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverPgx, DriverPostgres:
		return DialectPostgres, nil
	case DriverSQLite:
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q (expected %s, %s or %s)", driver, DriverPgx, DriverPostgres, DriverSQLite)
	}
}

// queryable is implemented by both *sql.DB and *sql.Tx.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn wraps a queryable and rebinds "?" placeholders for the dialect.
type conn struct {
	q       queryable
	dialect Dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// rebind turns "?" placeholders into "$n" for PostgreSQL.
func (c conn) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store implements store.Store.
type Store struct {
	db      *sql.DB
	tx      *sql.Tx
	dialect Dialect
	logger  *slog.Logger

	namespaces     *NamespaceStore
	specifications *SpecificationStore
	environments   *EnvironmentStore
	builds         *BuildStore
	artifacts      *ArtifactStore
	packages       *PackageStore
	solves         *SolveStore
}

// Config holds database connection configuration.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// Migrate applies the embedded schema on open.
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(driver, dsn string) *Config {
	return &Config{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		Migrate:         true,
	}
}

// Open connects to the database described by cfg.
func Open(cfg *Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Configure connection pool
	if dialect == DialectSQLite {
		// SQLite serializes writers; one long-lived connection avoids
		// SQLITE_BUSY and keeps per-connection pragmas.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	if cfg.Migrate {
		if err := Migrate(ctx, db, dialect); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("connected to database", "driver", cfg.Driver)
	return newStore(db, nil, dialect, logger), nil
}

func newStore(db *sql.DB, tx *sql.Tx, dialect Dialect, logger *slog.Logger) *Store {
	s := &Store{db: db, tx: tx, dialect: dialect, logger: logger}
	c := s.conn()

	// Initialize sub-stores
	s.namespaces = &NamespaceStore{c: c, logger: logger}
	s.specifications = &SpecificationStore{c: c, logger: logger}
	s.environments = &EnvironmentStore{c: c, logger: logger}
	s.artifacts = &ArtifactStore{c: c, logger: logger}
	s.builds = &BuildStore{c: c, artifacts: s.artifacts, logger: logger}
	s.packages = &PackageStore{c: c, logger: logger}
	s.solves = &SolveStore{c: c, logger: logger}
	return s
}

// conn returns the queryable connection (transaction or database).
func (s *Store) conn() conn {
	if s.tx != nil {
		return conn{q: s.tx, dialect: s.dialect}
	}
	return conn{q: s.db, dialect: s.dialect}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Namespaces returns the NamespaceStore.
func (s *Store) Namespaces() store.NamespaceStore { return s.namespaces }

// Specifications returns the SpecificationStore.
func (s *Store) Specifications() store.SpecificationStore { return s.specifications }

// Environments returns the EnvironmentStore.
func (s *Store) Environments() store.EnvironmentStore { return s.environments }

// Builds returns the BuildStore.
func (s *Store) Builds() store.BuildStore { return s.builds }

// Artifacts returns the ArtifactStore.
func (s *Store) Artifacts() store.ArtifactStore { return s.artifacts }

// Packages returns the PackageStore.
func (s *Store) Packages() store.PackageStore { return s.packages }

// Solves returns the SolveStore.
func (s *Store) Solves() store.SolveStore { return s.solves }

// WithTx executes fn within a transaction. Calls on a store that is already
// inside a transaction reuse it.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(newStore(s.db, tx, s.dialect, s.logger)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

// toMicros stores timestamps as UTC unix microseconds so both backends keep
// the precision build keys rely on.
func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMicros(n.Int64)
	return &t
}
