// Package store provides the SQL storage backend for SmartSalao.
//
// One schema serves both SQLite (mattn/go-sqlite3) and PostgreSQL (lib/pq).
// Queries are written with '?' placeholders and rebound for PostgreSQL.
// Timestamps are stored as unix seconds so range comparisons behave the same
// on both engines.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

//go:embed migrations.sql
var migrations string

// Opts holds configuration options for the store.
type Opts struct {
	DSN      string
	Location *time.Location
	Now      func() time.Time

	// Pool limits; zero keeps the driver default for the backend.
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithLocation sets the time zone business hours are expressed in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// WithPool caps open connections and their lifetime. SQLite ignores it.
func WithPool(maxOpen int, lifetime time.Duration) Option {
	return func(o *Opts) {
		o.MaxOpenConns = maxOpen
		o.ConnMaxLifetime = lifetime
	}
}

// WithClock overrides the time source used for availability and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// Store is a database-backed implementation of the session store, the
// conversation repository, the tenant directory and the booking service.
type Store struct {
	db      *sql.DB
	dialect dialect
	loc     *time.Location
	now     func() time.Time
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key=value DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(lower, "file:") {
		return "sqlite3"
	}
	for _, key := range []string{"host=", "dbname=", "user="} {
		if strings.Contains(lower, key) {
			return "postgres"
		}
	}
	return "sqlite3"
}

// Open creates a store for the DSN in opts, choosing the engine with
// DetectDSNType.
func Open(opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

func newStore(db *sql.DB, d dialect, cfg Opts) (*Store, error) {
	slog.Debug("Running migrations", "dialect", d)
	if _, err := db.Exec(migrations); err != nil {
		slog.Error("Failed to run migrations", "dialect", d, "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Migrations applied successfully", "dialect", d)

	s := &Store{db: db, dialect: d, loc: cfg.Location, now: cfg.Now}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// rebind converts '?' placeholders to '$n' for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// storageErr wraps a database failure as a retryable storage error.
func storageErr(err error, format string, args ...any) error {
	return models.WrapRetryable(err, models.CodeStorage, fmt.Sprintf(format, args...))
}

func unix(t time.Time) int64 {
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
