package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQL pool defaults used when WithPool is not given.
const (
	DefaultMaxOpenConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

// NewPostgresStore connects to the PostgreSQL server named by the DSN option
// and applies migrations.
func NewPostgresStore(opts ...Option) (*Store, error) {
	cfg := buildOpts(opts)
	if cfg.DSN == "" {
		return nil, errors.New("postgres store: empty DSN")
	}
	maxOpen, lifetime := cfg.MaxOpenConns, cfg.ConnMaxLifetime
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenConns
	}
	if lifetime <= 0 {
		lifetime = DefaultConnMaxLifetime
	}

	db, err := connect("postgres", cfg.DSN, cfg, func(db *sql.DB) {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
		db.SetConnMaxLifetime(lifetime)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Postgres store connected", "max_open", maxOpen, "conn_lifetime", lifetime)
	return newStore(db, dialectPostgres, cfg)
}
