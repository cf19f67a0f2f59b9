package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is the mode of a database directory created on open.
const DefaultDirPermissions = 0o755

const sqliteDefaultParams = "_foreign_keys=on&_busy_timeout=5000"

// sqliteFile splits a DSN into the database file path and its query string.
func sqliteFile(dsn string) (path, query string) {
	path = strings.TrimPrefix(dsn, "file:")
	if before, after, ok := strings.Cut(path, "?"); ok {
		return before, after
	}
	return path, ""
}

// NewSQLiteStore opens the SQLite file named by the DSN option, creating its
// directory when missing. A DSN without parameters gets foreign keys and a
// busy timeout.
func NewSQLiteStore(opts ...Option) (*Store, error) {
	cfg := buildOpts(opts)
	if cfg.DSN == "" {
		return nil, errors.New("sqlite store: empty DSN")
	}

	path, query := sqliteFile(cfg.DSN)
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory for %s: %w", path, err)
		}
	}
	if query == "" {
		query = sqliteDefaultParams
	}
	dsn := "file:" + path + "?" + query

	// One writer at a time; a single connection avoids SQLITE_BUSY.
	db, err := connect("sqlite3", dsn, cfg, func(db *sql.DB) { db.SetMaxOpenConns(1) })
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLite store opened", "path", path)
	return newStore(db, dialectSQLite, cfg)
}
