package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

const defaultPingTimeout = 5 * time.Second

func buildOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	return cfg
}

// connect opens driver/dsn, applies tune and checks the connection within
// the ping timeout. Failures are retryable storage errors.
func connect(driver, dsn string, cfg Opts, tune func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, models.WrapRetryable(err, models.CodeStorage, fmt.Sprintf("open %s database", driver))
	}
	tune(db)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		slog.Error("Database unreachable", "driver", driver, "timeout", cfg.PingTimeout, "error", err)
		return nil, models.WrapRetryable(err, models.CodeStorage, fmt.Sprintf("reach %s database", driver))
	}
	return db, nil
}
