// Package whatsapp adapts the whatsmeow client to the supervisor transport
// contract.
//
// A single Dialer owns the whatsmeow sqlstore container shared by every
// tenant; each tenant's device keys are addressed by the DeviceJID kept in
// its session record.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/store"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/supervisor"
)

const (
	// DefaultSQLitePath is the default path for the whatsmeow device database.
	DefaultSQLitePath = "/var/lib/smartsalao/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = "s.whatsapp.net"
	// PairDisplayName is shown on the phone when linking with a pairing code.
	PairDisplayName = "Chrome (Linux)"
)

// Opts holds configuration for the Dialer.
type Opts struct {
	DBDSN    string // whatsmeow database connection string
	LogLevel string // whatsmeow protocol log level
}

// Option defines a configuration option for the Dialer.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithLogLevel sets the minimum level of whatsmeow's own logs.
func WithLogLevel(level string) Option {
	return func(o *Opts) {
		o.LogLevel = level
	}
}

// Dialer creates whatsmeow transports over a shared device container.
type Dialer struct {
	container *sqlstore.Container
	logLevel  string
}

var _ supervisor.Dialer = (*Dialer)(nil)

// NewDialer opens the whatsmeow device database and upgrades its schema.
func NewDialer(ctx context.Context, opts ...Option) (*Dialer, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewDialer options set", "DBDSN_set", cfg.DBDSN != "", "log_level", cfg.LogLevel)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"The whatsmeow library requires foreign keys for data integrity. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewDialer initializing DB store", "driver", dbDriver)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, NewSlogLogger("Database", cfg.LogLevel))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	slog.Info("WhatsApp DB store initialized", "driver", dbDriver)
	return &Dialer{container: container, logLevel: cfg.LogLevel}, nil
}

// Dial builds a client for tenantID. A nil record yields a fresh unpaired
// device; a record whose device is gone yields supervisor.ErrCredentialsInvalid.
func (d *Dialer) Dial(ctx context.Context, tenantID string, rec *session.Record, handler func(supervisor.TransportEvent)) (supervisor.Transport, error) {
	slog.Debug("WhatsApp Dial invoked", "tenant", tenantID, "resume", rec != nil)

	device := d.container.NewDevice()
	if rec != nil && rec.DeviceJID != "" {
		jid, err := types.ParseJID(rec.DeviceJID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad device jid %q: %v", supervisor.ErrCredentialsInvalid, rec.DeviceJID, err)
		}
		stored, err := d.container.GetDevice(ctx, jid)
		if err != nil {
			slog.Error("WhatsApp failed to load device", "tenant", tenantID, "device", rec.DeviceJID, "error", err)
			return nil, fmt.Errorf("failed to load device %s: %w", rec.DeviceJID, err)
		}
		if stored == nil {
			slog.Warn("WhatsApp device keys missing for stored session", "tenant", tenantID, "device", rec.DeviceJID)
			return nil, fmt.Errorf("%w: device %s not found", supervisor.ErrCredentialsInvalid, rec.DeviceJID)
		}
		device = stored
	}

	client := whatsmeow.NewClient(device, NewSlogLogger("Client", d.logLevel, "tenant", tenantID))
	client.EnableAutoReconnect = false
	return newTransport(tenantID, client, handler), nil
}

// Purge deletes the device keys referenced by rec. Missing devices are not an
// error.
func (d *Dialer) Purge(ctx context.Context, rec *session.Record) error {
	if rec == nil || rec.DeviceJID == "" {
		return nil
	}
	jid, err := types.ParseJID(rec.DeviceJID)
	if err != nil {
		return fmt.Errorf("failed to parse device jid %q: %w", rec.DeviceJID, err)
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to load device %s: %w", rec.DeviceJID, err)
	}
	if device == nil {
		slog.Debug("WhatsApp Purge: device already gone", "device", rec.DeviceJID)
		return nil
	}
	if err := device.Delete(ctx); err != nil {
		slog.Error("WhatsApp Purge failed", "device", rec.DeviceJID, "error", err)
		return fmt.Errorf("failed to delete device %s: %w", rec.DeviceJID, err)
	}
	slog.Info("WhatsApp Purge succeeded", "tenant", rec.TenantID, "device", rec.DeviceJID)
	return nil
}

// Close releases the device database.
func (d *Dialer) Close() error {
	return d.container.Close()
}
