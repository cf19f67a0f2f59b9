// Package config loads SmartSalao settings from the environment.
//
// An optional .env file in the working directory is read first; variables
// already present in the process environment win over it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/activation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/conversation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/outbox"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/reconnect"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/supervisor"
)

const (
	// DefaultStateDir is the default directory for SmartSalao state data.
	DefaultStateDir = "/var/lib/smartsalao"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "smartsalao.db"
	// DefaultWhatsAppDBFileName holds the whatsmeow device keys when SQLite is used.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Config holds every environment setting.
type Config struct {
	StateDir    string `env:"SMARTSALAO_STATE_DIR" envDefault:"/var/lib/smartsalao"`
	DatabaseURL string `env:"DATABASE_URL"`
	WhatsAppDSN string `env:"WHATSAPP_DB_DSN"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	SeedFile    string `env:"SEED_FILE"`

	TriggerToken       string        `env:"BOT_TRIGGER" envDefault:"!bot"`
	ActivationTimeout  time.Duration `env:"ACTIVATION_TIMEOUT" envDefault:"30m"`
	RespondToUnmatched bool          `env:"RESPOND_UNMATCHED" envDefault:"false"`
	MaxIdleMessages    int           `env:"MAX_IDLE_MESSAGES" envDefault:"3"`
	IgnoreGroups       bool          `env:"IGNORE_GROUPS" envDefault:"true"`

	StateTimeout time.Duration `env:"STATE_TIMEOUT" envDefault:"30m"`
	NavStackCap  int           `env:"NAV_STACK_CAP" envDefault:"10"`
	MaxErrors    int           `env:"MAX_ERRORS" envDefault:"3"`

	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"3s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"60s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	ChallengeTTL         time.Duration `env:"CHALLENGE_TTL" envDefault:"60s"`
	IdleTimeout          time.Duration `env:"IDLE_TIMEOUT" envDefault:"24h"`
	CleanupSchedule      string        `env:"CLEANUP_SCHEDULE" envDefault:"@every 5m"`

	Timezone         string `env:"TIMEZONE" envDefault:"America/Sao_Paulo"`
	BookingDaysAhead int    `env:"BOOKING_DAYS_AHEAD" envDefault:"14"`
	MessagesFile     string `env:"MESSAGES_FILE"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"5s"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"8"`
	OutboxRetention    time.Duration `env:"OUTBOX_RETENTION" envDefault:"168h"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"smartsalao.events"`

	TracingEnabled bool    `env:"TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint   string  `env:"OTLP_ENDPOINT"`
	TraceSample    float64 `env:"TRACE_SAMPLE_RATE" envDefault:"1"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"text"`
	WhatsAppLogLvl string `env:"WHATSAPP_LOG_LEVEL" envDefault:"warn"`
}

// Load reads .env if present and parses the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.fillDSNs()
	return cfg, nil
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.fillDSNs()
	return cfg, nil
}

// fillDSNs applies the DSN fallbacks: the store uses DATABASE_URL, the
// whatsmeow container uses WHATSAPP_DB_DSN then DATABASE_URL, and both fall
// back to SQLite files in the state directory.
func (c *Config) fillDSNs() {
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = c.DatabaseURL
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL set, defaulting to SQLite", "sqlite_path", c.DatabaseURL)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// SetStateDir moves the SQLite defaults that were derived from the previous
// state directory.
func (c *Config) SetStateDir(dir string) {
	if dir == "" || dir == c.StateDir {
		return
	}
	oldStore := filepath.Join(c.StateDir, DefaultDBFileName)
	oldWA := "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	c.StateDir = dir
	if c.DatabaseURL == oldStore {
		c.DatabaseURL = filepath.Join(dir, DefaultDBFileName)
	}
	if c.WhatsAppDSN == oldWA {
		c.WhatsAppDSN = "file:" + filepath.Join(dir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// Validate reports settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.StateDir) == "" {
		errs = append(errs, errors.New("state directory is required"))
	}
	if strings.TrimSpace(c.TriggerToken) == "" {
		errs = append(errs, errors.New("BOT_TRIGGER must not be empty"))
	}
	if c.ActivationTimeout <= 0 {
		errs = append(errs, errors.New("ACTIVATION_TIMEOUT must be positive"))
	}
	if c.StateTimeout <= 0 {
		errs = append(errs, errors.New("STATE_TIMEOUT must be positive"))
	}
	if c.NavStackCap < 1 {
		errs = append(errs, errors.New("NAV_STACK_CAP must be at least 1"))
	}
	if c.MaxErrors < 1 {
		errs = append(errs, errors.New("MAX_ERRORS must be at least 1"))
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		errs = append(errs, errors.New("RECONNECT_MAX_DELAY must be at least RECONNECT_BASE_DELAY, and both positive"))
	}
	if c.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("RECONNECT_MAX_ATTEMPTS must not be negative"))
	}
	if c.BookingDaysAhead < 1 {
		errs = append(errs, errors.New("BOOKING_DAYS_AHEAD must be at least 1"))
	}
	if c.OutboxPollInterval <= 0 || c.OutboxMaxAttempts < 1 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL must be positive and OUTBOX_MAX_ATTEMPTS at least 1"))
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATE must be between 0 and 1"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location loads TIMEZONE.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

// Gate returns the activation gate settings.
func (c Config) Gate() activation.Config {
	return activation.Config{
		TriggerToken:       c.TriggerToken,
		ActivationTimeout:  c.ActivationTimeout,
		RespondToUnmatched: c.RespondToUnmatched,
		MaxIdleMessages:    c.MaxIdleMessages,
	}
}

// Conversation returns the conversation machine settings.
func (c Config) Conversation() conversation.Config {
	return conversation.Config{
		StateTimeout: c.StateTimeout,
		StackCap:     c.NavStackCap,
	}
}

// Supervisor returns the per-tenant supervisor settings.
func (c Config) Supervisor() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.Policy = reconnect.Policy{
		BaseDelay:   c.ReconnectBaseDelay,
		MaxDelay:    c.ReconnectMaxDelay,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
	cfg.ChallengeTTL = c.ChallengeTTL
	return cfg
}

// Outbox returns the reply relay settings. Retries back off like reconnects.
func (c Config) Outbox() outbox.Config {
	cfg := outbox.DefaultConfig()
	cfg.PollInterval = c.OutboxPollInterval
	cfg.Backoff.MaxAttempts = c.OutboxMaxAttempts
	return cfg
}
