package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/activation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/api"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/config"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/conversation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/flow"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/lockfile"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/outbox"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/recovery"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/registry"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/scheduler"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/store"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/supervisor"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/timer"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/tracing"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/whatsapp"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	// dedupRetention is how long inbound message IDs are remembered.
	dedupRetention = 48 * time.Hour
	shutdownGrace  = 15 * time.Second
)

// Flags holds command line flag values.
type Flags struct {
	stateDir  *string
	dbDSN     *string
	waDSN     *string
	apiAddr   *string
	seedFile  *string
	messages  *string
	logLevel  *string
	logFormat *string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}
	applyFlags(&cfg, parseCommandLineFlags(cfg))
	initializeLogger(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			slog.Error("SmartSalao is already running", "error", err)
			os.Exit(3)
		}
		slog.Error("SmartSalao failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SmartSalao exited successfully")
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(cfg config.Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", cfg.StateDir, "state directory for SmartSalao data (overrides $SMARTSALAO_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", cfg.DatabaseURL, "store database DSN (overrides $DATABASE_URL)"),
		waDSN:     flag.String("whatsapp-dsn", cfg.WhatsAppDSN, "WhatsApp device database DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:   flag.String("api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)"),
		seedFile:  flag.String("seed", cfg.SeedFile, "YAML file with tenants and services to provision (overrides $SEED_FILE)"),
		messages:  flag.String("messages", cfg.MessagesFile, "YAML file overriding bot messages (overrides $MESSAGES_FILE)"),
		logLevel:  flag.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)"),
		logFormat: flag.String("log-format", cfg.LogFormat, "log format: text or json (overrides $LOG_FORMAT)"),
	}
	flag.Parse()
	return flags
}

// applyFlags copies flag values over cfg. Changing the state directory moves
// DSNs that were derived from it unless a DSN flag was also given.
func applyFlags(cfg *config.Config, flags Flags) {
	dbDSN, waDSN := *flags.dbDSN, *flags.waDSN
	dbSet, waSet := dbDSN != cfg.DatabaseURL, waDSN != cfg.WhatsAppDSN
	cfg.SetStateDir(*flags.stateDir)
	if dbSet {
		cfg.DatabaseURL = dbDSN
	}
	if waSet {
		cfg.WhatsAppDSN = waDSN
	}
	cfg.APIAddr = *flags.apiAddr
	cfg.SeedFile = *flags.seedFile
	cfg.MessagesFile = *flags.messages
	cfg.LogLevel = *flags.logLevel
	cfg.LogFormat = *flags.logFormat
}

// initializeLogger sets up structured logging.
func initializeLogger(cfg config.Config) {
	level, err := config.ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	if err != nil {
		slog.Warn("Falling back to info logging", "error", err)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.Acquire(cfg.StateDir, cfg.APIAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	tracer := tracing.NewManager(tracing.Config{
		ServiceName:     "smartsalao",
		ServiceVersion:  version,
		Environment:     os.Getenv("ENVIRONMENT"),
		OTLPEndpoint:    cfg.OTLPEndpoint,
		SampleRate:      cfg.TraceSample,
		Enabled:         cfg.TracingEnabled,
		UseStdout:       cfg.OTLPEndpoint == "",
		ShutdownTimeout: 5 * time.Second,
	})
	if err := tracer.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			slog.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(store.WithDSN(cfg.DatabaseURL), store.WithLocation(loc))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	if cfg.SeedFile != "" {
		seed, err := store.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := st.ApplySeed(ctx, seed); err != nil {
			return err
		}
	}

	dialer, err := whatsapp.NewDialer(ctx, whatsapp.WithDBDSN(cfg.WhatsAppDSN), whatsapp.WithLogLevel(cfg.WhatsAppLogLvl))
	if err != nil {
		return err
	}
	defer dialer.Close()

	bus := events.NewBus()
	defer bus.Close()

	qrEvents, cancelQR := bus.Subscribe("qr-writer", 64, nil)
	defer cancelQR()
	go whatsapp.QRWriter{Dir: filepath.Join(cfg.StateDir, "qr")}.Run(ctx, qrEvents)

	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		amqpEvents, cancelAMQP := bus.Subscribe("amqp", 256, nil)
		defer cancelAMQP()
		go events.Forward(ctx, amqpEvents, pub)
	}

	// The flow engine sends through the registry and the registry feeds the
	// engine, so inbound messages reach the engine through this variable.
	var inbound events.Listener
	reg := registry.New(registry.Config{
		Supervisor:     cfg.Supervisor(),
		RecoverStagger: registry.DefaultConfig().RecoverStagger,
	}, supervisor.Deps{
		Dialer:   dialer,
		Codec:    whatsapp.Codec{},
		Sessions: st,
		Listener: events.Fanout(bus.Listener(), func(ev events.Event) {
			if inbound != nil {
				inbound(ev)
			}
		}),
	}, registry.WithDirectory(st))

	msgs, err := flow.LoadMessages(cfg.MessagesFile)
	if err != nil {
		return err
	}
	gate := activation.NewGate(cfg.Gate())
	machine := conversation.NewMachine(cfg.Conversation(), conversation.WithRepository(st.Conversations()))
	flowCfg := flow.DefaultConfig()
	flowCfg.MaxErrors = cfg.MaxErrors
	flowCfg.DaysAhead = cfg.BookingDaysAhead
	flowCfg.IgnoreGroups = cfg.IgnoreGroups
	flowCfg.Location = loc
	engine := flow.New(flowCfg, gate, machine, st, reg,
		flow.WithDeduper(st), flow.WithReplyQueue(st), flow.WithMessages(msgs))
	inbound = engine.Listener()
	relay := outbox.NewRelay(st, reg, cfg.Outbox())

	sched := scheduler.NewScheduler()
	if err := registerJobs(sched, cfg, reg, gate, machine, st); err != nil {
		return err
	}

	recoveryTimer := timer.New("recovery")
	defer recoveryTimer.Stop()
	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable(reg)
	rm.RegisterRecoverable(relay)
	rm.RegisterTimerRecovery(recovery.TimerRecoveryHandler(recoveryTimer))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery finished with errors", "error", err)
	}

	go relay.Run(ctx)

	server := api.NewServer(cfg.APIAddr, reg, engine, bus)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()
	slog.Info("SmartSalao started", "version", version, "addr", cfg.APIAddr, "state_dir", cfg.StateDir)

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API shutdown failed", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("Scheduler shutdown failed", "error", err)
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Registry shutdown failed", "error", err)
	}
	if err := engine.Close(shutdownCtx); err != nil {
		slog.Warn("Flow engine shutdown failed", "error", err)
	}
	return nil
}

// registerJobs schedules the housekeeping sweeps.
func registerJobs(sched *scheduler.Scheduler, cfg config.Config, reg *registry.Registry, gate *activation.Gate, machine *conversation.Machine, st *store.Store) error {
	every := cfg.CleanupSchedule
	jobs := map[string]func(){
		"idle-tenants": func() {
			if n := reg.CleanupIdle(cfg.IdleTimeout); n > 0 {
				slog.Info("Idle tenants reclaimed", "count", n)
			}
		},
		"activations": func() {
			if n := gate.Cleanup(); n > 0 {
				slog.Debug("Expired activations removed", "count", n)
			}
		},
		"conversations": func() {
			ctx := context.Background()
			if n := machine.Cleanup(ctx); n > 0 {
				slog.Debug("Expired conversations removed", "count", n)
			}
			if _, err := st.Conversations().PurgeIdle(ctx, time.Now().Add(-cfg.StateTimeout)); err != nil {
				slog.Warn("Conversation purge failed", "error", err)
			}
		},
		"inbound-dedup": func() {
			if _, err := st.PurgeInbound(context.Background(), time.Now().Add(-dedupRetention)); err != nil {
				slog.Warn("Inbound purge failed", "error", err)
			}
		},
		"reply-outbox": func() {
			if _, err := st.PurgeReplies(context.Background(), time.Now().Add(-cfg.OutboxRetention)); err != nil {
				slog.Warn("Reply outbox purge failed", "error", err)
			}
		},
	}
	for name, task := range jobs {
		if err := sched.AddJob(name, every, task); err != nil {
			return err
		}
	}
	return nil
}
