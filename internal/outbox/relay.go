// Package outbox delivers bot replies that could not be sent while their
// tenant was offline. Replies are queued in the store by the flow engine and
// relayed once the tenant's connection is back.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/reconnect"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/recovery"
)

// Repo is the durable queue behind the relay.
type Repo interface {
	ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]models.OutboxReply, error)
	MarkReplySent(ctx context.Context, id string) error
	AbandonReply(ctx context.Context, id, reason string) error
	RetryReply(ctx context.Context, id, reason string, next time.Time, counted bool) error
	RequeueStaleReplies(ctx context.Context, staleBefore time.Time) (int, error)
}

// Sender transmits a reply through the tenant's connection.
type Sender interface {
	Send(ctx context.Context, tenantID, to, text string) error
}

// Config holds relay parameters.
type Config struct {
	PollInterval   time.Duration
	ClaimLimit     int
	StaleThreshold time.Duration
	// Backoff spaces retries; its MaxAttempts caps delivery attempts.
	Backoff reconnect.Policy
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		ClaimLimit:     20,
		StaleThreshold: 5 * time.Minute,
		Backoff:        reconnect.Policy{BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Minute, MaxAttempts: 8},
	}
}

// Relay polls the queue and sends due replies.
type Relay struct {
	repo   Repo
	sender Sender
	cfg    Config
	now    func() time.Time
}

var _ recovery.Recoverable = (*Relay)(nil)

// NewRelay creates a relay. Zero config fields take their defaults.
func NewRelay(repo Repo, sender Sender, cfg Config) *Relay {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = def.ClaimLimit
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff.BaseDelay, cfg.Backoff.MaxDelay = def.Backoff.BaseDelay, def.Backoff.MaxDelay
	}
	if cfg.Backoff.MaxAttempts < 1 {
		cfg.Backoff.MaxAttempts = def.Backoff.MaxAttempts
	}
	return &Relay{repo: repo, sender: sender, cfg: cfg, now: time.Now}
}

// RecoveryName names the relay in recovery logs.
func (r *Relay) RecoveryName() string { return "reply outbox" }

// RecoverState requeues replies stuck in flight by a previous run.
func (r *Relay) RecoverState(ctx context.Context, _ *recovery.RecoveryRegistry) error {
	_, err := r.repo.RequeueStaleReplies(ctx, r.now().Add(-r.cfg.StaleThreshold))
	return err
}

// Run flushes the queue every poll interval until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	slog.Info("Outbox relay started", "poll", r.cfg.PollInterval)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				slog.Error("Outbox flush failed", "error", err)
			}
		}
	}
}

// Flush sends one batch of due replies and returns how many were delivered.
// Once a reply for a chat fails, the chat's later replies in the batch are
// put back untouched so they keep their order.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	now := r.now()
	due, err := r.repo.ClaimDueReplies(ctx, now, r.cfg.ClaimLimit)
	if err != nil {
		return 0, err
	}

	type chatKey struct{ tenant, chat string }
	blocked := make(map[chatKey]time.Time)
	sent := 0
	for _, reply := range due {
		key := chatKey{reply.TenantID, reply.ChatID}
		if next, ok := blocked[key]; ok {
			r.record(reply, r.repo.RetryReply(ctx, reply.ID, "", next, false))
			continue
		}

		err := r.sender.Send(ctx, reply.TenantID, reply.ChatID, reply.Body)
		if err == nil {
			sent++
			r.record(reply, r.repo.MarkReplySent(ctx, reply.ID))
			continue
		}

		attempt := reply.Attempts + 1
		if !models.IsRetryable(err) || attempt >= r.cfg.Backoff.MaxAttempts {
			slog.Warn("Outbox giving up on reply", "tenant", reply.TenantID, "chat", reply.ChatID, "attempts", attempt, "error", err)
			r.record(reply, r.repo.AbandonReply(ctx, reply.ID, err.Error()))
			continue
		}
		next := now.Add(r.cfg.Backoff.Delay(attempt))
		blocked[key] = next
		slog.Debug("Outbox reply deferred", "tenant", reply.TenantID, "chat", reply.ChatID, "attempt", attempt, "next", next)
		r.record(reply, r.repo.RetryReply(ctx, reply.ID, err.Error(), next, true))
	}
	if sent > 0 {
		slog.Info("Outbox flush delivered replies", "sent", sent, "claimed", len(due))
	}
	return sent, nil
}

func (r *Relay) record(reply models.OutboxReply, err error) {
	if err != nil {
		slog.Error("Outbox failed to update reply", "id", reply.ID, "tenant", reply.TenantID, "error", err)
	}
}
