// Package activation decides, per chat, whether the automated booking flow
// should answer an inbound message.
//
// Precedence is fixed and each rule can be exercised on its own:
// forced override, then an unexpired active session, then the trigger token,
// then the optional fallback for unmatched messages.
package activation

import (
	"log/slog"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/keyed"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonForced        Reason = "forced"
	ReasonActiveSession Reason = "active_session"
	ReasonTrigger       Reason = "trigger"
	ReasonFallback      Reason = "fallback"
	ReasonInactive      Reason = "inactive"
)

// Key identifies a chat within a tenant.
type Key struct {
	TenantID string
	ChatID   string
}

// Config holds the gate parameters.
type Config struct {
	TriggerToken       string        `json:"trigger_token"`
	ActivationTimeout  time.Duration `json:"activation_timeout"`
	RespondToUnmatched bool          `json:"respond_to_unmatched"`
	MaxIdleMessages    int           `json:"max_idle_messages"`
}

// DefaultConfig returns the defaults: "!bot" trigger, 30 minute window,
// fallback disabled.
func DefaultConfig() Config {
	return Config{
		TriggerToken:      "!bot",
		ActivationTimeout: 30 * time.Minute,
		MaxIdleMessages:   3,
	}
}

// Record is the per-chat activation state.
type Record struct {
	IsActive           bool      `json:"is_active"`
	Forced             bool      `json:"forced"`
	ActivatedAt        time.Time `json:"activated_at"`
	LastActivity       time.Time `json:"last_activity"`
	IdleMessageCounter int       `json:"idle_message_counter"`
}

// Decision is the outcome of ShouldRespond.
type Decision struct {
	Engage     bool    `json:"engage"`
	Reason     Reason  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Gate holds activation records keyed by chat.
type Gate struct {
	cfg     Config
	records *keyed.Map[Key, Record]
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate.
func NewGate(cfg Config, opts ...Option) *Gate {
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = DefaultConfig().ActivationTimeout
	}
	g := &Gate{
		cfg:     cfg,
		records: keyed.New[Key, Record](),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TriggerToken returns the configured trigger token.
func (g *Gate) TriggerToken() string {
	return g.cfg.TriggerToken
}

func (g *Gate) expired(rec Record, now time.Time) bool {
	return now.Sub(rec.LastActivity) > g.cfg.ActivationTimeout
}

// ShouldRespond evaluates the gate for one inbound message and updates the
// chat's record accordingly.
func (g *Gate) ShouldRespond(key Key, text string) Decision {
	now := g.now()
	var d Decision

	g.records.Do(key, func(rec Record, ok bool) (Record, bool) {
		if ok && rec.Forced {
			rec.LastActivity = now
			d = Decision{Engage: true, Reason: ReasonForced, Confidence: 1}
			return rec, true
		}

		if ok && rec.IsActive {
			if !g.expired(rec, now) {
				rec.LastActivity = now
				d = Decision{Engage: true, Reason: ReasonActiveSession, Confidence: 0.9}
				return rec, true
			}
			slog.Debug("ActivationGate session expired", "tenant", key.TenantID, "chat", key.ChatID, "lastActivity", rec.LastActivity)
			rec.IsActive = false
		}

		if HasLeadingToken(text, g.cfg.TriggerToken) {
			rec.IsActive = true
			rec.ActivatedAt = now
			rec.LastActivity = now
			rec.IdleMessageCounter = 0
			d = Decision{Engage: true, Reason: ReasonTrigger, Confidence: 1}
			return rec, true
		}

		if g.cfg.RespondToUnmatched && rec.IdleMessageCounter < g.cfg.MaxIdleMessages {
			rec.IdleMessageCounter++
			rec.LastActivity = now
			d = Decision{Engage: true, Reason: ReasonFallback, Confidence: 0.3}
			return rec, true
		}

		d = Decision{Engage: false, Reason: ReasonInactive}
		if !ok {
			return rec, false
		}
		return rec, true
	})

	slog.Debug("ActivationGate ShouldRespond", "tenant", key.TenantID, "chat", key.ChatID, "engage", d.Engage, "reason", d.Reason)
	return d
}

// Activate opens an active session for the chat as if the trigger was sent.
func (g *Gate) Activate(key Key) {
	now := g.now()
	g.records.Do(key, func(rec Record, _ bool) (Record, bool) {
		rec.IsActive = true
		rec.ActivatedAt = now
		rec.LastActivity = now
		rec.IdleMessageCounter = 0
		return rec, true
	})
}

// Touch refreshes the activity timestamp of an active chat. Inactive or
// unknown chats are left alone.
func (g *Gate) Touch(key Key) {
	now := g.now()
	g.records.Do(key, func(rec Record, ok bool) (Record, bool) {
		if ok && rec.IsActive && !g.expired(rec, now) {
			rec.LastActivity = now
		}
		return rec, ok
	})
}

// Deactivate ends the chat's session and clears any forced override.
func (g *Gate) Deactivate(key Key) {
	g.records.Delete(key)
	slog.Debug("ActivationGate Deactivate succeeded", "tenant", key.TenantID, "chat", key.ChatID)
}

// Force sets or clears the admin override. A forced chat always engages and
// never times out until the override is cleared.
func (g *Gate) Force(key Key, on bool) {
	if !on {
		g.Deactivate(key)
		return
	}
	now := g.now()
	g.records.Do(key, func(rec Record, _ bool) (Record, bool) {
		rec.Forced = true
		rec.IsActive = true
		if rec.ActivatedAt.IsZero() {
			rec.ActivatedAt = now
		}
		rec.LastActivity = now
		return rec, true
	})
	slog.Info("ActivationGate Force succeeded", "tenant", key.TenantID, "chat", key.ChatID)
}

// Get returns the chat's record with expiry applied.
func (g *Gate) Get(key Key) (Record, bool) {
	rec, ok := g.records.Get(key)
	if !ok {
		return Record{}, false
	}
	if rec.IsActive && !rec.Forced && g.expired(rec, g.now()) {
		rec.IsActive = false
	}
	return rec, true
}

// IsActive reports whether the chat currently owns an unexpired session.
func (g *Gate) IsActive(key Key) bool {
	rec, ok := g.Get(key)
	return ok && rec.IsActive
}

// Cleanup drops records idle beyond the activation timeout. It only reclaims
// memory; correctness never depends on it running.
func (g *Gate) Cleanup() int {
	now := g.now()
	removed := g.records.Sweep(func(_ Key, rec Record) bool {
		return !rec.Forced && g.expired(rec, now)
	})
	if removed > 0 {
		slog.Debug("ActivationGate Cleanup succeeded", "removed", removed)
	}
	return removed
}

// Len returns the number of tracked chats.
func (g *Gate) Len() int {
	return g.records.Len()
}
