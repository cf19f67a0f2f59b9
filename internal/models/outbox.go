package models

import "time"

// OutboxStatus is the delivery state of a deferred reply.
type OutboxStatus string

const (
	OutboxQueued  OutboxStatus = "queued"
	OutboxSending OutboxStatus = "sending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxReply is a bot reply waiting for its tenant to come back online.
// Position orders replies produced by the same turn.
type OutboxReply struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	ChatID        string       `json:"chat_id"`
	Body          string       `json:"body"`
	Position      int          `json:"position"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	DedupeKey     string       `json:"dedupe_key,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
