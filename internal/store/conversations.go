package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/conversation"
)

// ConversationRepository persists conversation states in the store.
type ConversationRepository struct {
	s *Store
}

var _ conversation.Repository = ConversationRepository{}

// Conversations returns the conversation repository backed by s.
func (s *Store) Conversations() ConversationRepository {
	return ConversationRepository{s: s}
}

// Load returns the stored state of key, or nil when none exists.
func (r ConversationRepository) Load(ctx context.Context, key conversation.Key) (*conversation.ConversationState, error) {
	var payload string
	err := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT payload FROM conversation_states WHERE tenant_id = ? AND chat_id = ?`),
		key.TenantID, key.ChatID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "failed to load conversation %s/%s", key.TenantID, key.ChatID)
	}
	var st conversation.ConversationState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		slog.Warn("Store discarding unreadable conversation state", "tenant", key.TenantID, "chat", key.ChatID, "error", err)
		return nil, nil
	}
	if !st.CurrentState.IsValid() {
		return nil, nil
	}
	st.Key = key
	return &st, nil
}

// Save upserts st.
func (r ConversationRepository) Save(ctx context.Context, st conversation.ConversationState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode conversation state: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, r.s.rebind(`INSERT INTO conversation_states (tenant_id, chat_id, payload, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, chat_id) DO UPDATE SET payload = excluded.payload, last_activity = excluded.last_activity`),
		st.Key.TenantID, st.Key.ChatID, string(payload), unix(st.LastActivity))
	if err != nil {
		return storageErr(err, "failed to save conversation %s/%s", st.Key.TenantID, st.Key.ChatID)
	}
	return nil
}

// Delete removes the stored state of key.
func (r ConversationRepository) Delete(ctx context.Context, key conversation.Key) error {
	_, err := r.s.db.ExecContext(ctx, r.s.rebind(`DELETE FROM conversation_states WHERE tenant_id = ? AND chat_id = ?`),
		key.TenantID, key.ChatID)
	if err != nil {
		return storageErr(err, "failed to delete conversation %s/%s", key.TenantID, key.ChatID)
	}
	return nil
}

// PurgeIdle deletes states whose last activity is older than cutoff.
func (r ConversationRepository) PurgeIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`DELETE FROM conversation_states WHERE last_activity < ?`), unix(cutoff))
	if err != nil {
		return 0, storageErr(err, "failed to purge idle conversations")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store purged idle conversations", "count", n)
	}
	return n, nil
}
