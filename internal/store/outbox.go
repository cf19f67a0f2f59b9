package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

const outboxColumns = `id, tenant_id, chat_id, body, position, status, attempts, next_attempt_at, dedupe_key, last_error, created_at, updated_at`

// EnqueueReply queues a reply for later delivery. A non-empty dedupeKey that
// is already queued or in flight returns the existing id.
func (s *Store) EnqueueReply(ctx context.Context, tenantID, chatID, body, dedupeKey string, position int) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM reply_outbox WHERE dedupe_key = ? AND status IN (?, ?)`),
			dedupeKey, string(models.OutboxQueued), string(models.OutboxSending)).Scan(&existing)
		if err == nil {
			slog.Debug("Store EnqueueReply dedupe hit", "tenant", tenantID, "dedupe_key", dedupeKey, "id", existing)
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", storageErr(err, "outbox dedupe lookup failed")
		}
	}

	id := uuid.NewString()
	now := unix(s.now())
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO reply_outbox
		(id, tenant_id, chat_id, body, position, status, attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`),
		id, tenantID, chatID, body, position, string(models.OutboxQueued), nullString(dedupeKey), now, now)
	if err != nil {
		return "", storageErr(err, "enqueue reply for tenant %s failed", tenantID)
	}
	slog.Debug("Store EnqueueReply succeeded", "tenant", tenantID, "chat", chatID, "id", id)
	return id, nil
}

// ClaimDueReplies moves up to limit due replies to sending and returns them
// oldest first. A reply claimed by someone else in between is skipped.
func (s *Store) ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]models.OutboxReply, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+outboxColumns+` FROM reply_outbox
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at, position LIMIT ?`),
		string(models.OutboxQueued), unix(now), limit)
	if err != nil {
		return nil, storageErr(err, "claim due replies failed")
	}
	var due []models.OutboxReply
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "claim due replies iteration failed")
	}

	claimed := due[:0]
	for _, r := range due {
		res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE reply_outbox SET status = ?, locked_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			string(models.OutboxSending), unix(now), unix(now), r.ID, string(models.OutboxQueued))
		if err != nil {
			return nil, storageErr(err, "claim reply %s failed", r.ID)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			r.Status = models.OutboxSending
			claimed = append(claimed, r)
		}
	}
	return claimed, nil
}

// MarkReplySent records a delivered reply.
func (s *Store) MarkReplySent(ctx context.Context, id string) error {
	return s.setReplyStatus(ctx, id, models.OutboxSent, "")
}

// AbandonReply stops retrying a reply.
func (s *Store) AbandonReply(ctx context.Context, id, reason string) error {
	return s.setReplyStatus(ctx, id, models.OutboxFailed, reason)
}

func (s *Store) setReplyStatus(ctx context.Context, id string, status models.OutboxStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE reply_outbox SET status = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		string(status), nullString(reason), unix(s.now()), id)
	if err != nil {
		return storageErr(err, "set reply %s to %s failed", id, status)
	}
	return nil
}

// RetryReply puts a claimed reply back in the queue for next. A counted retry
// increments the attempt number.
func (s *Store) RetryReply(ctx context.Context, id, reason string, next time.Time, counted bool) error {
	inc := 0
	if counted {
		inc = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE reply_outbox
		SET status = ?, attempts = attempts + ?, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		WHERE id = ?`),
		string(models.OutboxQueued), inc, nullString(reason), unix(next), unix(s.now()), id)
	if err != nil {
		return storageErr(err, "requeue reply %s failed", id)
	}
	return nil
}

// RequeueStaleReplies returns replies left in sending since before
// staleBefore to the queue, as after a crash mid-delivery.
func (s *Store) RequeueStaleReplies(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE reply_outbox SET status = ?, locked_at = NULL, updated_at = ?
		WHERE status = ? AND locked_at < ?`),
		string(models.OutboxQueued), unix(s.now()), string(models.OutboxSending), unix(staleBefore))
	if err != nil {
		return 0, storageErr(err, "requeue stale replies failed")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store requeued stale replies", "count", n)
	}
	return int(n), nil
}

// PurgeReplies deletes delivered and abandoned replies last touched before
// cutoff.
func (s *Store) PurgeReplies(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM reply_outbox WHERE status IN (?, ?) AND updated_at < ?`),
		string(models.OutboxSent), string(models.OutboxFailed), unix(cutoff))
	if err != nil {
		return 0, storageErr(err, "purge replies failed")
	}
	n, _ := res.RowsAffected()
	slog.Debug("Store PurgeReplies succeeded", "count", n)
	return n, nil
}

func scanReply(rows *sql.Rows) (models.OutboxReply, error) {
	var (
		r                    models.OutboxReply
		status               string
		next                 sql.NullInt64
		dedupe, lastErr      sql.NullString
		createdAt, updatedAt int64
	)
	err := rows.Scan(&r.ID, &r.TenantID, &r.ChatID, &r.Body, &r.Position, &status, &r.Attempts,
		&next, &dedupe, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		return r, storageErr(err, "scan reply failed")
	}
	r.Status = models.OutboxStatus(status)
	r.DedupeKey = dedupe.String
	r.LastError = lastErr.String
	r.CreatedAt = fromUnix(createdAt)
	r.UpdatedAt = fromUnix(updatedAt)
	if next.Valid {
		at := fromUnix(next.Int64)
		r.NextAttemptAt = &at
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
