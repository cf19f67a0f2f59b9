package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// RecordInbound remembers an inbound message id and reports whether it should
// be handled. A message seen before is handled again only while it has not
// been marked processed, so a failed turn is retried on redelivery.
func (s *Store) RecordInbound(ctx context.Context, tenantID, chatID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO inbound_dedup (tenant_id, message_id, chat_id, received_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (tenant_id, message_id) DO NOTHING`),
		tenantID, messageID, chatID, unix(s.now()))
	if err != nil {
		return false, storageErr(err, "record inbound failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, "dedup rows affected check failed")
	}
	if n > 0 {
		return true, nil
	}

	var processed sql.NullInt64
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT processed_at FROM inbound_dedup WHERE tenant_id = ? AND message_id = ?`),
		tenantID, messageID).Scan(&processed)
	if err != nil {
		return false, storageErr(err, "dedup processed lookup failed")
	}
	if !processed.Valid {
		slog.Debug("Store RecordInbound retrying unprocessed message", "tenant", tenantID, "message", messageID)
	}
	return !processed.Valid, nil
}

// MarkProcessed stamps the processing time of an inbound message.
func (s *Store) MarkProcessed(ctx context.Context, tenantID, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE tenant_id = ? AND message_id = ?`),
		unix(s.now()), tenantID, messageID)
	if err != nil {
		return storageErr(err, "mark processed failed")
	}
	return nil
}

// PurgeInbound forgets message ids received before cutoff.
func (s *Store) PurgeInbound(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM inbound_dedup WHERE received_at < ?`), unix(cutoff))
	if err != nil {
		return 0, storageErr(err, "purge inbound failed")
	}
	n, _ := res.RowsAffected()
	slog.Debug("Store PurgeInbound succeeded", "count", n)
	return n, nil
}
