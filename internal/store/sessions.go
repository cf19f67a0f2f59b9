package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
)

var _ session.Store = (*Store)(nil)

// Load returns the session record of tenantID, or nil when none is stored.
func (s *Store) Load(ctx context.Context, tenantID string) (*session.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT tenant_id, device_jid, push_name, platform, connection_method, phone_number, updated_at
		FROM tenant_sessions WHERE tenant_id = ?`), tenantID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store Load session failed", "tenant", tenantID, "error", err)
		return nil, storageErr(err, "failed to load session for %s", tenantID)
	}
	return &rec, nil
}

// Save upserts the session record.
func (s *Store) Save(ctx context.Context, rec session.Record) error {
	if rec.TenantID == "" {
		return models.NewError(models.CodeInvalidInput, "session record without tenant")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO tenant_sessions
		(tenant_id, device_jid, push_name, platform, connection_method, phone_number, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			device_jid = excluded.device_jid,
			push_name = excluded.push_name,
			platform = excluded.platform,
			connection_method = excluded.connection_method,
			phone_number = excluded.phone_number,
			updated_at = excluded.updated_at`),
		rec.TenantID, rec.DeviceJID, rec.PushName, rec.Platform, string(rec.ConnectionMethod), rec.PhoneNumber, unix(rec.UpdatedAt))
	if err != nil {
		slog.Error("Store Save session failed", "tenant", rec.TenantID, "error", err)
		return storageErr(err, "failed to save session for %s", rec.TenantID)
	}
	slog.Debug("Store Save session succeeded", "tenant", rec.TenantID, "device", rec.DeviceJID)
	return nil
}

// Erase deletes the session record. Erasing a missing record succeeds.
func (s *Store) Erase(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tenant_sessions WHERE tenant_id = ?`), tenantID); err != nil {
		slog.Error("Store Erase session failed", "tenant", tenantID, "error", err)
		return storageErr(err, "failed to erase session for %s", tenantID)
	}
	slog.Debug("Store Erase session succeeded", "tenant", tenantID)
	return nil
}

// List returns every stored session ordered by tenant.
func (s *Store) List(ctx context.Context) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, device_jid, push_name, platform, connection_method, phone_number, updated_at
		FROM tenant_sessions ORDER BY tenant_id`)
	if err != nil {
		return nil, storageErr(err, "failed to list sessions")
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, storageErr(err, "failed to scan session")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "failed to iterate sessions")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Record, error) {
	var rec session.Record
	var method string
	var updated int64
	if err := row.Scan(&rec.TenantID, &rec.DeviceJID, &rec.PushName, &rec.Platform, &method, &rec.PhoneNumber, &updated); err != nil {
		return rec, err
	}
	rec.ConnectionMethod = models.ConnectionMethod(method)
	rec.UpdatedAt = fromUnix(updated)
	return rec, nil
}
