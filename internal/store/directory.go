package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

// TenantConfig is a tenant with its business hours.
type TenantConfig struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	OwnerID     string `yaml:"owner_id" json:"owner_id,omitempty"`
	OpensAt     string `yaml:"opens_at" json:"opens_at"`   // HH:MM
	ClosesAt    string `yaml:"closes_at" json:"closes_at"` // HH:MM
	Workdays    []int  `yaml:"workdays" json:"workdays"`   // 0 = Sunday
	SlotMinutes int    `yaml:"slot_minutes" json:"slot_minutes"`
}

func (c *TenantConfig) normalize() error {
	if strings.TrimSpace(c.ID) == "" {
		return models.NewError(models.CodeInvalidInput, "tenant id is required")
	}
	if c.DisplayName == "" {
		c.DisplayName = c.ID
	}
	if c.OpensAt == "" {
		c.OpensAt = "09:00"
	}
	if c.ClosesAt == "" {
		c.ClosesAt = "18:00"
	}
	if len(c.Workdays) == 0 {
		c.Workdays = []int{1, 2, 3, 4, 5, 6}
	}
	if c.SlotMinutes <= 0 {
		c.SlotMinutes = 30
	}
	open, err := parseClock(c.OpensAt)
	if err != nil {
		return models.Wrap(err, models.CodeInvalidInput, "invalid opens_at")
	}
	closing, err := parseClock(c.ClosesAt)
	if err != nil {
		return models.Wrap(err, models.CodeInvalidInput, "invalid closes_at")
	}
	if closing <= open {
		return models.NewError(models.CodeInvalidInput, "closes_at must be after opens_at")
	}
	for _, d := range c.Workdays {
		if d < 0 || d > 6 {
			return models.NewError(models.CodeInvalidInput, fmt.Sprintf("invalid workday %d", d))
		}
	}
	return nil
}

// parseClock parses HH:MM into minutes since midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func encodeWorkdays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func decodeWorkdays(v string) []int {
	var out []int
	for _, p := range strings.Split(v, ",") {
		if d, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// UpsertTenant creates or updates a tenant.
func (s *Store) UpsertTenant(ctx context.Context, c TenantConfig) error {
	if err := c.normalize(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO tenants
		(id, display_name, owner_id, opens_at, closes_at, workdays, slot_minutes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			owner_id = excluded.owner_id,
			opens_at = excluded.opens_at,
			closes_at = excluded.closes_at,
			workdays = excluded.workdays,
			slot_minutes = excluded.slot_minutes`),
		c.ID, c.DisplayName, c.OwnerID, c.OpensAt, c.ClosesAt, encodeWorkdays(c.Workdays), c.SlotMinutes, unix(s.now()))
	if err != nil {
		slog.Error("Store UpsertTenant failed", "tenant", c.ID, "error", err)
		return storageErr(err, "failed to upsert tenant %s", c.ID)
	}
	slog.Debug("Store UpsertTenant succeeded", "tenant", c.ID)
	return nil
}

// GetTenant returns a tenant's configuration or models.ErrNotFound.
func (s *Store) GetTenant(ctx context.Context, id string) (TenantConfig, error) {
	var c TenantConfig
	var workdays string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, display_name, owner_id, opens_at, closes_at, workdays, slot_minutes
		FROM tenants WHERE id = ?`), id).
		Scan(&c.ID, &c.DisplayName, &c.OwnerID, &c.OpensAt, &c.ClosesAt, &workdays, &c.SlotMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return c, models.NewError(models.CodeNotFound, "tenant "+id+" not found")
	}
	if err != nil {
		return c, storageErr(err, "failed to load tenant %s", id)
	}
	c.Workdays = decodeWorkdays(workdays)
	return c, nil
}

// ListTenants returns the tenants owned by scopeID, or every tenant when
// scopeID is empty.
func (s *Store) ListTenants(ctx context.Context, scopeID string) ([]models.Tenant, error) {
	query := `SELECT id, display_name FROM tenants`
	var args []any
	if scopeID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, scopeID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storageErr(err, "failed to list tenants")
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.DisplayName); err != nil {
			return nil, storageErr(err, "failed to scan tenant")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "failed to iterate tenants")
	}
	slog.Debug("Store ListTenants succeeded", "scope", scopeID, "count", len(out))
	return out, nil
}

// UpsertService creates or updates a service. position orders the menu.
func (s *Store) UpsertService(ctx context.Context, svc models.Service, position int) error {
	if svc.ID == "" || svc.TenantID == "" || svc.Name == "" {
		return models.NewError(models.CodeInvalidInput, "service id, tenant and name are required")
	}
	if svc.DurationMinutes <= 0 {
		return models.NewError(models.CodeInvalidInput, "service duration must be positive")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO services (id, tenant_id, name, duration_minutes, price_cents, position, active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			duration_minutes = excluded.duration_minutes,
			price_cents = excluded.price_cents,
			position = excluded.position,
			active = 1`),
		svc.ID, svc.TenantID, svc.Name, svc.DurationMinutes, svc.PriceCents, position)
	if err != nil {
		return storageErr(err, "failed to upsert service %s", svc.ID)
	}
	return nil
}

// ListServices returns the active services of a tenant in menu order.
func (s *Store) ListServices(ctx context.Context, tenantID string) ([]models.Service, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, tenant_id, name, duration_minutes, price_cents
		FROM services WHERE tenant_id = ? AND active = 1 ORDER BY position, name`), tenantID)
	if err != nil {
		return nil, storageErr(err, "failed to list services for %s", tenantID)
	}
	defer rows.Close()

	var out []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ID, &svc.TenantID, &svc.Name, &svc.DurationMinutes, &svc.PriceCents); err != nil {
			return nil, storageErr(err, "failed to scan service")
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "failed to iterate services")
	}
	return out, nil
}

// GetService returns one active service or models.ErrNotFound.
func (s *Store) GetService(ctx context.Context, tenantID, serviceID string) (models.Service, error) {
	var svc models.Service
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, tenant_id, name, duration_minutes, price_cents
		FROM services WHERE tenant_id = ? AND id = ? AND active = 1`), tenantID, serviceID).
		Scan(&svc.ID, &svc.TenantID, &svc.Name, &svc.DurationMinutes, &svc.PriceCents)
	if errors.Is(err, sql.ErrNoRows) {
		return svc, models.NewError(models.CodeNotFound, "service "+serviceID+" not found")
	}
	if err != nil {
		return svc, storageErr(err, "failed to load service %s", serviceID)
	}
	return svc, nil
}
