package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

// MaxRangeDays bounds GetAvailableDays.
const MaxRangeDays = 62

type interval struct {
	start, end int64
}

func (i interval) overlaps(start, end int64) bool {
	return start < i.end && end > i.start
}

func (s *Store) bookedIntervals(ctx context.Context, tenantID string, from, to time.Time) ([]interval, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT start_at, end_at FROM appointments
		WHERE tenant_id = ? AND status = ? AND start_at < ? AND end_at > ?`),
		tenantID, string(models.AppointmentStatusConfirmed), unix(to), unix(from))
	if err != nil {
		return nil, storageErr(err, "failed to query appointments for %s", tenantID)
	}
	defer rows.Close()
	var out []interval
	for rows.Next() {
		var iv interval
		if err := rows.Scan(&iv.start, &iv.end); err != nil {
			return nil, storageErr(err, "failed to scan appointment")
		}
		out = append(out, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "failed to iterate appointments")
	}
	return out, nil
}

// GetAvailableSlots returns the free start times for serviceID on day, in the
// store's time zone. Past times and non-working days yield no slots.
func (s *Store) GetAvailableSlots(ctx context.Context, tenantID, serviceID string, day time.Time) ([]models.Slot, error) {
	tenant, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	svc, err := s.GetService(ctx, tenantID, serviceID)
	if err != nil {
		return nil, err
	}
	return s.slotsFor(ctx, tenant, svc, day)
}

func (s *Store) slotsFor(ctx context.Context, tenant TenantConfig, svc models.Service, day time.Time) ([]models.Slot, error) {
	day = day.In(s.loc)
	if !slices.Contains(tenant.Workdays, int(day.Weekday())) {
		return nil, nil
	}
	openMin, _ := parseClock(tenant.OpensAt)
	closeMin, _ := parseClock(tenant.ClosesAt)
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)
	open := midnight.Add(time.Duration(openMin) * time.Minute)
	closing := midnight.Add(time.Duration(closeMin) * time.Minute)
	dur := time.Duration(svc.DurationMinutes) * time.Minute
	step := time.Duration(tenant.SlotMinutes) * time.Minute

	booked, err := s.bookedIntervals(ctx, tenant.ID, open, closing)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []models.Slot
	for start := open; !start.Add(dur).After(closing); start = start.Add(step) {
		if start.Before(now) {
			continue
		}
		end := start.Add(dur)
		free := true
		for _, iv := range booked {
			if iv.overlaps(unix(start), unix(end)) {
				free = false
				break
			}
		}
		if free {
			out = append(out, models.Slot{Start: start, End: end})
		}
	}
	return out, nil
}

// GetAvailableDays returns the days in r that have at least one free slot for
// serviceID. Each day is midnight in the store's time zone.
func (s *Store) GetAvailableDays(ctx context.Context, tenantID, serviceID string, r models.DateRange) ([]time.Time, error) {
	tenant, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	svc, err := s.GetService(ctx, tenantID, serviceID)
	if err != nil {
		return nil, err
	}
	from := r.From.In(s.loc)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, s.loc)
	var out []time.Time
	for i := 0; i < MaxRangeDays && !day.After(r.To); i++ {
		slots, err := s.slotsFor(ctx, tenant, svc, day)
		if err != nil {
			return nil, err
		}
		if len(slots) > 0 {
			out = append(out, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return out, nil
}

// CreateAppointment books draft. It fails with models.ErrConflict when the
// slot overlaps a confirmed appointment or already started.
func (s *Store) CreateAppointment(ctx context.Context, draft models.BookingDraft) (models.Appointment, error) {
	if !draft.Complete() {
		return models.Appointment{}, models.NewError(models.CodeInvalidInput, "booking draft is incomplete")
	}
	svc, err := s.GetService(ctx, draft.TenantID, draft.ServiceID)
	if err != nil {
		return models.Appointment{}, err
	}
	now := s.now()
	appt := models.Appointment{
		ID:            uuid.NewString(),
		TenantID:      draft.TenantID,
		ServiceID:     svc.ID,
		ServiceName:   svc.Name,
		CustomerName:  draft.CustomerName,
		CustomerPhone: draft.CustomerPhone,
		Start:         draft.Start.UTC().Truncate(time.Second),
		Status:        models.AppointmentStatusConfirmed,
		CreatedAt:     now.UTC().Truncate(time.Second),
	}
	appt.End = appt.Start.Add(time.Duration(svc.DurationMinutes) * time.Minute)
	if appt.Start.Before(now) {
		return models.Appointment{}, models.NewError(models.CodeConflict, "slot is in the past")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Appointment{}, storageErr(err, "failed to begin booking transaction")
	}
	defer tx.Rollback()

	if s.dialect == dialectPostgres {
		// Serializes bookings per tenant.
		if _, err := tx.ExecContext(ctx, `SELECT id FROM tenants WHERE id = $1 FOR UPDATE`, appt.TenantID); err != nil {
			return models.Appointment{}, storageErr(err, "failed to lock tenant %s", appt.TenantID)
		}
	}

	var clashes int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM appointments
		WHERE tenant_id = ? AND status = ? AND start_at < ? AND end_at > ?`),
		appt.TenantID, string(models.AppointmentStatusConfirmed), unix(appt.End), unix(appt.Start)).Scan(&clashes)
	if err != nil {
		return models.Appointment{}, storageErr(err, "failed to check slot")
	}
	if clashes > 0 {
		slog.Info("Store CreateAppointment conflict", "tenant", appt.TenantID, "start", appt.Start)
		return models.Appointment{}, models.NewError(models.CodeConflict, "slot is no longer available")
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO appointments
		(id, tenant_id, service_id, service_name, customer_name, customer_phone, start_at, end_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		appt.ID, appt.TenantID, appt.ServiceID, appt.ServiceName, appt.CustomerName, appt.CustomerPhone,
		unix(appt.Start), unix(appt.End), string(appt.Status), unix(appt.CreatedAt))
	if err != nil {
		return models.Appointment{}, storageErr(err, "failed to insert appointment")
	}
	if err := tx.Commit(); err != nil {
		return models.Appointment{}, storageErr(err, "failed to commit appointment")
	}
	slog.Info("Store CreateAppointment succeeded", "tenant", appt.TenantID, "appointment", appt.ID, "start", appt.Start)
	return appt, nil
}

// CancelAppointment cancels a confirmed appointment. Cancelling twice
// succeeds; an unknown id yields models.ErrNotFound.
func (s *Store) CancelAppointment(ctx context.Context, tenantID, appointmentID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE appointments SET status = ? WHERE tenant_id = ? AND id = ? AND status = ?`),
		string(models.AppointmentStatusCancelled), tenantID, appointmentID, string(models.AppointmentStatusConfirmed))
	if err != nil {
		return storageErr(err, "failed to cancel appointment %s", appointmentID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("Store CancelAppointment succeeded", "tenant", tenantID, "appointment", appointmentID)
		return nil
	}
	var id string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM appointments WHERE tenant_id = ? AND id = ?`), tenantID, appointmentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewError(models.CodeNotFound, "appointment "+appointmentID+" not found")
	}
	if err != nil {
		return storageErr(err, "failed to look up appointment %s", appointmentID)
	}
	return nil
}

// ListAppointments returns the upcoming confirmed appointments of a customer.
func (s *Store) ListAppointments(ctx context.Context, tenantID, customerPhone string) ([]models.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, tenant_id, service_id, service_name, customer_name, customer_phone,
			start_at, end_at, status, created_at
		FROM appointments
		WHERE tenant_id = ? AND customer_phone = ? AND status = ? AND end_at >= ?
		ORDER BY start_at`),
		tenantID, customerPhone, string(models.AppointmentStatusConfirmed), unix(s.now()))
	if err != nil {
		return nil, storageErr(err, "failed to list appointments")
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		var a models.Appointment
		var start, end, created int64
		var status string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ServiceID, &a.ServiceName, &a.CustomerName, &a.CustomerPhone,
			&start, &end, &status, &created); err != nil {
			return nil, storageErr(err, "failed to scan appointment")
		}
		a.Start, a.End, a.CreatedAt = fromUnix(start), fromUnix(end), fromUnix(created)
		a.Status = models.AppointmentStatus(status)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "failed to iterate appointments")
	}
	return out, nil
}
