package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/conversation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
)

// Monday 2026-03-02 08:00 UTC.
var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestSQLiteStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "data", "test.db")
	s, err := NewSQLiteStore(WithDSN(dbPath), WithLocation(time.UTC), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSalon(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	err := s.UpsertTenant(ctx, TenantConfig{ID: "t1", DisplayName: "Salão Bela", OwnerID: "o1", OpensAt: "09:00", ClosesAt: "12:00"})
	if err != nil {
		t.Fatalf("UpsertTenant failed: %v", err)
	}
	if err := s.UpsertService(ctx, models.Service{ID: "corte", TenantID: "t1", Name: "Corte", DurationMinutes: 60, PriceCents: 5000}, 0); err != nil {
		t.Fatalf("UpsertService failed: %v", err)
	}
	if err := s.UpsertService(ctx, models.Service{ID: "barba", TenantID: "t1", Name: "Barba", DurationMinutes: 30, PriceCents: 3000}, 1); err != nil {
		t.Fatalf("UpsertService failed: %v", err)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://user:pw@localhost/db", "postgres"},
		{"postgresql://localhost/db", "postgres"},
		{"host=localhost user=postgres dbname=test", "postgres"},
		{"user=postgres password=secret dbname=test sslmode=disable", "postgres"},
		{"/var/lib/smartsalao/smartsalao.db", "sqlite3"},
		{"file:/tmp/x.db?_foreign_keys=on", "sqlite3"},
		{"test.db", "sqlite3"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: dialectPostgres}
	if got := pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Errorf("unexpected postgres query: %s", got)
	}
	lite := &Store{dialect: dialectSQLite}
	if got := lite.rebind("x = ?"); got != "x = ?" {
		t.Errorf("sqlite query must be unchanged, got %s", got)
	}
}

func TestSessionStore(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	rec, err := s.Load(ctx, "t1")
	if err != nil || rec != nil {
		t.Fatalf("expected no record, got %v, %v", rec, err)
	}

	want := session.Record{TenantID: "t1", DeviceJID: "5511:7@s.whatsapp.net", PushName: "Bela", ConnectionMethod: models.ConnectionMethodPairing, PhoneNumber: "5511"}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	want.DeviceJID = "5511:8@s.whatsapp.net"
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	rec, err = s.Load(ctx, "t1")
	if err != nil || rec == nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.DeviceJID != want.DeviceJID || rec.ConnectionMethod != models.ConnectionMethodPairing || !rec.UpdatedAt.Equal(testNow) {
		t.Errorf("unexpected record: %+v", rec)
	}

	list, err := s.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}

	if err := s.Erase(ctx, "t1"); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	if err := s.Erase(ctx, "t1"); err != nil {
		t.Fatalf("Erase must be idempotent: %v", err)
	}
	if rec, _ := s.Load(ctx, "t1"); rec != nil {
		t.Error("record survived Erase")
	}

	if err := s.Save(ctx, session.Record{}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestStorageErrorsAreRetryable(t *testing.T) {
	s := newTestSQLiteStore(t)
	s.Close()
	_, err := s.Load(context.Background(), "t1")
	if !errors.Is(err, models.ErrStorage) || !models.IsRetryable(err) {
		t.Errorf("expected retryable storage error, got %v", err)
	}
}

func TestConversationRepository(t *testing.T) {
	s := newTestSQLiteStore(t)
	repo := s.Conversations()
	ctx := context.Background()
	key := conversation.Key{TenantID: "t1", ChatID: "c1"}

	st, err := repo.Load(ctx, key)
	if err != nil || st != nil {
		t.Fatalf("expected nothing stored, got %v, %v", st, err)
	}

	in := conversation.ConversationState{
		Key:          key,
		CurrentState: conversation.StateWaitingDaySelection,
		MessageCount: 3,
		LastActivity: testNow,
		Scratch:      map[string]string{"selectedService": "corte"},
		Stack:        []conversation.Entry{{State: conversation.StateInitial}, {State: conversation.StateWaitingServiceSelection}, {State: conversation.StateWaitingDaySelection}},
	}
	if err := repo.Save(ctx, in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	st, err = repo.Load(ctx, key)
	if err != nil || st == nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st.CurrentState != conversation.StateWaitingDaySelection || st.Scratch["selectedService"] != "corte" || len(st.Stack) != 3 {
		t.Errorf("unexpected state: %+v", st)
	}

	n, err := repo.PurgeIdle(ctx, testNow.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PurgeIdle = %d, %v", n, err)
	}
	if err := repo.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}

func TestDirectory(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedSalon(t, s)
	ctx := context.Background()
	if err := s.UpsertTenant(ctx, TenantConfig{ID: "t2", OwnerID: "o2"}); err != nil {
		t.Fatalf("UpsertTenant failed: %v", err)
	}

	all, err := s.ListTenants(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("ListTenants = %v, %v", all, err)
	}
	scoped, err := s.ListTenants(ctx, "o1")
	if err != nil || len(scoped) != 1 || scoped[0].ID != "t1" || scoped[0].DisplayName != "Salão Bela" {
		t.Fatalf("scoped ListTenants = %v, %v", scoped, err)
	}

	services, err := s.ListServices(ctx, "t1")
	if err != nil || len(services) != 2 || services[0].ID != "corte" {
		t.Fatalf("ListServices = %v, %v", services, err)
	}
	if _, err := s.GetTenant(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := s.UpsertTenant(ctx, TenantConfig{ID: "bad", OpensAt: "18:00", ClosesAt: "09:00"}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected invalid hours to be rejected, got %v", err)
	}
}

func TestAvailabilityAndBooking(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedSalon(t, s)
	ctx := context.Background()
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	slots, err := s.GetAvailableSlots(ctx, "t1", "corte", monday)
	if err != nil {
		t.Fatalf("GetAvailableSlots failed: %v", err)
	}
	if got := labels(slots); !equal(got, []string{"09:00", "09:30", "10:00", "10:30", "11:00"}) {
		t.Fatalf("unexpected slots %v", got)
	}

	appt, err := s.CreateAppointment(ctx, models.BookingDraft{
		TenantID: "t1", ServiceID: "corte", Start: monday.Add(10 * time.Hour),
		CustomerName: "Ana", CustomerPhone: "5511988887777",
	})
	if err != nil {
		t.Fatalf("CreateAppointment failed: %v", err)
	}
	if appt.ServiceName != "Corte" || !appt.End.Equal(monday.Add(11*time.Hour)) || appt.Status != models.AppointmentStatusConfirmed {
		t.Errorf("unexpected appointment %+v", appt)
	}

	slots, _ = s.GetAvailableSlots(ctx, "t1", "corte", monday)
	if got := labels(slots); !equal(got, []string{"09:00", "11:00"}) {
		t.Fatalf("booked slot still offered: %v", got)
	}

	_, err = s.CreateAppointment(ctx, models.BookingDraft{
		TenantID: "t1", ServiceID: "barba", Start: monday.Add(10*time.Hour + 30*time.Minute),
		CustomerName: "Bia", CustomerPhone: "5511977776666",
	})
	if !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected conflict for overlapping slot, got %v", err)
	}
	_, err = s.CreateAppointment(ctx, models.BookingDraft{
		TenantID: "t1", ServiceID: "barba", Start: monday.Add(-time.Hour),
		CustomerName: "Bia", CustomerPhone: "5511977776666",
	})
	if !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected conflict for past slot, got %v", err)
	}
	if _, err := s.CreateAppointment(ctx, models.BookingDraft{TenantID: "t1"}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected invalid input for incomplete draft, got %v", err)
	}

	mine, err := s.ListAppointments(ctx, "t1", "5511988887777")
	if err != nil || len(mine) != 1 || mine[0].ID != appt.ID {
		t.Fatalf("ListAppointments = %v, %v", mine, err)
	}

	if err := s.CancelAppointment(ctx, "t1", appt.ID); err != nil {
		t.Fatalf("CancelAppointment failed: %v", err)
	}
	if err := s.CancelAppointment(ctx, "t1", appt.ID); err != nil {
		t.Errorf("second cancel must succeed: %v", err)
	}
	if err := s.CancelAppointment(ctx, "t1", "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	mine, _ = s.ListAppointments(ctx, "t1", "5511988887777")
	if len(mine) != 0 {
		t.Errorf("cancelled appointment still listed")
	}
}

func TestAvailableDays(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedSalon(t, s)

	days, err := s.GetAvailableDays(context.Background(), "t1", "corte", models.DateRange{
		From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("GetAvailableDays failed: %v", err)
	}
	if len(days) != 6 {
		t.Fatalf("expected Monday to Saturday, got %v", days)
	}
	for _, d := range days {
		if d.Weekday() == time.Sunday {
			t.Errorf("Sunday offered: %v", d)
		}
	}

	if _, err := s.GetAvailableDays(context.Background(), "t1", "nope", models.DateRange{From: testNow, To: testNow}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found for unknown service, got %v", err)
	}
}

func TestInboundDedup(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	isNew, err := s.RecordInbound(ctx, "t1", "c1", "msg-1")
	if err != nil || !isNew {
		t.Fatalf("first RecordInbound = %v, %v", isNew, err)
	}
	// Not processed yet: a redelivery is handled again.
	isNew, err = s.RecordInbound(ctx, "t1", "c1", "msg-1")
	if err != nil || !isNew {
		t.Fatalf("unprocessed redelivery RecordInbound = %v, %v", isNew, err)
	}
	if err := s.MarkProcessed(ctx, "t1", "msg-1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	isNew, err = s.RecordInbound(ctx, "t1", "c1", "msg-1")
	if err != nil || isNew {
		t.Fatalf("processed duplicate RecordInbound = %v, %v", isNew, err)
	}
	isNew, _ = s.RecordInbound(ctx, "t2", "c1", "msg-1")
	if !isNew {
		t.Error("message ids are scoped per tenant")
	}
	n, err := s.PurgeInbound(ctx, testNow.Add(time.Second))
	if err != nil || n != 2 {
		t.Fatalf("PurgeInbound = %d, %v", n, err)
	}
}

func TestSeed(t *testing.T) {
	s := newTestSQLiteStore(t)
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	data := `tenants:
  - id: salao-centro
    display_name: Salão Centro
    opens_at: "08:00"
    closes_at: "17:00"
    workdays: [2, 3, 4, 5, 6]
    services:
      - name: Escova
        duration_minutes: 45
        price_cents: 4000
      - id: unha
        name: Manicure
        duration_minutes: 30
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed failed: %v", err)
	}
	if err := s.ApplySeed(context.Background(), seed); err != nil {
		t.Fatalf("ApplySeed failed: %v", err)
	}

	tenant, err := s.GetTenant(context.Background(), "salao-centro")
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}
	if tenant.OpensAt != "08:00" || len(tenant.Workdays) != 5 || tenant.SlotMinutes != 30 {
		t.Errorf("unexpected tenant %+v", tenant)
	}
	services, _ := s.ListServices(context.Background(), "salao-centro")
	if len(services) != 2 || services[0].ID != "salao-centro-1" || services[1].ID != "unha" {
		t.Errorf("unexpected services %+v", services)
	}
}

func TestPostgresStore(t *testing.T) {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" || DetectDSNType(connStr) != "postgres" {
		t.Skip("DATABASE_URL not set to a PostgreSQL DSN")
	}
	s, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Save(ctx, session.Record{TenantID: "pg-test", DeviceJID: "1:1@s.whatsapp.net"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	defer s.Erase(ctx, "pg-test")
	rec, err := s.Load(ctx, "pg-test")
	if err != nil || rec == nil || rec.DeviceJID != "1:1@s.whatsapp.net" {
		t.Fatalf("Load = %v, %v", rec, err)
	}
}

func labels(slots []models.Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Label()
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
