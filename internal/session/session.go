// Package session persists the per-tenant authentication material that lets a
// tenant's protocol session be resumed without a new QR or pairing challenge.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

// Record indexes a tenant's paired device. The device keys live in the
// protocol library's credential container, keyed by DeviceJID.
type Record struct {
	TenantID         string                  `json:"tenant_id"`
	DeviceJID        string                  `json:"device_jid"`
	PushName         string                  `json:"push_name,omitempty"`
	Platform         string                  `json:"platform,omitempty"`
	ConnectionMethod models.ConnectionMethod `json:"connection_method"`
	PhoneNumber      string                  `json:"phone_number,omitempty"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// Store loads, saves and erases session records.
//
// Load returns (nil, nil) when the tenant has no stored session. Erase must be
// idempotent. I/O failures are returned as retryable models.ErrStorage errors.
type Store interface {
	Load(ctx context.Context, tenantID string) (*Record, error)
	Save(ctx context.Context, rec Record) error
	Erase(ctx context.Context, tenantID string) error
	List(ctx context.Context) ([]Record, error)
}

// InMemory is a Store kept in process memory.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewInMemory creates an empty in-memory Store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]Record)}
}

// Load returns a copy of the tenant's record.
func (s *InMemory) Load(_ context.Context, tenantID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[tenantID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Save stores the record, replacing any previous one for the tenant.
func (s *InMemory) Save(_ context.Context, rec Record) error {
	if rec.TenantID == "" {
		return models.NewError(models.CodeInvalidInput, "session record without tenant")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.records[rec.TenantID] = rec
	s.mu.Unlock()
	slog.Debug("SessionStore Save succeeded", "tenant", rec.TenantID, "device", rec.DeviceJID)
	return nil
}

// Erase removes the tenant's record if present.
func (s *InMemory) Erase(_ context.Context, tenantID string) error {
	s.mu.Lock()
	delete(s.records, tenantID)
	s.mu.Unlock()
	slog.Debug("SessionStore Erase succeeded", "tenant", tenantID)
	return nil
}

// List returns every stored record ordered by tenant.
func (s *InMemory) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
