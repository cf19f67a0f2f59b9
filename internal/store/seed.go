package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

// Seed describes tenants and their services to provision at startup.
type Seed struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

// SeedTenant is a tenant with its service menu.
type SeedTenant struct {
	TenantConfig `yaml:",inline"`
	Services     []SeedService `yaml:"services"`
}

// SeedService is one menu entry.
type SeedService struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	DurationMinutes int    `yaml:"duration_minutes"`
	PriceCents      int64  `yaml:"price_cents"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (Seed, error) {
	var seed Seed
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("failed to read seed file: %w", err)
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return seed, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return seed, nil
}

// ApplySeed upserts every tenant and service in seed.
func (s *Store) ApplySeed(ctx context.Context, seed Seed) error {
	for _, t := range seed.Tenants {
		if err := s.UpsertTenant(ctx, t.TenantConfig); err != nil {
			return fmt.Errorf("seed tenant %q: %w", t.ID, err)
		}
		for i, svc := range t.Services {
			id := svc.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", t.ID, i+1)
			}
			err := s.UpsertService(ctx, models.Service{
				ID:              id,
				TenantID:        t.ID,
				Name:            svc.Name,
				DurationMinutes: svc.DurationMinutes,
				PriceCents:      svc.PriceCents,
			}, i)
			if err != nil {
				return fmt.Errorf("seed service %q of %q: %w", svc.Name, t.ID, err)
			}
		}
	}
	slog.Info("Store ApplySeed succeeded", "tenants", len(seed.Tenants))
	return nil
}
