// Package recovery restores runtime state after a restart. Components that own
// state reachable from durable storage implement Recoverable and register with
// a RecoveryManager, which runs them once at startup.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
)

// Recoverable is a component whose state can be rebuilt from storage.
type Recoverable interface {
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// Named lets a Recoverable choose the name used in logs and errors.
type Named interface {
	RecoveryName() string
}

// TimerRecoveryInfo is deferred work a component asks for while it recovers,
// such as a staggered tenant resume.
type TimerRecoveryInfo struct {
	TenantID    string
	Description string
	Delay       time.Duration
	Fire        func()
}

// RecoveryRegistry is what a component sees while recovering: the session
// store and a way to schedule deferred work.
type RecoveryRegistry struct {
	sessions session.Store

	mu       sync.Mutex
	requests []TimerRecoveryInfo
	schedule func(TimerRecoveryInfo) (string, error)
}

// NewRecoveryRegistry creates a registry over sessions.
func NewRecoveryRegistry(sessions session.Store) *RecoveryRegistry {
	return &RecoveryRegistry{sessions: sessions}
}

// RegisterTimerRecovery installs the scheduler used by RecoverTimer.
func (r *RecoveryRegistry) RegisterTimerRecovery(fn func(TimerRecoveryInfo) (string, error)) {
	r.mu.Lock()
	r.schedule = fn
	r.mu.Unlock()
}

// RecoverTimer schedules info and returns the timer ID. With no scheduler
// installed Fire runs at once and the ID is empty.
func (r *RecoveryRegistry) RecoverTimer(info TimerRecoveryInfo) (string, error) {
	if info.Fire == nil {
		return "", fmt.Errorf("deferred work for tenant %s has no callback", info.TenantID)
	}
	r.mu.Lock()
	r.requests = append(r.requests, info)
	schedule := r.schedule
	r.mu.Unlock()

	if schedule == nil {
		slog.Debug("Recovery running deferred work immediately", "tenant", info.TenantID, "description", info.Description)
		info.Fire()
		return "", nil
	}
	return schedule(info)
}

// GetSessions returns the session store.
func (r *RecoveryRegistry) GetSessions() session.Store {
	return r.sessions
}

// TimerInfos returns the deferred work requested so far, in request order.
func (r *RecoveryRegistry) TimerInfos() []TimerRecoveryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TimerRecoveryInfo(nil), r.requests...)
}

// RecoveryManager runs every registered component once.
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a manager whose components see sessions.
func NewRecoveryManager(sessions session.Store) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(sessions)}
}

// RegisterRecoverable adds a component. Components recover in registration
// order.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RegisterTimerRecovery installs the scheduler for deferred work.
func (rm *RecoveryManager) RegisterTimerRecovery(fn func(TimerRecoveryInfo) (string, error)) {
	rm.registry.RegisterTimerRecovery(fn)
}

func componentName(r Recoverable) string {
	if n, ok := r.(Named); ok {
		return n.RecoveryName()
	}
	return fmt.Sprintf("%T", r)
}

// RecoverAll recovers every component. A failing component does not stop the
// others; the returned error joins every failure. A cancelled ctx skips the
// components not yet started.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Recovery started", "components", len(rm.recoverables))
	start := time.Now()

	var errs []error
	for i, r := range rm.recoverables {
		name := componentName(r)
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("recovery aborted before %s (%d remaining): %w", name, len(rm.recoverables)-i, err))
			break
		}
		t0 := time.Now()
		if err := r.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Recovery of component failed", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		slog.Debug("Recovery of component finished", "component", name, "duration", time.Since(t0))
	}

	slog.Info("Recovery finished", "components", len(rm.recoverables), "failed", len(errs),
		"deferred", len(rm.registry.TimerInfos()), "duration", time.Since(start))
	return errors.Join(errs...)
}

// GetRegistry returns the registry handed to components.
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
