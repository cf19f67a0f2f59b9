// Package registry is the multi-tenant container of connection supervisors.
// It creates, looks up and retires one supervisor per tenant. Operations on
// one tenant are mutually exclusive; operations on different tenants never
// wait for each other. Status reads go through a separate view and never wait
// for an operation in flight.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/keyed"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/recovery"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/reconnect"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/supervisor"
)

// Directory lists the tenants visible to a scope. An empty scope lists all.
type Directory interface {
	ListTenants(ctx context.Context, scopeID string) ([]models.Tenant, error)
}

// Config holds registry parameters.
type Config struct {
	Supervisor supervisor.Config
	// RecoverStagger spaces out reconnects of restored tenants at startup.
	RecoverStagger time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Supervisor:     supervisor.DefaultConfig(),
		RecoverStagger: 500 * time.Millisecond,
	}
}

// Registry owns the tenant supervisors.
type Registry struct {
	cfg         Config
	deps        supervisor.Deps
	directory   Directory
	supOpts     []supervisor.Option
	now         func() time.Time
	supervisors *keyed.Map[string, *supervisor.Supervisor]
	// view mirrors supervisors for readers; written only under the key lock.
	view sync.Map
}

var _ recovery.Recoverable = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithDirectory sets the collaborator used to scope ListAll.
func WithDirectory(d Directory) Option {
	return func(r *Registry) { r.directory = d }
}

// WithClock overrides the time source for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
		r.supOpts = append(r.supOpts, supervisor.WithClock(now))
	}
}

// New creates an empty Registry. Every supervisor it creates shares deps.
func New(cfg Config, deps supervisor.Deps, opts ...Option) *Registry {
	if cfg.RecoverStagger < 0 {
		cfg.RecoverStagger = 0
	}
	r := &Registry{
		cfg:         cfg,
		deps:        deps,
		now:         time.Now,
		supervisors: keyed.New[string, *supervisor.Supervisor](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the status of the tenant's supervisor when it exists and
// is not terminal. Otherwise it replaces it with a new supervisor and starts a
// connection with opts.
func (r *Registry) GetOrCreate(ctx context.Context, tenantID string, opts models.ConnectOptions) (models.TenantStatus, models.ConnectResult, error) {
	slog.Debug("Registry GetOrCreate invoked", "tenant", tenantID, "method", opts.Method)
	if tenantID == "" {
		return models.TenantStatus{}, "", models.NewError(models.CodeInvalidInput, "tenant id is required")
	}

	var (
		st     models.TenantStatus
		result models.ConnectResult
		err    error
	)
	r.supervisors.Do(tenantID, func(cur *supervisor.Supervisor, ok bool) (*supervisor.Supervisor, bool) {
		if ok {
			st = cur.Status()
			if !st.Terminal {
				switch {
				case st.IsConnected:
					result = models.ConnectResultAlreadyConnected
				case cur.Options() != opts.Normalize():
					// A different method or phone restarts the attempt and drops the old challenge.
					slog.Debug("Registry restarting connect with new options", "tenant", tenantID, "method", opts.Method)
					st, result, err = cur.Connect(ctx, opts)
				default:
					result = models.ConnectResultConnecting
				}
				return cur, true
			}
			slog.Debug("Registry replacing terminal supervisor", "tenant", tenantID, "state", st.ConnectionState)
			cur.Close()
		}

		sup := supervisor.New(tenantID, r.cfg.Supervisor, r.deps, r.supOpts...)
		st, result, err = sup.Connect(ctx, opts)
		if err != nil {
			sup.Close()
			r.view.Delete(tenantID)
			return nil, false
		}
		r.view.Store(tenantID, sup)
		return sup, true
	})
	if err != nil {
		slog.Warn("Registry GetOrCreate failed", "tenant", tenantID, "error", err)
		return st, "", err
	}
	slog.Info("Registry GetOrCreate succeeded", "tenant", tenantID, "result", result, "state", st.ConnectionState)
	return st, result, nil
}

// Remove closes the tenant's supervisor and forgets it. Removing an unknown
// tenant is a no-op.
func (r *Registry) Remove(tenantID string) {
	r.supervisors.Do(tenantID, func(cur *supervisor.Supervisor, ok bool) (*supervisor.Supervisor, bool) {
		if ok {
			cur.Close()
			slog.Info("Registry removed tenant", "tenant", tenantID)
		}
		r.view.Delete(tenantID)
		return nil, false
	})
}

// Status returns the last known status of a tenant. Unknown tenants are
// reported disconnected with ok=false.
func (r *Registry) Status(tenantID string) (models.TenantStatus, bool) {
	sup, ok := r.lookup(tenantID)
	if !ok {
		return models.TenantStatus{TenantID: tenantID, ConnectionState: models.StateDisconnected}, false
	}
	return sup.Status(), true
}

// ListAll returns the status of every tenant visible to scopeID. With a
// directory, tenants without a supervisor are included as disconnected;
// without one, only known supervisors are listed.
func (r *Registry) ListAll(ctx context.Context, scopeID string) ([]models.TenantStatus, error) {
	if r.directory == nil {
		var out []models.TenantStatus
		r.view.Range(func(_, v any) bool {
			out = append(out, v.(*supervisor.Supervisor).Status())
			return true
		})
		sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
		if out == nil {
			out = []models.TenantStatus{}
		}
		return out, nil
	}

	tenants, err := r.directory.ListTenants(ctx, scopeID)
	if err != nil {
		slog.Error("Registry ListAll directory lookup failed", "scope", scopeID, "error", err)
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	out := make([]models.TenantStatus, 0, len(tenants))
	for _, t := range tenants {
		st, _ := r.Status(t.ID)
		st.DisplayName = t.DisplayName
		out = append(out, st)
	}
	return out, nil
}

// CleanupIdle removes supervisors that are disconnected or logged out, have
// no reconnect pending and were idle longer than maxIdle. Connected tenants
// are never reclaimed.
func (r *Registry) CleanupIdle(maxIdle time.Duration) int {
	now := r.now()
	removed := r.supervisors.Sweep(func(id string, sup *supervisor.Supervisor) bool {
		st := sup.Status()
		if st.ConnectionState != models.StateDisconnected && st.ConnectionState != models.StateLoggedOut {
			return false
		}
		if st.NextReconnectAt != nil || now.Sub(st.LastActivity) <= maxIdle {
			return false
		}
		sup.Close()
		r.view.Delete(id)
		slog.Debug("Registry reclaimed idle tenant", "tenant", id, "idle", now.Sub(st.LastActivity))
		return true
	})
	if removed > 0 {
		slog.Info("Registry CleanupIdle succeeded", "removed", removed)
	}
	return removed
}

// Send transmits text to a chat of the tenant.
func (r *Registry) Send(ctx context.Context, tenantID, to, text string) error {
	sup, ok := r.lookup(tenantID)
	if !ok {
		return models.WrapRetryable(fmt.Errorf("tenant %s has no session", tenantID), models.CodeNotConnected, "tenant is not connected")
	}
	return sup.Send(ctx, to, text)
}

// Disconnect closes the tenant's transport and keeps its credentials.
func (r *Registry) Disconnect(tenantID string) {
	if sup, ok := r.lookup(tenantID); ok {
		sup.Disconnect()
	}
}

// Logout revokes the tenant's session and erases its credentials. Without a
// live supervisor the stored credentials are purged directly. It never fails.
func (r *Registry) Logout(ctx context.Context, tenantID string) {
	var handled bool
	r.supervisors.Do(tenantID, func(cur *supervisor.Supervisor, ok bool) (*supervisor.Supervisor, bool) {
		if ok {
			cur.Logout(ctx)
			handled = true
		}
		return cur, ok
	})
	if handled {
		return
	}

	slog.Debug("Registry Logout purging stored session", "tenant", tenantID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Supervisor.DialTimeout+time.Second)
	defer cancel()
	rec, err := r.deps.Sessions.Load(ctx, tenantID)
	if err != nil {
		slog.Warn("Registry Logout failed to load session", "tenant", tenantID, "error", err)
	}
	if rec != nil && rec.DeviceJID != "" && r.deps.Dialer != nil {
		if err := r.deps.Dialer.Purge(ctx, rec); err != nil {
			slog.Warn("Registry Logout failed to purge device keys", "tenant", tenantID, "error", err)
		}
	}
	if err := r.deps.Sessions.Erase(ctx, tenantID); err != nil {
		slog.Error("Registry Logout failed to erase session", "tenant", tenantID, "error", err)
	}
	if r.deps.Listener != nil {
		ev := events.New(events.KindLoggedOut, tenantID)
		ev.Reason = string(reconnect.ReasonLoggedOut)
		ev.Terminal = true
		r.deps.Listener(ev)
	}
	slog.Info("Registry Logout succeeded", "tenant", tenantID)
}

// Len returns the number of supervisors.
func (r *Registry) Len() int {
	n := 0
	r.view.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) lookup(tenantID string) (*supervisor.Supervisor, bool) {
	v, ok := r.view.Load(tenantID)
	if !ok {
		return nil, false
	}
	return v.(*supervisor.Supervisor), true
}

// Shutdown closes every supervisor and waits for their event loops to stop or
// for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	ids := r.supervisors.Keys()
	slog.Info("Registry Shutdown invoked", "tenants", len(ids))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done []<-chan struct{}
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.supervisors.Do(id, func(cur *supervisor.Supervisor, ok bool) (*supervisor.Supervisor, bool) {
				if ok {
					cur.Close()
					mu.Lock()
					done = append(done, cur.Done())
					mu.Unlock()
				}
				r.view.Delete(id)
				return nil, false
			})
		}(id)
	}
	wg.Wait()

	for _, ch := range done {
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("registry shutdown interrupted: %w", ctx.Err())
		}
	}
	slog.Info("Registry Shutdown succeeded")
	return nil
}

// RecoveryName names the registry in recovery logs.
func (r *Registry) RecoveryName() string { return "tenant registry" }

// RecoverState reconnects every tenant with a stored session. Reconnects are
// staggered through the recovery timer so a restart does not dial every
// tenant at once.
func (r *Registry) RecoverState(ctx context.Context, reg *recovery.RecoveryRegistry) error {
	sessions := reg.GetSessions()
	if sessions == nil {
		sessions = r.deps.Sessions
	}
	records, err := sessions.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored sessions: %w", err)
	}

	scheduled := 0
	for _, rec := range records {
		if rec.DeviceJID == "" {
			continue
		}
		tenantID := rec.TenantID
		opts := resumeOptions(rec)
		_, err := reg.RecoverTimer(recovery.TimerRecoveryInfo{
			TenantID:    tenantID,
			Description: "resume session " + tenantID,
			Delay:       time.Duration(scheduled) * r.cfg.RecoverStagger,
			Fire: func() {
				if _, _, err := r.GetOrCreate(context.Background(), tenantID, opts); err != nil {
					slog.Error("Registry failed to resume tenant", "tenant", tenantID, "error", err)
				}
			},
		})
		if err != nil {
			slog.Error("Registry failed to schedule resume", "tenant", tenantID, "error", err)
			continue
		}
		scheduled++
	}
	slog.Info("Registry RecoverState succeeded", "sessions", len(records), "scheduled", scheduled)
	return nil
}

func resumeOptions(rec session.Record) models.ConnectOptions {
	if rec.ConnectionMethod == models.ConnectionMethodPairing && rec.PhoneNumber != "" {
		return models.ConnectOptions{Method: models.ConnectionMethodPairing, PhoneNumber: rec.PhoneNumber}
	}
	return models.ConnectOptions{Method: models.ConnectionMethodQR}
}
