package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/recovery"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/reconnect"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/supervisor"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

type fakeTransport struct {
	mu      sync.Mutex
	handler func(supervisor.TransportEvent)
	paired  bool
	tenant  string
	sent    []string
	// logoutGate, when set, holds Logout until closed.
	logoutGate chan struct{}
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.paired {
		f.handler(supervisor.TransportEvent{
			Kind:     supervisor.TransportConnected,
			Identity: supervisor.Identity{DeviceJID: "5511" + f.tenant + ":1@s.whatsapp.net"},
		})
		return nil
	}
	f.handler(supervisor.TransportEvent{Kind: supervisor.TransportChallenge, QRCode: "qr-" + f.tenant})
	return nil
}

func (f *fakeTransport) Disconnect()                  {}
func (f *fakeTransport) Logout(context.Context) error {
	if f.logoutGate != nil {
		<-f.logoutGate
	}
	return nil
}

func (f *fakeTransport) Send(_ context.Context, chatID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+":"+payload.(string))
	return nil
}

func (f *fakeTransport) PairPhone(context.Context, string) (string, error) {
	return "ABCD-EFGH", nil
}

func (f *fakeTransport) Identity() supervisor.Identity { return supervisor.Identity{} }

func (f *fakeTransport) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports map[string][]*fakeTransport
	purged     []string
	logoutGate chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{transports: map[string][]*fakeTransport{}}
}

func (d *fakeDialer) Dial(_ context.Context, tenantID string, rec *session.Record, handler func(supervisor.TransportEvent)) (supervisor.Transport, error) {
	d.mu.Lock()
	t := &fakeTransport{handler: handler, paired: rec != nil, tenant: tenantID, logoutGate: d.logoutGate}
	d.transports[tenantID] = append(d.transports[tenantID], t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) Purge(_ context.Context, rec *session.Record) error {
	d.mu.Lock()
	d.purged = append(d.purged, rec.DeviceJID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDialer) dials(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports[tenantID])
}

func (d *fakeDialer) last(tenantID string) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := d.transports[tenantID]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

type textCodec struct{}

func (textCodec) Decode(string, any) (models.IncomingMessage, error) {
	return models.IncomingMessage{}, models.ErrCodec
}

func (textCodec) Encode(msg models.OutgoingMessage) (any, error) {
	return msg.Text, nil
}

type fakeDirectory struct {
	tenants map[string][]models.Tenant
}

func (f fakeDirectory) ListTenants(_ context.Context, scopeID string) ([]models.Tenant, error) {
	if scopeID == "broken" {
		return nil, errors.New("directory unavailable")
	}
	return f.tenants[scopeID], nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	reg      *Registry
	dialer   *fakeDialer
	sessions *session.InMemory
	clock    *clock

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dialer:   newFakeDialer(),
		sessions: session.NewInMemory(),
		clock:    &clock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
	}
	cfg := DefaultConfig()
	cfg.Supervisor.Policy = reconnect.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 3}
	cfg.RecoverStagger = 0
	deps := supervisor.Deps{
		Dialer:   h.dialer,
		Codec:    textCodec{},
		Sessions: h.sessions,
		Listener: func(ev events.Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
	}
	h.reg = New(cfg, deps, append([]Option{WithClock(h.clock.Now)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = h.reg.Shutdown(ctx)
	})
	return h
}

func (h *harness) kinds() []events.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.Kind, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Kind
	}
	return out
}

func (h *harness) paired(t *testing.T, tenantID string) {
	t.Helper()
	require.NoError(t, h.sessions.Save(context.Background(), session.Record{
		TenantID:         tenantID,
		DeviceJID:        "5511" + tenantID + ":1@s.whatsapp.net",
		ConnectionMethod: models.ConnectionMethodQR,
	}))
}

func (h *harness) connected(t *testing.T, tenantID string) {
	t.Helper()
	h.paired(t, tenantID)
	_, _, err := h.reg.GetOrCreate(context.Background(), tenantID, models.ConnectOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := h.reg.Status(tenantID)
		return st.IsConnected
	}, wait, tick)
}

func TestGetOrCreateReusesLiveSupervisor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, res, err := h.reg.GetOrCreate(ctx, "t1", models.ConnectOptions{Method: models.ConnectionMethodQR})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectResultConnecting, res)
	assert.Equal(t, models.StateConnecting, st.ConnectionState)

	require.Eventually(t, func() bool {
		st, _ := h.reg.Status("t1")
		return st.QRCode != nil
	}, wait, tick)

	st, res, err = h.reg.GetOrCreate(ctx, "t1", models.ConnectOptions{Method: models.ConnectionMethodQR})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectResultConnecting, res)
	assert.Equal(t, models.StateAwaitingChallenge, st.ConnectionState)
	require.NotNil(t, st.QRCode)
	assert.Equal(t, "qr-t1", *st.QRCode)
	assert.Nil(t, st.PairingCode)
	assert.Equal(t, 1, h.dialer.dials("t1"))
	assert.Equal(t, 1, h.reg.Len())
}

func TestGetOrCreateAlreadyConnected(t *testing.T) {
	h := newHarness(t)
	h.connected(t, "t1")

	st, res, err := h.reg.GetOrCreate(context.Background(), "t1", models.ConnectOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectResultAlreadyConnected, res)
	assert.True(t, st.IsConnected)
	assert.Equal(t, 1, h.dialer.dials("t1"))
}

func TestGetOrCreateReplacesTerminalSupervisor(t *testing.T) {
	h := newHarness(t)
	h.connected(t, "t1")

	h.reg.Disconnect("t1")
	st, ok := h.reg.Status("t1")
	require.True(t, ok)
	assert.True(t, st.Terminal)
	assert.Equal(t, models.StateDisconnected, st.ConnectionState)

	_, res, err := h.reg.GetOrCreate(context.Background(), "t1", models.ConnectOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectResultConnecting, res)
	require.Eventually(t, func() bool {
		st, _ := h.reg.Status("t1")
		return st.IsConnected
	}, wait, tick)
	assert.Equal(t, 2, h.dialer.dials("t1"))
}

func TestGetOrCreateRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.reg.GetOrCreate(context.Background(), "", models.ConnectOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, _, err = h.reg.GetOrCreate(context.Background(), "t1", models.ConnectOptions{Method: models.ConnectionMethodPairing})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Equal(t, 0, h.reg.Len())
}

func TestRemoveAndStatus(t *testing.T) {
	h := newHarness(t)
	h.connected(t, "t1")

	h.reg.Remove("t1")
	h.reg.Remove("t1")

	st, ok := h.reg.Status("t1")
	assert.False(t, ok)
	assert.Equal(t, models.StateDisconnected, st.ConnectionState)
	assert.Equal(t, 0, h.reg.Len())

	rec, err := h.sessions.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.NotNil(t, rec, "removal keeps credentials")
}

func TestListAll(t *testing.T) {
	dir := fakeDirectory{tenants: map[string][]models.Tenant{
		"":      {{ID: "t1", DisplayName: "Salão Um"}, {ID: "t2", DisplayName: "Salão Dois"}},
		"owner": {{ID: "t2", DisplayName: "Salão Dois"}},
	}}
	h := newHarness(t, WithDirectory(dir))
	h.connected(t, "t2")

	all, err := h.reg.ListAll(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Salão Um", all[0].DisplayName)
	assert.Equal(t, models.StateDisconnected, all[0].ConnectionState)
	assert.True(t, all[1].IsConnected)

	scoped, err := h.reg.ListAll(context.Background(), "owner")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "t2", scoped[0].TenantID)

	_, err = h.reg.ListAll(context.Background(), "broken")
	assert.Error(t, err)
}

func TestListAllWithoutDirectory(t *testing.T) {
	h := newHarness(t)
	h.connected(t, "b")
	h.connected(t, "a")

	all, err := h.reg.ListAll(context.Background(), "ignored")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].TenantID)
	assert.Equal(t, "b", all[1].TenantID)
}

func TestCleanupIdleKeepsConnectedTenants(t *testing.T) {
	h := newHarness(t)
	h.connected(t, "live")
	h.connected(t, "idle")
	h.reg.Disconnect("idle")

	assert.Equal(t, 0, h.reg.CleanupIdle(30*time.Minute), "nothing is idle yet")

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.reg.CleanupIdle(30*time.Minute))

	_, ok := h.reg.Status("idle")
	assert.False(t, ok)
	st, ok := h.reg.Status("live")
	require.True(t, ok)
	assert.True(t, st.IsConnected)
}

func TestSend(t *testing.T) {
	h := newHarness(t)

	err := h.reg.Send(context.Background(), "t1", "5511988887777", "oi")
	assert.ErrorIs(t, err, models.ErrNotConnected)
	assert.True(t, models.IsRetryable(err))

	h.connected(t, "t1")
	require.NoError(t, h.reg.Send(context.Background(), "t1", "5511988887777", "oi"))
	assert.Equal(t, []string{"5511988887777:oi"}, h.dialer.last("t1").sentMessages())
}

func TestLogoutWithoutSupervisorPurgesStoredSession(t *testing.T) {
	h := newHarness(t)
	h.paired(t, "t1")

	h.reg.Logout(context.Background(), "t1")

	rec, err := h.sessions.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, []string{"5511t1:1@s.whatsapp.net"}, h.dialer.purged)
	assert.Contains(t, h.kinds(), events.KindLoggedOut)

	h.reg.Logout(context.Background(), "unknown")
}

func TestLogoutWithSupervisor(t *testing.T) {
	h := newHarness(t)
	h.connected(t, "t1")

	h.reg.Logout(context.Background(), "t1")

	st, ok := h.reg.Status("t1")
	require.True(t, ok)
	assert.Equal(t, models.StateLoggedOut, st.ConnectionState)
	rec, err := h.sessions.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecoverStateResumesStoredSessions(t *testing.T) {
	h := newHarness(t)
	h.paired(t, "t1")
	h.paired(t, "t2")

	manager := recovery.NewRecoveryManager(h.sessions)
	manager.RegisterRecoverable(h.reg)
	require.NoError(t, manager.RecoverAll(context.Background()))

	require.Eventually(t, func() bool {
		a, _ := h.reg.Status("t1")
		b, _ := h.reg.Status("t2")
		return a.IsConnected && b.IsConnected
	}, wait, tick)
	assert.Len(t, manager.GetRegistry().TimerInfos(), 2)
}

func TestResumeOptions(t *testing.T) {
	assert.Equal(t, models.ConnectionMethodQR, resumeOptions(session.Record{ConnectionMethod: models.ConnectionMethodPairing}).Method)
	opts := resumeOptions(session.Record{ConnectionMethod: models.ConnectionMethodPairing, PhoneNumber: "5511"})
	assert.Equal(t, models.ConnectionMethodPairing, opts.Method)
	assert.Equal(t, "5511", opts.PhoneNumber)
}

func TestShutdownClosesEverySupervisor(t *testing.T) {
	h := newHarness(t)
	h.connected(t, "t1")
	h.connected(t, "t2")

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, h.reg.Shutdown(ctx))
	assert.Equal(t, 0, h.reg.Len())
}

func TestStatusDoesNotWaitForLogout(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.dialer.mu.Lock()
	h.dialer.logoutGate = gate
	h.dialer.mu.Unlock()
	h.connected(t, "t1")

	loggedOut := make(chan struct{})
	go func() {
		h.reg.Logout(context.Background(), "t1")
		close(loggedOut)
	}()
	require.Eventually(t, func() bool {
		st, _ := h.reg.Status("t1")
		return st.ConnectionState == models.StateLoggedOut
	}, wait, tick, "status must be readable while the transport logout is in flight")

	list, err := h.reg.ListAll(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, h.reg.Len())

	select {
	case <-loggedOut:
		t.Fatal("logout finished before the transport was released")
	default:
	}
	close(gate)
	select {
	case <-loggedOut:
	case <-time.After(wait):
		t.Fatal("logout did not finish")
	}
}

func TestGetOrCreateSwitchesFromQRToPairing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.reg.GetOrCreate(ctx, "t1", models.ConnectOptions{Method: models.ConnectionMethodQR})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := h.reg.Status("t1")
		return st.QRCode != nil
	}, wait, tick)

	st, res, err := h.reg.GetOrCreate(ctx, "t1", models.ConnectOptions{Method: models.ConnectionMethodPairing, PhoneNumber: "5511988887777"})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectResultConnecting, res)
	assert.Nil(t, st.QRCode, "the stale QR is dropped")

	require.Eventually(t, func() bool {
		st, _ := h.reg.Status("t1")
		return st.PairingCode != nil
	}, wait, tick)
	st, _ = h.reg.Status("t1")
	assert.Nil(t, st.QRCode)
	assert.Equal(t, "ABCD-EFGH", *st.PairingCode)
	assert.Equal(t, 2, h.dialer.dials("t1"))
	assert.Equal(t, 1, h.reg.Len())
}
