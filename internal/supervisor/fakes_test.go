package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/reconnect"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
)

type fakeTransport struct {
	mu          sync.Mutex
	handler     func(TransportEvent)
	connectErr  error
	sendErr     error
	pairErr     error
	logoutErr   error
	pairCode    string
	identity    Identity
	connects    int
	disconnects int
	logouts     int
	pairCalls   []string
	sent        []string
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	return t.connectErr
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
}

func (t *fakeTransport) Logout(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logouts++
	return t.logoutErr
}

func (t *fakeTransport) Send(_ context.Context, chatID string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, chatID+":"+payload.(string))
	return nil
}

func (t *fakeTransport) PairPhone(_ context.Context, phone string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairCalls = append(t.pairCalls, phone)
	return t.pairCode, t.pairErr
}

func (t *fakeTransport) Identity() Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

func (t *fakeTransport) emit(ev TransportEvent) {
	t.handler(ev)
}

func (t *fakeTransport) stats() (disconnects, logouts int, pairCalls []string, sent []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects, t.logouts, append([]string(nil), t.pairCalls...), append([]string(nil), t.sent...)
}

type fakeDialer struct {
	mu         sync.Mutex
	dialErr    error
	connectErr error
	transports []*fakeTransport
	records    []*session.Record
	purged     []string
	purgeErr   error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, rec *session.Record, handler func(TransportEvent)) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	t := &fakeTransport{
		handler:    handler,
		connectErr: d.connectErr,
		pairCode:   "ABCD-1234",
		identity:   Identity{DeviceJID: "5511999990000:7@s.whatsapp.net", PushName: "Salao"},
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) Purge(_ context.Context, rec *session.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged = append(d.purged, rec.DeviceJID)
	return d.purgeErr
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.transports) + i
	}
	if i < 0 || i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func (d *fakeDialer) purgedDevices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.purged...)
}

type fakeCodec struct{}

func (fakeCodec) Decode(tenantID string, raw any) (models.IncomingMessage, error) {
	text, _ := raw.(string)
	if text == "" {
		return models.IncomingMessage{}, models.ErrCodec
	}
	return models.IncomingMessage{TenantID: tenantID, ChatID: "c1", Text: text, Timestamp: time.Now()}, nil
}

func (fakeCodec) Encode(msg models.OutgoingMessage) (any, error) {
	if msg.ChatID == "bad" {
		return nil, errors.New("bad chat")
	}
	return msg.Text, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) listen(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) last(kind events.Kind) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

type flakyStore struct {
	*session.InMemory
	mu       sync.Mutex
	loadErr  error
	saveErrs int
	saves    int
}

func (s *flakyStore) Load(ctx context.Context, tenantID string) (*session.Record, error) {
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.InMemory.Load(ctx, tenantID)
}

func (s *flakyStore) Save(ctx context.Context, rec session.Record) error {
	s.mu.Lock()
	s.saves++
	if s.saveErrs > 0 {
		s.saveErrs--
		s.mu.Unlock()
		return models.WrapRetryable(errors.New("disk full"), models.CodeStorage, "save failed")
	}
	s.mu.Unlock()
	return s.InMemory.Save(ctx, rec)
}

type harness struct {
	sup      *Supervisor
	dialer   *fakeDialer
	sessions *flakyStore
	rec      *recorder
}

func testConfig() Config {
	return Config{
		Policy:       reconnect.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 3},
		ChallengeTTL: time.Minute,
		DialTimeout:  time.Second,
		PairTimeout:  time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{},
		sessions: &flakyStore{InMemory: session.NewInMemory()},
		rec:      &recorder{},
	}
	h.sup = New("t1", cfg, Deps{
		Dialer:   h.dialer,
		Codec:    fakeCodec{},
		Sessions: h.sessions,
		Listener: h.rec.listen,
	})
	t.Cleanup(h.sup.Close)
	return h
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

// waitTransport returns the n-th dialed transport once it is live.
func (h *harness) waitTransport(t *testing.T, n int) *fakeTransport {
	t.Helper()
	require.Eventually(t, func() bool { return h.dialer.transport(n) != nil }, wait, tick)
	tr := h.dialer.transport(n)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.connects > 0
	}, wait, tick)
	return tr
}

func (h *harness) waitState(t *testing.T, state models.ConnectionState) models.TenantStatus {
	t.Helper()
	require.Eventually(t, func() bool { return h.sup.Status().ConnectionState == state }, wait, tick, "want state %s", state)
	return h.sup.Status()
}

// connectQR drives a QR connect through to connected.
func (h *harness) connectQR(t *testing.T) *fakeTransport {
	t.Helper()
	_, res, err := h.sup.Connect(context.Background(), models.ConnectOptions{Method: models.ConnectionMethodQR})
	require.NoError(t, err)
	require.Equal(t, models.ConnectResultConnecting, res)
	tr := h.waitTransport(t, 0)
	tr.emit(TransportEvent{Kind: TransportConnected, Identity: tr.Identity()})
	h.waitState(t, models.StateConnected)
	return tr
}
