package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/reconnect"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
)

func TestQRScenario(t *testing.T) {
	h := newHarness(t, testConfig())

	st, res, err := h.sup.Connect(context.Background(), models.ConnectOptions{Method: models.ConnectionMethodQR})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectResultConnecting, res)
	assert.Equal(t, models.StateConnecting, st.ConnectionState)

	tr := h.waitTransport(t, 0)
	tr.emit(TransportEvent{Kind: TransportChallenge, QRCode: "2@qr-payload"})

	st = h.waitState(t, models.StateAwaitingChallenge)
	require.NotNil(t, st.QRCode)
	assert.Equal(t, "2@qr-payload", *st.QRCode)
	assert.Nil(t, st.PairingCode)
	ev, ok := h.rec.last(events.KindQR)
	require.True(t, ok)
	assert.Equal(t, "2@qr-payload", ev.QRCode)

	tr.emit(TransportEvent{Kind: TransportConnected, Identity: tr.Identity()})
	st = h.waitState(t, models.StateConnected)
	assert.True(t, st.IsConnected)
	assert.Nil(t, st.QRCode)
	assert.Equal(t, 0, st.ConnectionAttempts)
	assert.Equal(t, "5511999990000:7@s.whatsapp.net", st.DeviceJID)

	rec, err := h.sessions.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "5511999990000:7@s.whatsapp.net", rec.DeviceJID)
	assert.Equal(t, models.ConnectionMethodQR, rec.ConnectionMethod)

	assert.Equal(t, []events.Kind{events.KindQR, events.KindConnected}, h.rec.kinds())
}

func TestConnectIdempotentWhenConnected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectQR(t)
	before := h.sup.Status()

	st, res, err := h.sup.Connect(context.Background(), models.ConnectOptions{Method: models.ConnectionMethodQR})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectResultAlreadyConnected, res)
	assert.Equal(t, before, st)
	assert.Equal(t, 1, h.dialer.dials(), "no second transport")
}

func TestConnectValidatesOptions(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{Method: models.ConnectionMethodPairing})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	_, _, err = h.sup.Connect(context.Background(), models.ConnectOptions{Method: "carrier-pigeon"})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	assert.Equal(t, 0, h.dialer.dials())
}

func TestPairingCode(t *testing.T) {
	h := newHarness(t, testConfig())

	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{
		Method:      models.ConnectionMethodPairing,
		PhoneNumber: "+55 (11) 99999-0000",
	})
	require.NoError(t, err)
	tr := h.waitTransport(t, 0)

	tr.emit(TransportEvent{Kind: TransportChallenge, QRCode: "ignored"})
	require.Eventually(t, func() bool { return h.sup.Status().PairingCode != nil }, wait, tick)
	st := h.sup.Status()
	assert.Equal(t, "ABCD-1234", *st.PairingCode)
	assert.Nil(t, st.QRCode, "QR and pairing challenges are exclusive")

	tr.emit(TransportEvent{Kind: TransportChallenge, QRCode: "rotated"})
	time.Sleep(50 * time.Millisecond)
	_, _, pairCalls, _ := tr.stats()
	assert.Equal(t, []string{"5511999990000"}, pairCalls, "one pairing request per attempt")

	ev, ok := h.rec.last(events.KindPairingCode)
	require.True(t, ok)
	assert.Equal(t, "ABCD-1234", ev.PairingCode)
}

func TestPairingFailureIsTerminal(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{Method: models.ConnectionMethodPairing, PhoneNumber: "5511"})
	require.NoError(t, err)
	tr := h.waitTransport(t, 0)
	tr.mu.Lock()
	tr.pairErr = errors.New("rate limited")
	tr.mu.Unlock()

	tr.emit(TransportEvent{Kind: TransportChallenge})
	st := h.waitState(t, models.StateDisconnected)
	assert.True(t, st.Terminal)
	assert.Equal(t, string(reconnect.ReasonPairingFailed), st.LastDisconnectReason)
	assert.Nil(t, st.PairingCode)
}

func TestNewConnectClearsStaleChallenge(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{})
	require.NoError(t, err)
	first := h.waitTransport(t, 0)
	first.emit(TransportEvent{Kind: TransportChallenge, QRCode: "old"})
	h.waitState(t, models.StateAwaitingChallenge)

	st, res, err := h.sup.Connect(context.Background(), models.ConnectOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectResultConnecting, res)
	assert.Nil(t, st.QRCode)
	assert.Nil(t, st.PairingCode)

	second := h.waitTransport(t, 1)
	disconnects, _, _, _ := first.stats()
	assert.GreaterOrEqual(t, disconnects, 1, "superseded transport closed")

	// Events from the superseded transport are ignored.
	first.emit(TransportEvent{Kind: TransportChallenge, QRCode: "stale"})
	first.emit(TransportEvent{Kind: TransportConnected})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.StateConnecting, h.sup.Status().ConnectionState)
	assert.Nil(t, h.sup.Status().QRCode)

	second.emit(TransportEvent{Kind: TransportChallenge, QRCode: "fresh"})
	st = h.waitState(t, models.StateAwaitingChallenge)
	assert.Equal(t, "fresh", *st.QRCode)
}

func TestChallengeExpires(t *testing.T) {
	cfg := testConfig()
	cfg.ChallengeTTL = 30 * time.Millisecond
	h := newHarness(t, cfg)

	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{})
	require.NoError(t, err)
	tr := h.waitTransport(t, 0)
	tr.emit(TransportEvent{Kind: TransportChallenge, QRCode: "qr"})

	st := h.waitState(t, models.StateDisconnected)
	assert.Nil(t, st.QRCode)
	assert.True(t, st.Terminal)
	assert.Equal(t, string(reconnect.ReasonChallengeExpired), st.LastDisconnectReason)
	assert.Nil(t, st.NextReconnectAt)
	disconnects, _, _, _ := tr.stats()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, h.dialer.dials(), "a fresh connect is required")
}

func TestLoggedOutIsTerminal(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connectQR(t)

	tr.emit(TransportEvent{Kind: TransportDisconnected, Reason: reconnect.ReasonLoggedOut})
	st := h.waitState(t, models.StateLoggedOut)
	assert.True(t, st.Terminal)
	assert.False(t, st.IsConnected)
	assert.Nil(t, st.NextReconnectAt, "no reconnect scheduled")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())

	rec, err := h.sessions.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, rec, "credentials erased")
	assert.Equal(t, []string{"5511999990000:7@s.whatsapp.net"}, h.dialer.purgedDevices())

	ev, ok := h.rec.last(events.KindLoggedOut)
	require.True(t, ok)
	assert.True(t, ev.Terminal)
	assert.Equal(t, "logged_out", ev.Reason)
}

func TestRetryableDisconnectReconnects(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connectQR(t)

	tr.emit(TransportEvent{Kind: TransportDisconnected, Reason: reconnect.ReasonConnectionLost})
	second := h.waitTransport(t, 1)

	// The stored record is reused on reconnect.
	h.dialer.mu.Lock()
	rec := h.dialer.records[1]
	h.dialer.mu.Unlock()
	require.NotNil(t, rec)
	assert.Equal(t, "5511999990000:7@s.whatsapp.net", rec.DeviceJID)

	assert.Equal(t, 1, h.sup.Status().ReconnectAttempts)
	second.emit(TransportEvent{Kind: TransportConnected})
	st := h.waitState(t, models.StateConnected)
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Empty(t, st.LastDisconnectReason)
}

func TestReconnectCeiling(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.connectErr = errors.New("network unreachable")

	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.sup.Status().Terminal }, wait, tick)
	st := h.sup.Status()
	assert.Equal(t, models.StateDisconnected, st.ConnectionState)
	assert.Equal(t, 3, st.ReconnectAttempts)
	assert.Equal(t, 4, h.dialer.dials(), "initial attempt plus three retries")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 4, h.dialer.dials(), "no silent infinite retry")

	ev, ok := h.rec.last(events.KindDisconnected)
	require.True(t, ok)
	assert.True(t, ev.Terminal)
}

func TestCredentialsInvalidOnDial(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.sessions.Save(context.Background(), session.Record{TenantID: "t1", DeviceJID: "gone@s.whatsapp.net"}))
	h.dialer.dialErr = ErrCredentialsInvalid

	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{})
	require.NoError(t, err)
	st := h.waitState(t, models.StateLoggedOut)
	assert.True(t, st.Terminal)

	require.Eventually(t, func() bool {
		rec, _ := h.sessions.Load(context.Background(), "t1")
		return rec == nil
	}, wait, tick)
}

func TestLoadFailureIsRetryable(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.loadErr = errors.New("database is locked")

	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{})
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
	assert.True(t, errors.Is(err, models.ErrStorage))
	assert.Equal(t, models.StateDisconnected, h.sup.Status().ConnectionState)
	assert.Equal(t, 0, h.dialer.dials())
}

func TestPersistRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.saveErrs = 2
	h.connectQR(t)

	require.Eventually(t, func() bool {
		rec, _ := h.sessions.Load(context.Background(), "t1")
		return rec != nil
	}, wait, tick)
	h.sessions.mu.Lock()
	assert.Equal(t, 3, h.sessions.saves)
	h.sessions.mu.Unlock()
}

func TestMessagesDecodedOrDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connectQR(t)

	tr.emit(TransportEvent{Kind: TransportMessage, Raw: ""})
	tr.emit(TransportEvent{Kind: TransportMessage, Raw: "oi"})

	require.Eventually(t, func() bool {
		_, ok := h.rec.last(events.KindMessage)
		return ok
	}, wait, tick)
	ev, _ := h.rec.last(events.KindMessage)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "oi", ev.Message.Text)

	count := 0
	for _, k := range h.rec.kinds() {
		if k == events.KindMessage {
			count++
		}
	}
	assert.Equal(t, 1, count, "codec failures are dropped")
}

func TestSend(t *testing.T) {
	h := newHarness(t, testConfig())

	err := h.sup.Send(context.Background(), "c1", "hello")
	assert.True(t, errors.Is(err, models.ErrNotConnected))
	assert.True(t, models.IsRetryable(err))

	tr := h.connectQR(t)
	require.NoError(t, h.sup.Send(context.Background(), "c1", "hello"))
	_, _, _, sent := tr.stats()
	assert.Equal(t, []string{"c1:hello"}, sent)

	err = h.sup.Send(context.Background(), "bad", "x")
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	tr.mu.Lock()
	tr.sendErr = errors.New("socket closed")
	tr.mu.Unlock()
	err = h.sup.Send(context.Background(), "c1", "again")
	assert.True(t, errors.Is(err, models.ErrSendFailed))
	assert.False(t, models.IsRetryable(err))
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connectQR(t)
	tr.mu.Lock()
	tr.logoutErr = errors.New("server unreachable")
	tr.mu.Unlock()

	h.sup.Logout(context.Background())

	st := h.sup.Status()
	assert.Equal(t, models.StateLoggedOut, st.ConnectionState)
	assert.True(t, st.Terminal)
	_, logouts, _, _ := tr.stats()
	assert.Equal(t, 1, logouts)
	rec, _ := h.sessions.Load(context.Background(), "t1")
	assert.Nil(t, rec)

	// A fresh challenge can be requested afterwards.
	_, res, err := h.sup.Connect(context.Background(), models.ConnectOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectResultConnecting, res)
	require.Eventually(t, func() bool { return h.dialer.dials() == 2 }, wait, tick)
	h.dialer.mu.Lock()
	assert.Nil(t, h.dialer.records[len(h.dialer.records)-1], "dialed without stored credentials")
	h.dialer.mu.Unlock()
}

func TestLogoutWithoutTransportPurgesStoredDevice(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.sessions.Save(context.Background(), session.Record{TenantID: "t1", DeviceJID: "dev@s.whatsapp.net"}))

	h.sup.Logout(context.Background())

	assert.Equal(t, []string{"dev@s.whatsapp.net"}, h.dialer.purgedDevices())
	rec, _ := h.sessions.Load(context.Background(), "t1")
	assert.Nil(t, rec)
}

func TestDisconnectKeepsCredentials(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connectQR(t)
	require.Eventually(t, func() bool {
		rec, _ := h.sessions.Load(context.Background(), "t1")
		return rec != nil
	}, wait, tick)

	h.sup.Disconnect()
	st := h.sup.Status()
	assert.Equal(t, models.StateDisconnected, st.ConnectionState)
	assert.Equal(t, string(reconnect.ReasonManual), st.LastDisconnectReason)
	disconnects, _, _, _ := tr.stats()
	assert.Equal(t, 1, disconnects)

	// The transport's own disconnect notification is stale and ignored.
	tr.emit(TransportEvent{Kind: TransportDisconnected, Reason: reconnect.ReasonConnectionLost})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())

	rec, _ := h.sessions.Load(context.Background(), "t1")
	assert.NotNil(t, rec)
}

func TestCloseStopsLoop(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sup.Close()
	select {
	case <-h.sup.Done():
	case <-time.After(wait):
		t.Fatal("event loop did not stop")
	}
	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{})
	assert.Error(t, err)
}

// gatedCodec holds Decode until release is closed, keeping the event loop busy.
type gatedCodec struct {
	fakeCodec
	entered chan struct{}
	release chan struct{}
}

func (c gatedCodec) Decode(tenantID string, raw any) (models.IncomingMessage, error) {
	close(c.entered)
	<-c.release
	return c.fakeCodec.Decode(tenantID, raw)
}

func TestPendingReconnectVisibleUntilAttemptStarts(t *testing.T) {
	codec := gatedCodec{entered: make(chan struct{}), release: make(chan struct{})}
	h := &harness{
		dialer:   &fakeDialer{},
		sessions: &flakyStore{InMemory: session.NewInMemory()},
		rec:      &recorder{},
	}
	cfg := testConfig()
	cfg.Policy = reconnect.Policy{BaseDelay: 150 * time.Millisecond, MaxDelay: 150 * time.Millisecond, MaxAttempts: 3}
	h.sup = New("t1", cfg, Deps{Dialer: h.dialer, Codec: codec, Sessions: h.sessions, Listener: h.rec.listen})
	released := false
	t.Cleanup(func() {
		if !released {
			close(codec.release)
		}
		h.sup.Close()
	})
	tr := h.connectQR(t)

	tr.emit(TransportEvent{Kind: TransportDisconnected, Reason: reconnect.ReasonConnectionLost})
	st := h.waitState(t, models.StateDisconnected)
	require.NotNil(t, st.NextReconnectAt)

	// The loop is stuck decoding while the reconnect timer fires behind it.
	go tr.emit(TransportEvent{Kind: TransportMessage, Raw: "oi"})
	<-codec.entered
	time.Sleep(300 * time.Millisecond)

	st = h.sup.Status()
	assert.Equal(t, models.StateDisconnected, st.ConnectionState)
	assert.NotNil(t, st.NextReconnectAt, "a fired but unhandled reconnect is still pending")
	assert.Equal(t, 1, h.dialer.dials())

	close(codec.release)
	released = true
	h.waitTransport(t, 1)
	assert.Nil(t, h.sup.Status().NextReconnectAt)
}

func TestOptionsReportsLatestConnect(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, err := h.sup.Connect(context.Background(), models.ConnectOptions{Method: models.ConnectionMethodPairing, PhoneNumber: "+55 (11) 99999-0000"})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectOptions{Method: models.ConnectionMethodPairing, PhoneNumber: "5511999990000"}, h.sup.Options())
}
