package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/reconnect"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/supervisor"
)

// Transport is one whatsmeow client session.
type Transport struct {
	tenantID  string
	client    *whatsmeow.Client
	handler   func(supervisor.TransportEvent)
	handlerID uint32

	mu       sync.Mutex
	detached bool
}

var _ supervisor.Transport = (*Transport)(nil)

func newTransport(tenantID string, client *whatsmeow.Client, handler func(supervisor.TransportEvent)) *Transport {
	t := &Transport{tenantID: tenantID, client: client, handler: handler}
	t.handlerID = client.AddEventHandler(t.handleEvent)
	return t
}

func (t *Transport) handleEvent(evt any) {
	t.mu.Lock()
	detached := t.detached
	t.mu.Unlock()
	if detached {
		return
	}
	ev, ok := translate(evt, t.Identity)
	if !ok {
		return
	}
	slog.Debug("WhatsApp transport event", "tenant", t.tenantID, "kind", ev.Kind, "reason", ev.Reason)
	t.handler(ev)
}

// Connect opens the websocket. Pairing and login progress arrive as events.
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.client.Connect(); err != nil {
		slog.Error("WhatsApp Connect failed", "tenant", t.tenantID, "error", err)
		return fmt.Errorf("failed to connect to WhatsApp: %w", err)
	}
	slog.Debug("WhatsApp Connect succeeded", "tenant", t.tenantID, "paired", t.client.Store.ID != nil)
	return nil
}

// Disconnect detaches the event handler and closes the socket.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.detached {
		t.mu.Unlock()
		return
	}
	t.detached = true
	t.mu.Unlock()
	t.client.RemoveEventHandler(t.handlerID)
	t.client.Disconnect()
}

// Logout revokes the linked device on the server.
func (t *Transport) Logout(ctx context.Context) error {
	if t.client.Store.ID == nil {
		return nil
	}
	if err := t.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out device: %w", err)
	}
	return nil
}

// Send transmits an encoded message to chatID.
func (t *Transport) Send(ctx context.Context, chatID string, payload any) error {
	msg, ok := payload.(*waE2E.Message)
	if !ok || msg == nil {
		return fmt.Errorf("unsupported payload type %T", payload)
	}
	jid, err := ParseChatJID(chatID)
	if err != nil {
		return err
	}
	if _, err := t.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", jid, err)
	}
	return nil
}

// PairPhone requests an 8-character linking code for phone.
func (t *Transport) PairPhone(ctx context.Context, phone string) (string, error) {
	code, err := t.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, PairDisplayName)
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	return code, nil
}

// Identity reports the paired device.
func (t *Transport) Identity() supervisor.Identity {
	st := t.client.Store
	if st == nil || st.ID == nil {
		return supervisor.Identity{}
	}
	return supervisor.Identity{DeviceJID: st.ID.String(), PushName: st.PushName, Platform: st.Platform}
}

// translate maps a whatsmeow event onto a transport event. Events that carry
// no lifecycle meaning report false.
func translate(evt any, identity func() supervisor.Identity) (supervisor.TransportEvent, bool) {
	switch e := evt.(type) {
	case *events.QR:
		if len(e.Codes) == 0 {
			return supervisor.TransportEvent{}, false
		}
		return supervisor.TransportEvent{Kind: supervisor.TransportChallenge, QRCode: e.Codes[0]}, true
	case *events.Connected:
		return supervisor.TransportEvent{Kind: supervisor.TransportConnected, Identity: identity()}, true
	case *events.PairError:
		return disconnected(reconnect.ReasonPairingFailed), true
	case *events.Disconnected:
		return disconnected(reconnect.ReasonConnectionLost), true
	case *events.LoggedOut:
		if e.Reason == events.ConnectFailureMainDeviceGone {
			return disconnected(reconnect.ReasonDeviceRemoved), true
		}
		return disconnected(reconnect.ReasonLoggedOut), true
	case *events.StreamReplaced:
		return disconnected(reconnect.ReasonReplaced), true
	case *events.TemporaryBan:
		return disconnected(reconnect.ReasonBanned), true
	case *events.ClientOutdated:
		return disconnected(reconnect.ReasonClientOutdated), true
	case *events.ConnectFailure:
		return disconnected(connectFailureReason(e.Reason)), true
	case *events.Message:
		return supervisor.TransportEvent{Kind: supervisor.TransportMessage, Raw: e}, true
	default:
		return supervisor.TransportEvent{}, false
	}
}

func disconnected(reason reconnect.Reason) supervisor.TransportEvent {
	return supervisor.TransportEvent{Kind: supervisor.TransportDisconnected, Reason: reason}
}

func connectFailureReason(r events.ConnectFailureReason) reconnect.Reason {
	switch {
	case r == events.ConnectFailureMainDeviceGone:
		return reconnect.ReasonDeviceRemoved
	case r.IsLoggedOut():
		return reconnect.ReasonLoggedOut
	case r == events.ConnectFailureTempBanned:
		return reconnect.ReasonBanned
	case r == events.ConnectFailureClientOutdated:
		return reconnect.ReasonClientOutdated
	default:
		return reconnect.ReasonConnectFailed
	}
}
