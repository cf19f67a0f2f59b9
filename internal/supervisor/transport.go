package supervisor

import (
	"context"
	"errors"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/reconnect"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
)

// ErrCredentialsInvalid is returned by a Dialer when a stored session record
// no longer maps to usable device keys.
var ErrCredentialsInvalid = errors.New("stored credentials are not usable")

// TransportEventKind identifies a transport notification.
type TransportEventKind int

const (
	// TransportChallenge carries a QR payload for an unpaired session.
	TransportChallenge TransportEventKind = iota + 1
	// TransportConnected means the session authenticated.
	TransportConnected
	// TransportDisconnected carries the reason the session ended.
	TransportDisconnected
	// TransportMessage carries a raw protocol message for the Codec.
	TransportMessage
)

func (k TransportEventKind) String() string {
	switch k {
	case TransportChallenge:
		return "challenge"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportMessage:
		return "message"
	default:
		return "unknown"
	}
}

// TransportEvent is delivered by a Transport to its handler.
type TransportEvent struct {
	Kind     TransportEventKind
	QRCode   string
	Reason   reconnect.Reason
	Identity Identity
	Raw      any
}

// Identity describes the paired device once authenticated.
type Identity struct {
	DeviceJID string
	PushName  string
	Platform  string
}

// Transport is one live protocol session.
type Transport interface {
	// Connect opens the session. Subsequent state changes arrive as events.
	Connect(ctx context.Context) error
	// Disconnect closes the socket and keeps credentials. Safe to call twice.
	Disconnect()
	// Logout revokes the device on the server and deletes its keys.
	Logout(ctx context.Context) error
	// Send transmits an encoded payload to a chat.
	Send(ctx context.Context, chatID string, payload any) error
	// PairPhone requests a pairing code bound to phone. Only valid while a
	// challenge is pending.
	PairPhone(ctx context.Context, phone string) (string, error)
	// Identity returns the paired device, empty while unpaired.
	Identity() Identity
}

// Dialer creates transports and removes device keys.
type Dialer interface {
	// Dial builds a Transport for tenantID resuming rec, or a fresh unpaired
	// device when rec is nil. The handler may be called from any goroutine.
	Dial(ctx context.Context, tenantID string, rec *session.Record, handler func(TransportEvent)) (Transport, error)
	// Purge deletes the device keys referenced by rec without a live session.
	Purge(ctx context.Context, rec *session.Record) error
}

// Codec converts between raw protocol messages and canonical messages.
type Codec interface {
	// Decode returns models.ErrCodec for protocol-only or unparseable input.
	Decode(tenantID string, raw any) (models.IncomingMessage, error)
	Encode(msg models.OutgoingMessage) (any, error)
}
