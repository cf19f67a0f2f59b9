// Package events carries tenant lifecycle notifications (challenges,
// connection changes and inbound messages) from connection supervisors to
// whoever is interested: the booking flow, the websocket stream and the
// optional RabbitMQ publisher.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

// Kind names a lifecycle notification.
type Kind string

const (
	KindQR           Kind = "qr"
	KindPairingCode  Kind = "pairing_code"
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindLoggedOut    Kind = "logged_out"
	KindMessage      Kind = "message"
)

// Event is one lifecycle notification for a tenant.
type Event struct {
	ID          string                  `json:"id"`
	Kind        Kind                    `json:"kind"`
	TenantID    string                  `json:"tenantId"`
	Time        time.Time               `json:"time"`
	QRCode      string                  `json:"qrCode,omitempty"`
	PairingCode string                  `json:"pairingCode,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	Terminal    bool                    `json:"terminal,omitempty"`
	DeviceJID   string                  `json:"deviceJid,omitempty"`
	Message     *models.IncomingMessage `json:"message,omitempty"`
}

// New creates an event with a fresh ID and the current time.
func New(kind Kind, tenantID string) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		TenantID: tenantID,
		Time:     time.Now(),
	}
}

// Listener receives events. Implementations must not block.
type Listener func(Event)

// Fanout returns a Listener calling every non-nil listener in order.
func Fanout(listeners ...Listener) Listener {
	active := make([]Listener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			active = append(active, l)
		}
	}
	return func(ev Event) {
		for _, l := range active {
			l(ev)
		}
	}
}
