// Package models defines the core data structures for SmartSalao.
//
// It includes the canonical inbound/outbound message types, tenant connection
// status snapshots and the value types exchanged with the booking service.
package models

import (
	"errors"
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of a tenant's protocol session.
type ConnectionState string

const (
	// StateDisconnected means no live transport exists.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means a transport is being opened.
	StateConnecting ConnectionState = "connecting"
	// StateAwaitingChallenge means a QR or pairing code is waiting to be used.
	StateAwaitingChallenge ConnectionState = "awaiting_challenge"
	// StateConnected means the session is authenticated and usable.
	StateConnected ConnectionState = "connected"
	// StateLoggedOut means the credentials were revoked or erased.
	StateLoggedOut ConnectionState = "logged_out"
)

// IsValidConnectionState checks if the given connection state is known.
func IsValidConnectionState(s ConnectionState) bool {
	switch s {
	case StateDisconnected, StateConnecting, StateAwaitingChallenge, StateConnected, StateLoggedOut:
		return true
	default:
		return false
	}
}

// ConnectionMethod selects how a new session is authenticated.
type ConnectionMethod string

const (
	// ConnectionMethodQR authenticates by scanning a QR code.
	ConnectionMethodQR ConnectionMethod = "qr"
	// ConnectionMethodPairing authenticates with a pairing code bound to a phone number.
	ConnectionMethodPairing ConnectionMethod = "pairing"
)

// ConnectResult reports what Connect did.
type ConnectResult string

const (
	// ConnectResultConnecting means a new connection attempt was started.
	ConnectResultConnecting ConnectResult = "connecting"
	// ConnectResultAlreadyConnected means the tenant was already connected.
	ConnectResultAlreadyConnected ConnectResult = "already_connected"
)

// Validation errors for connect options.
var (
	ErrInvalidConnectionMethod = errors.New("connectionMethod must be qr or pairing")
	ErrMissingPhoneNumber      = errors.New("phoneNumber is required for pairing")
	ErrInvalidPhoneNumber      = errors.New("phoneNumber must contain only digits")
)

// ConnectOptions holds the parameters of a connect request.
type ConnectOptions struct {
	Method      ConnectionMethod `json:"connectionMethod"`
	PhoneNumber string           `json:"phoneNumber,omitempty"`
}

// Normalize fills defaults and strips formatting from the phone number.
func (o ConnectOptions) Normalize() ConnectOptions {
	if o.Method == "" {
		o.Method = ConnectionMethodQR
	}
	o.PhoneNumber = DigitsOnly(o.PhoneNumber)
	return o
}

// Validate checks the connect options.
func (o ConnectOptions) Validate() error {
	switch o.Method {
	case ConnectionMethodQR:
		return nil
	case ConnectionMethodPairing:
		if o.PhoneNumber == "" {
			return ErrMissingPhoneNumber
		}
		if DigitsOnly(o.PhoneNumber) != o.PhoneNumber {
			return ErrInvalidPhoneNumber
		}
		return nil
	default:
		return ErrInvalidConnectionMethod
	}
}

// DigitsOnly removes every non-digit character.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MediaDescriptor describes an attachment without carrying its bytes.
type MediaDescriptor struct {
	Kind     string `json:"kind"` // image, video, audio, document, sticker
	MimeType string `json:"mime_type,omitempty"`
	Size     uint64 `json:"size,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// IncomingMessage is the canonical form of an inbound chat message.
type IncomingMessage struct {
	TenantID  string           `json:"tenant_id"`
	ChatID    string           `json:"chat_id"`
	SenderID  string           `json:"sender_id"`
	PushName  string           `json:"push_name,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Text      string           `json:"text"`
	Media     *MediaDescriptor `json:"media,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	FromMe    bool             `json:"from_me,omitempty"`
	IsGroup   bool             `json:"is_group,omitempty"`
}

// OutgoingMessage is the canonical form of a reply or API-initiated send.
type OutgoingMessage struct {
	TenantID string           `json:"tenant_id"`
	ChatID   string           `json:"chat_id"`
	Text     string           `json:"text"`
	Media    *MediaDescriptor `json:"media,omitempty"`
}

// TenantStatus is a point-in-time snapshot of a tenant connection.
type TenantStatus struct {
	TenantID             string          `json:"tenantId"`
	DisplayName          string          `json:"displayName,omitempty"`
	IsConnected          bool            `json:"isConnected"`
	ConnectionState      ConnectionState `json:"connectionState"`
	QRCode               *string         `json:"qrCode"`
	PairingCode          *string         `json:"pairingCode"`
	LastActivity         time.Time       `json:"lastActivity"`
	ConnectionAttempts   int             `json:"connectionAttempts"`
	ReconnectAttempts    int             `json:"reconnectAttempts"`
	LastDisconnectReason string          `json:"lastDisconnectReason,omitempty"`
	NextReconnectAt      *time.Time      `json:"nextReconnectAt,omitempty"`
	DeviceJID            string          `json:"deviceJid,omitempty"`
	Terminal             bool            `json:"terminal"`
}

// Tenant is a business as listed by the directory service.
type Tenant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}
