// Package session owns the lifecycle of every transport session: creation on
// first reference, the pairing and connection state machine, credential
// persistence and automatic reconnection.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/transport"
)

var (
	ErrLoggedOut       = errors.New("session is logged out")
	ErrNotConnected    = errors.New("session is not connected")
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptySessionID  = errors.New("session id is empty")
	ErrClosed          = errors.New("session registry is closed")
)

type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
)

// Session is a point-in-time snapshot of one session.
type Session struct {
	ID               string                     `json:"session_id"`
	Status           Status                     `json:"status"`
	PairingChallenge string                     `json:"qr,omitempty"`
	Identity         *transport.Identity        `json:"identity,omitempty"`
	LastEventAt      time.Time                  `json:"last_event_at,omitempty"`
	DisconnectReason transport.DisconnectReason `json:"disconnect_reason,omitempty"`
	ReconnectPending bool                       `json:"reconnect_pending"`
	LastError        string                     `json:"last_error,omitempty"`
}

// Publisher receives lifecycle notifications ("qr" and "status").
type Publisher interface {
	Publish(topic string, payload any) error
}

// EventHandler receives message, receipt and presence events in the order
// the transport emitted them.
type EventHandler interface {
	HandleTransportEvent(ctx context.Context, sessionID string, ev transport.Event)
}

type EventHandlerFunc func(ctx context.Context, sessionID string, ev transport.Event)

func (f EventHandlerFunc) HandleTransportEvent(ctx context.Context, sessionID string, ev transport.Event) {
	f(ctx, sessionID, ev)
}

const (
	TopicQR     = "qr"
	TopicStatus = "status"
)

// QRNotification is the payload of TopicQR.
type QRNotification struct {
	SessionID string `json:"session_id"`
	QR        string `json:"qr"`
}
