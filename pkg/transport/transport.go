// Package transport defines the boundary between switchboard and the chat
// transport client that actually speaks the protocol.
//
// A Client is an opaque capability: it emits lifecycle, message, receipt and
// presence events on a channel and accepts send/query calls. Protocol details
// (handshake, encryption, pairing, wire codecs) live behind this interface.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected = errors.New("transport client is not connected")
	ErrClosed       = errors.New("transport client is closed")
	ErrNotFound     = errors.New("not found")
)

// Identity describes the account a session is paired with.
type Identity struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ClientConfig is handed to a Factory when a session needs a new client.
// Credentials is nil when the session has never paired (or its credentials
// were wiped), in which case the client is expected to issue a pairing
// challenge.
type ClientConfig struct {
	SessionID   string
	Credentials []byte
}

// Client is one live connection for one session.
//
// Events returns the channel the client publishes on. The channel is closed
// after Close returns. Connect may block for the whole handshake; Close must
// make a pending Connect return.
type Client interface {
	Events() <-chan Event
	Connect(ctx context.Context) error
	Close() error
	Logout(ctx context.Context) error

	SendMessage(ctx context.Context, conversationID string, msg OutboundMessage) (SendResult, error)
	MarkRead(ctx context.Context, conversationID, participant string, messageIDs []string) error
	SendPresence(ctx context.Context, conversationID string, state PresenceState) error
	GroupInfo(ctx context.Context, conversationID string) (GroupInfo, error)
	ProfileInfo(ctx context.Context, conversationID string) (ProfileInfo, error)
	DownloadMedia(ctx context.Context, ref MediaRef) ([]byte, error)
}

// Factory builds clients. Implementations must not start any network
// activity before Connect is called.
type Factory interface {
	NewClient(ctx context.Context, cfg ClientConfig) (Client, error)
}

type FactoryFunc func(ctx context.Context, cfg ClientConfig) (Client, error)

func (f FactoryFunc) NewClient(ctx context.Context, cfg ClientConfig) (Client, error) {
	return f(ctx, cfg)
}

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		return true
	default:
		return false
	}
}

// MediaRef points at an attachment that can be fetched with DownloadMedia.
// Handle is transport specific.
type MediaRef struct {
	Kind     MediaKind `json:"kind"`
	MimeType string    `json:"mime_type,omitempty"`
	FileName string    `json:"file_name,omitempty"`
	Handle   string    `json:"handle,omitempty"`
}

type OutboundMedia struct {
	Kind     MediaKind
	Data     []byte
	MimeType string
	FileName string
	Caption  string
}

// OutboundMessage carries either Text or Media.
type OutboundMessage struct {
	Text  string
	Media *OutboundMedia
}

type SendResult struct {
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
}

type PresenceState string

const (
	PresenceAvailable   PresenceState = "available"
	PresenceUnavailable PresenceState = "unavailable"
	PresenceComposing   PresenceState = "composing"
	PresenceRecording   PresenceState = "recording"
	PresencePaused      PresenceState = "paused"
)

func (p PresenceState) Valid() bool {
	switch p {
	case PresenceAvailable, PresenceUnavailable, PresenceComposing, PresenceRecording, PresencePaused:
		return true
	default:
		return false
	}
}

type GroupParticipant struct {
	ID    string `json:"id"`
	Admin bool   `json:"admin,omitempty"`
}

type GroupInfo struct {
	ID           string             `json:"id"`
	Subject      string             `json:"subject"`
	Description  string             `json:"description,omitempty"`
	Owner        string             `json:"owner,omitempty"`
	CreatedAt    int64              `json:"created_at,omitempty"`
	Participants []GroupParticipant `json:"participants"`
}

type ProfileInfo struct {
	ID         string `json:"id"`
	Exists     bool   `json:"exists"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status,omitempty"`
	PictureURL string `json:"picture_url,omitempty"`
}
