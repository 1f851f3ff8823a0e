// Package ingest turns raw transport events into normalized message events,
// retains them and fans them out to observers and the event bus.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/messagestore"
	"github.com/go-go-golems/switchboard/pkg/session"
	"github.com/go-go-golems/switchboard/pkg/transport"
)

const (
	TopicMessage  = "message"
	TopicReceipt  = "receipt"
	TopicPresence = "presence"

	statusBroadcast   = "status@broadcast"
	defaultSenderName = "Contact"
)

type Store interface {
	Append(ev messagestore.Event) (bool, error)
}

// Publisher is the real-time fan-out (the broadcast hub).
type Publisher interface {
	Publish(topic string, payload any) error
}

// Bus carries events to asynchronous consumers such as the webhook.
type Bus interface {
	Publish(ctx context.Context, eventType, sessionID string, payload any) error
}

type MediaStore interface {
	Save(sessionID, name, mimeType string, data []byte) (string, error)
	URL(name string) string
}

type ClientLookup interface {
	Client(id string) (transport.Client, bool)
}

type Options struct {
	Store     Store
	Publisher Publisher
	Bus       Bus
	Media     MediaStore
	Clients   ClientLookup

	AutoRead      bool
	AutoReply     bool
	ReplyGreeting string
	Now           func() time.Time
}

// Pipeline implements session.EventHandler.
type Pipeline struct {
	opts Options
}

var _ session.EventHandler = &Pipeline{}

func New(opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReplyGreeting == "" {
		opts.ReplyGreeting = DefaultGreeting
	}
	return &Pipeline{opts: opts}
}

// SetClients late-binds the client lookup; the registry that provides it
// takes the pipeline as its handler.
func (p *Pipeline) SetClients(c ClientLookup) {
	p.opts.Clients = c
}

func (p *Pipeline) HandleTransportEvent(ctx context.Context, sessionID string, ev transport.Event) {
	switch ev := ev.(type) {
	case transport.Message:
		p.handleMessage(ctx, sessionID, ev)
	case transport.Receipt:
		p.fanOut(ctx, sessionID, TopicReceipt, ReceiptEvent{
			SessionID:      sessionID,
			ConversationID: ev.ConversationID,
			Participant:    ev.Participant,
			MessageIDs:     ev.MessageIDs,
			Type:           ev.Type,
			Timestamp:      ev.Timestamp,
		})
	case transport.Presence:
		p.fanOut(ctx, sessionID, TopicPresence, PresenceEvent{
			SessionID:      sessionID,
			ConversationID: ev.ConversationID,
			Participant:    ev.Participant,
			State:          ev.State,
			LastSeen:       ev.LastSeen,
		})
	}
}

type ReceiptEvent struct {
	SessionID      string   `json:"session_id"`
	ConversationID string   `json:"conversation_id"`
	Participant    string   `json:"participant,omitempty"`
	MessageIDs     []string `json:"message_ids"`
	Type           string   `json:"type"`
	Timestamp      int64    `json:"timestamp"`
}

type PresenceEvent struct {
	SessionID      string                  `json:"session_id"`
	ConversationID string                  `json:"conversation_id"`
	Participant    string                  `json:"participant,omitempty"`
	State          transport.PresenceState `json:"state"`
	LastSeen       int64                   `json:"last_seen,omitempty"`
}

func (p *Pipeline) handleMessage(ctx context.Context, sessionID string, m transport.Message) {
	if m.Empty() || m.ID == "" || m.ConversationID == "" || m.ConversationID == statusBroadcast {
		return
	}

	ev := Normalize(sessionID, m, p.opts.Now())
	if m.Media != nil {
		ev.Attachment = p.persistMedia(ctx, sessionID, m)
	}

	if p.opts.Store != nil {
		added, err := p.opts.Store.Append(ev)
		if err != nil {
			log.Error().Err(err).Str("component", "ingest").Str("session_id", sessionID).Str("message_id", m.ID).Msg("storing message failed")
			return
		}
		if !added {
			return
		}
	}
	p.fanOut(ctx, sessionID, TopicMessage, ev)

	// Responding goes through the same client whose event stream is being
	// drained here, so it must not block this goroutine.
	if !m.FromMe && (p.opts.AutoRead || p.opts.AutoReply) {
		go func() {
			p.autoRead(ctx, sessionID, m)
			p.autoReply(ctx, sessionID, m)
		}()
	}
}

// Normalize maps a raw transport message onto a store event. The kind is
// decided here and never revisited.
func Normalize(sessionID string, m transport.Message, now time.Time) messagestore.Event {
	ev := messagestore.Event{
		SessionID:      sessionID,
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Direction:      messagestore.Inbound,
		Timestamp:      m.Timestamp,
		Kind:           KindOf(m),
		Text:           m.Text,
		SenderName:     m.SenderName,
		Participant:    m.Participant,
	}
	if m.FromMe {
		ev.Direction = messagestore.Outbound
	}
	if ev.Timestamp <= 0 {
		ev.Timestamp = now.Unix()
	}
	if strings.TrimSpace(ev.SenderName) == "" && !m.FromMe {
		ev.SenderName = defaultSenderName
	}
	return ev
}

func KindOf(m transport.Message) messagestore.Kind {
	if m.Media == nil {
		if m.Unsupported {
			return messagestore.KindOther
		}
		return messagestore.KindText
	}
	switch m.Media.Kind {
	case transport.MediaImage:
		return messagestore.KindImage
	case transport.MediaVideo:
		return messagestore.KindVideo
	case transport.MediaAudio:
		return messagestore.KindAudio
	case transport.MediaDocument:
		return messagestore.KindDocument
	default:
		return messagestore.KindOther
	}
}

// persistMedia never fails the message: errors are recorded on the
// attachment instead.
func (p *Pipeline) persistMedia(ctx context.Context, sessionID string, m transport.Message) *messagestore.Attachment {
	att := &messagestore.Attachment{MimeType: m.Media.MimeType, FileName: m.Media.FileName}
	fail := func(err error, msg string) *messagestore.Attachment {
		log.Warn().Err(err).Str("component", "ingest").Str("session_id", sessionID).Str("message_id", m.ID).Msg(msg)
		att.Error = err.Error()
		return att
	}
	if p.opts.Media == nil || p.opts.Clients == nil {
		att.Error = "media storage disabled"
		return att
	}
	client, ok := p.opts.Clients.Client(sessionID)
	if !ok {
		return fail(session.ErrNotConnected, "media download skipped")
	}
	data, err := client.DownloadMedia(ctx, *m.Media)
	if err != nil {
		return fail(err, "media download failed")
	}
	name, err := p.opts.Media.Save(sessionID, m.ID, m.Media.MimeType, data)
	if err != nil {
		return fail(err, "media save failed")
	}
	att.StorageRef = name
	att.URL = p.opts.Media.URL(name)
	return att
}

func (p *Pipeline) fanOut(ctx context.Context, sessionID, topic string, payload any) {
	if p.opts.Publisher != nil {
		if err := p.opts.Publisher.Publish(topic, payload); err != nil {
			log.Debug().Err(err).Str("component", "ingest").Str("session_id", sessionID).Str("topic", topic).Msg("broadcast failed")
		}
	}
	if p.opts.Bus != nil {
		if err := p.opts.Bus.Publish(ctx, topic, sessionID, payload); err != nil {
			log.Warn().Err(err).Str("component", "ingest").Str("session_id", sessionID).Str("topic", topic).Msg("bus publish failed")
		}
	}
}

func (p *Pipeline) autoRead(ctx context.Context, sessionID string, m transport.Message) {
	if !p.opts.AutoRead || p.opts.Clients == nil {
		return
	}
	client, ok := p.opts.Clients.Client(sessionID)
	if !ok {
		return
	}
	if err := client.MarkRead(ctx, m.ConversationID, m.Participant, []string{m.ID}); err != nil {
		log.Warn().Err(err).Str("component", "ingest").Str("session_id", sessionID).Str("message_id", m.ID).Msg("auto read failed")
	}
}
