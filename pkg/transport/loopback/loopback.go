// Package loopback provides an in-process transport that simulates pairing,
// delivery echo and receipts. It is used for local development and tests; it
// does not talk to any network.
package loopback

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/transport"
)

const eventBuffer = 64

type Options struct {
	// PairDelay is how long after a pairing challenge the simulated user
	// scans it. Zero means pairing only happens through Client.Pair.
	PairDelay time.Duration
	// Echo mirrors every outbound text back as an inbound message.
	Echo bool
	Now  func() time.Time
}

// Factory creates loopback clients and remembers the latest one per session
// so tests and debug tooling can drive them.
type Factory struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*Client
}

var _ transport.Factory = &Factory{}

func NewFactory(opts Options) *Factory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Factory{opts: opts, clients: map[string]*Client{}}
}

func (f *Factory) NewClient(_ context.Context, cfg transport.ClientConfig) (transport.Client, error) {
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("loopback: empty session id")
	}
	c := &Client{
		sessionID: cfg.SessionID,
		opts:      f.opts,
		creds:     append([]byte(nil), cfg.Credentials...),
		events:    make(chan transport.Event, eventBuffer),
		done:      make(chan struct{}),
		media:     map[string][]byte{},
		presence:  map[string]transport.PresenceState{},
	}
	f.mu.Lock()
	f.clients[cfg.SessionID] = c
	f.mu.Unlock()
	return c, nil
}

// Client returns the most recently created client for a session.
func (f *Factory) Client(sessionID string) (*Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[sessionID]
	return c, ok
}

type Client struct {
	sessionID string
	opts      Options

	emitMu sync.RWMutex
	events chan transport.Event
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	connected bool
	creds     []byte
	challenge string
	pairTimer *time.Timer
	media     map[string][]byte
	presence  map[string]transport.PresenceState
}

var _ transport.Client = &Client{}

func (c *Client) Events() <-chan transport.Event { return c.events }

func (c *Client) Connect(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if len(c.creds) > 0 {
		c.connected = true
		c.mu.Unlock()
		c.emit(transport.Connected{Identity: c.identity()})
		return nil
	}
	c.challenge = "loopback:" + c.sessionID + ":" + uuid.NewString()
	challenge := c.challenge
	if c.opts.PairDelay > 0 {
		c.pairTimer = time.AfterFunc(c.opts.PairDelay, func() { _ = c.Pair() })
	}
	c.mu.Unlock()
	c.emit(transport.QRIssued{Code: challenge})
	return nil
}

// Challenge returns the outstanding pairing challenge, if any.
func (c *Client) Challenge() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenge
}

// Pair simulates the user scanning the pairing challenge.
func (c *Client) Pair() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.challenge == "" {
		c.mu.Unlock()
		return errors.New("loopback: no pairing challenge outstanding")
	}
	c.challenge = ""
	c.creds = []byte("loopback-creds:" + c.sessionID + ":" + uuid.NewString())
	creds := append([]byte(nil), c.creds...)
	c.connected = true
	c.mu.Unlock()

	c.emit(transport.CredentialsUpdated{Credentials: creds})
	c.emit(transport.Connected{Identity: c.identity()})
	return nil
}

// Disconnect simulates the remote side dropping the connection.
func (c *Client) Disconnect(reason transport.DisconnectReason) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.emit(transport.Disconnected{Reason: reason})
}

// Inject delivers an arbitrary event as if it came from the network.
func (c *Client) Inject(ev transport.Event) {
	c.emit(ev)
}

func (c *Client) Logout(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.connected = false
	c.creds = nil
	c.mu.Unlock()
	c.emit(transport.Disconnected{Reason: transport.ReasonLoggedOut})
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	if c.pairTimer != nil {
		c.pairTimer.Stop()
		c.pairTimer = nil
	}
	c.mu.Unlock()

	close(c.done)
	c.emitMu.Lock()
	close(c.events)
	c.emitMu.Unlock()
	return nil
}

func (c *Client) SendMessage(_ context.Context, conversationID string, msg transport.OutboundMessage) (transport.SendResult, error) {
	if err := c.requireConnected(); err != nil {
		return transport.SendResult{}, err
	}
	now := c.opts.Now().Unix()
	out := transport.Message{
		ID:             newMessageID(),
		ConversationID: conversationID,
		FromMe:         true,
		Timestamp:      now,
		Text:           msg.Text,
	}
	if msg.Media != nil {
		handle := uuid.NewString()
		c.mu.Lock()
		c.media[handle] = append([]byte(nil), msg.Media.Data...)
		c.mu.Unlock()
		out.Media = &transport.MediaRef{
			Kind:     msg.Media.Kind,
			MimeType: msg.Media.MimeType,
			FileName: msg.Media.FileName,
			Handle:   handle,
		}
		out.Text = msg.Media.Caption
	}
	c.emit(out)

	if c.opts.Echo && msg.Text != "" {
		c.emit(transport.Message{
			ID:             newMessageID(),
			ConversationID: conversationID,
			Timestamp:      now,
			SenderName:     "loopback",
			Text:           msg.Text,
		})
	}
	return transport.SendResult{MessageID: out.ID, Timestamp: now}, nil
}

func (c *Client) MarkRead(_ context.Context, conversationID, participant string, messageIDs []string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	c.emit(transport.Receipt{
		ConversationID: conversationID,
		Participant:    participant,
		MessageIDs:     append([]string(nil), messageIDs...),
		Type:           "read",
		Timestamp:      c.opts.Now().Unix(),
	})
	return nil
}

func (c *Client) SendPresence(_ context.Context, conversationID string, state transport.PresenceState) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	c.mu.Lock()
	c.presence[conversationID] = state
	c.mu.Unlock()
	return nil
}

// PresenceFor returns the last presence pushed for a conversation.
func (c *Client) PresenceFor(conversationID string) (transport.PresenceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.presence[conversationID]
	return p, ok
}

func (c *Client) GroupInfo(_ context.Context, conversationID string) (transport.GroupInfo, error) {
	if err := c.requireConnected(); err != nil {
		return transport.GroupInfo{}, err
	}
	if !strings.HasSuffix(conversationID, "@g.us") {
		return transport.GroupInfo{}, errors.Wrapf(transport.ErrNotFound, "loopback: %s is not a group", conversationID)
	}
	self := c.identity()
	return transport.GroupInfo{
		ID:           conversationID,
		Subject:      "loopback group",
		Owner:        self.ID,
		Participants: []transport.GroupParticipant{{ID: self.ID, Admin: true}},
	}, nil
}

func (c *Client) ProfileInfo(_ context.Context, conversationID string) (transport.ProfileInfo, error) {
	if err := c.requireConnected(); err != nil {
		return transport.ProfileInfo{}, err
	}
	name, _, _ := strings.Cut(conversationID, "@")
	return transport.ProfileInfo{ID: conversationID, Exists: true, Name: name}, nil
}

func (c *Client) DownloadMedia(_ context.Context, ref transport.MediaRef) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.media[ref.Handle]
	if !ok {
		return nil, errors.Wrapf(transport.ErrNotFound, "loopback: media %q", ref.Handle)
	}
	return append([]byte(nil), data...), nil
}

// StoreMedia registers an attachment so that an injected message can refer
// to it through its handle.
func (c *Client) StoreMedia(data []byte) string {
	handle := uuid.NewString()
	c.mu.Lock()
	c.media[handle] = append([]byte(nil), data...)
	c.mu.Unlock()
	return handle
}

func (c *Client) requireConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if !c.connected {
		return transport.ErrNotConnected
	}
	return nil
}

func (c *Client) identity() transport.Identity {
	return transport.Identity{
		ID:       c.sessionID + "@loopback",
		Name:     c.sessionID,
		Platform: "loopback",
	}
}

func (c *Client) emit(ev transport.Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	select {
	case <-c.done:
		log.Debug().Str("component", "loopback").Str("session_id", c.sessionID).Msg("dropping event on closed client")
	default:
		select {
		case c.events <- ev:
		case <-c.done:
		}
	}
}

func newMessageID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]
}
