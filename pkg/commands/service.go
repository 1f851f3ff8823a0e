// Package commands implements the synchronous operations that act on a
// session: sending, read receipts, presence and metadata queries.
//
// Every operation validates its input first, then resolves the session
// client through the registry (creating and waiting for it if needed), then
// delegates to the transport exactly once.
package commands

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/address"
	"github.com/go-go-golems/switchboard/pkg/transport"
)

const DefaultConnectTimeout = 30 * time.Second

type Sessions interface {
	Ensure(ctx context.Context, id string) (transport.Client, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type Options struct {
	Sessions       Sessions
	Fetcher        Fetcher
	Address        address.Policy
	ConnectTimeout time.Duration
}

type Service struct {
	opts Options
}

func NewService(opts Options) (*Service, error) {
	if opts.Sessions == nil {
		return nil, errors.New("commands: sessions is nil")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Address == (address.Policy{}) {
		opts.Address = address.DefaultPolicy()
	}
	return &Service{opts: opts}, nil
}

// Target addresses a conversation either by full id or by bare number.
type Target struct {
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Number         string `json:"number,omitempty"`
}

type SendTextRequest struct {
	Target
	Text string `json:"text"`
}

type SendMediaRequest struct {
	Target
	Kind     transport.MediaKind `json:"kind"`
	URL      string              `json:"url"`
	Caption  string              `json:"caption,omitempty"`
	FileName string              `json:"file_name,omitempty"`
	MimeType string              `json:"mime_type,omitempty"`
}

type MarkReadRequest struct {
	Target
	Participant string   `json:"participant,omitempty"`
	MessageIDs  []string `json:"message_ids"`
}

type PresenceRequest struct {
	Target
	State transport.PresenceState `json:"state"`
}

type SendResult struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Timestamp      int64  `json:"timestamp"`
}

func (s *Service) resolve(t Target) (string, error) {
	if strings.TrimSpace(t.SessionID) == "" {
		return "", invalid("session_id", "is required")
	}
	conv, err := s.opts.Address.Resolve(t.ConversationID, t.Number)
	if err != nil {
		if errors.Is(err, address.ErrNoTarget) {
			return "", invalid("target", "conversation_id or number is required")
		}
		return "", invalid("number", err.Error())
	}
	return conv, nil
}

func (s *Service) client(ctx context.Context, sessionID string) (transport.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	return s.opts.Sessions.Ensure(cctx, strings.TrimSpace(sessionID))
}

func (s *Service) SendText(ctx context.Context, req SendTextRequest) (SendResult, error) {
	conv, err := s.resolve(req.Target)
	if err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return SendResult{}, invalid("text", "is required")
	}
	return s.send(ctx, req.SessionID, conv, transport.OutboundMessage{Text: req.Text})
}

func (s *Service) SendMedia(ctx context.Context, req SendMediaRequest) (SendResult, error) {
	conv, err := s.resolve(req.Target)
	if err != nil {
		return SendResult{}, err
	}
	if !req.Kind.Valid() {
		return SendResult{}, invalid("kind", "must be one of image, video, audio, document")
	}
	if strings.TrimSpace(req.URL) == "" {
		return SendResult{}, invalid("url", "is required")
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return SendResult{}, invalid("url", "must be an http(s) url")
	}
	if s.opts.Fetcher == nil {
		return SendResult{}, errors.New("commands: media fetcher is not configured")
	}

	// resolve the session before downloading so that an unavailable session
	// fails fast
	client, err := s.client(ctx, req.SessionID)
	if err != nil {
		return SendResult{}, err
	}
	data, contentType, err := s.opts.Fetcher.Fetch(ctx, req.URL)
	if err != nil {
		return SendResult{}, invalid("url", err.Error())
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = contentType
	}
	msg := transport.OutboundMessage{Media: &transport.OutboundMedia{
		Kind:     req.Kind,
		Data:     data,
		MimeType: mimeType,
		FileName: req.FileName,
		Caption:  req.Caption,
	}}
	return s.sendWith(ctx, client, req.SessionID, conv, msg)
}

func (s *Service) send(ctx context.Context, sessionID, conv string, msg transport.OutboundMessage) (SendResult, error) {
	client, err := s.client(ctx, sessionID)
	if err != nil {
		return SendResult{}, err
	}
	return s.sendWith(ctx, client, sessionID, conv, msg)
}

func (s *Service) sendWith(ctx context.Context, client transport.Client, sessionID, conv string, msg transport.OutboundMessage) (SendResult, error) {
	res, err := client.SendMessage(ctx, conv, msg)
	if err != nil {
		log.Warn().Err(err).Str("component", "commands").Str("session_id", sessionID).Str("conversation_id", conv).Msg("send failed")
		return SendResult{}, transportErr("send message", err)
	}
	return SendResult{
		SessionID:      sessionID,
		ConversationID: conv,
		MessageID:      res.MessageID,
		Timestamp:      res.Timestamp,
	}, nil
}

func (s *Service) MarkRead(ctx context.Context, req MarkReadRequest) error {
	conv, err := s.resolve(req.Target)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(req.MessageIDs))
	for _, id := range req.MessageIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return invalid("message_ids", "at least one message id is required")
	}
	client, err := s.client(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if err := client.MarkRead(ctx, conv, req.Participant, ids); err != nil {
		return transportErr("mark read", err)
	}
	return nil
}

func (s *Service) SetPresence(ctx context.Context, req PresenceRequest) error {
	conv, err := s.resolve(req.Target)
	if err != nil {
		return err
	}
	if !req.State.Valid() {
		return invalid("state", "must be one of available, unavailable, composing, recording, paused")
	}
	client, err := s.client(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if err := client.SendPresence(ctx, conv, req.State); err != nil {
		return transportErr("send presence", err)
	}
	return nil
}

func (s *Service) GroupInfo(ctx context.Context, sessionID, conversationID string) (transport.GroupInfo, error) {
	if strings.TrimSpace(sessionID) == "" {
		return transport.GroupInfo{}, invalid("session_id", "is required")
	}
	conversationID = strings.TrimSpace(conversationID)
	if !strings.Contains(conversationID, "@") {
		return transport.GroupInfo{}, invalid("conversation_id", "a full group id is required")
	}
	client, err := s.client(ctx, sessionID)
	if err != nil {
		return transport.GroupInfo{}, err
	}
	info, err := client.GroupInfo(ctx, conversationID)
	if err != nil {
		return transport.GroupInfo{}, transportErr("group info", err)
	}
	return info, nil
}

// ProfileInfo accepts either a full id or a bare number as target.
func (s *Service) ProfileInfo(ctx context.Context, sessionID, target string) (transport.ProfileInfo, error) {
	conv, err := s.resolve(Target{SessionID: sessionID, ConversationID: target})
	if err != nil {
		return transport.ProfileInfo{}, err
	}
	client, err := s.client(ctx, sessionID)
	if err != nil {
		return transport.ProfileInfo{}, err
	}
	info, err := client.ProfileInfo(ctx, conv)
	if err != nil {
		return transport.ProfileInfo{}, transportErr("profile info", err)
	}
	return info, nil
}
