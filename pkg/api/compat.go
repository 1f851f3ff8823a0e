package api

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/commands"
	"github.com/go-go-golems/switchboard/pkg/messagestore"
	"github.com/go-go-golems/switchboard/pkg/session"
)

// Flat message shape of the single-session routes.
type legacyMessage struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	FromMe    bool    `json:"fromMe"`
	Name      string  `json:"name"`
	Timestamp int64   `json:"timestamp"`
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	MediaURL  *string `json:"mediaUrl"`
}

type legacyChat struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	LastMessage   string `json:"lastMessage"`
	LastTimestamp int64  `json:"lastTimestamp"`
}

func toLegacy(ev messagestore.Event) legacyMessage {
	m := legacyMessage{
		ID:        ev.ID,
		From:      ev.ConversationID,
		FromMe:    ev.Direction == messagestore.Outbound,
		Name:      ev.SenderName,
		Timestamp: ev.Timestamp,
		Type:      string(ev.Kind),
		Text:      ev.Text,
	}
	if ev.Attachment != nil && ev.Attachment.URL != "" {
		u := ev.Attachment.URL
		m.MediaURL = &u
	}
	return m
}

func toLegacyList(events []messagestore.Event) []legacyMessage {
	out := make([]legacyMessage, 0, len(events))
	for _, ev := range events {
		out = append(out, toLegacy(ev))
	}
	return out
}

// compatRoutes serves the routes of the single-session deployment, bound to
// the default session.
func (h *Handler) compatRoutes() {
	m := h.mux
	m.HandleFunc("GET /status", h.legacyStatus)
	m.HandleFunc("GET /history", h.legacyHistory)
	m.HandleFunc("GET /chats", h.legacyChats)
	m.HandleFunc("GET /chat/{chatId}", h.legacyChat)
	m.HandleFunc("POST /send", h.legacySend)
}

func (h *Handler) legacyStatus(w http.ResponseWriter, _ *http.Request) {
	s, ok := h.opts.Sessions.Status(h.opts.DefaultSession)
	if !ok {
		s = session.Session{ID: h.opts.DefaultSession, Status: session.StatusDisconnected}
	}
	var qr *string
	if s.PairingChallenge != "" {
		if uri, err := qrDataURI(s.PairingChallenge); err == nil {
			qr = &uri
		} else {
			log.Warn().Err(err).Str("component", "api").Str("session_id", s.ID).Msg("render qr failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": s.Status, "qr": qr})
}

func (h *Handler) legacyHistory(w http.ResponseWriter, _ *http.Request) {
	msgs := toLegacyList(h.opts.History.Query(h.opts.DefaultSession, 0, 0))
	writeJSON(w, http.StatusOK, map[string]any{"total": len(msgs), "messages": msgs})
}

func (h *Handler) legacyChats(w http.ResponseWriter, _ *http.Request) {
	convs := h.opts.History.Conversations(h.opts.DefaultSession)
	chats := make([]legacyChat, 0, len(convs))
	for _, c := range convs {
		name := c.LastEvent.SenderName
		if name == "" {
			name = c.ConversationID
		}
		chats = append(chats, legacyChat{
			ID:            c.ConversationID,
			Name:          name,
			LastMessage:   c.LastEvent.Text,
			LastTimestamp: c.LastEvent.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// legacyChat matches every conversation whose id digits contain the digits
// of the path parameter.
func (h *Handler) legacyChat(w http.ResponseWriter, r *http.Request) {
	needle := digitsOf(r.PathValue("chatId"))
	all := h.opts.History.Query(h.opts.DefaultSession, 0, 0)
	out := make([]legacyMessage, 0)
	for _, ev := range all {
		if strings.Contains(digitsOf(ev.ConversationID), needle) {
			out = append(out, toLegacy(ev))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (h *Handler) legacySend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Number  string `json:"number"`
		Message string `json:"message"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	_, err := h.opts.Commands.SendText(r.Context(), commands.SendTextRequest{
		Target: commands.Target{SessionID: h.opts.DefaultSession, Number: body.Number},
		Text:   body.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
