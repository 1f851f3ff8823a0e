package ingest

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/transport"
)

const DefaultGreeting = "Hi! Send !ping to check that I am alive."

// Reply returns the bot answer for an inbound text, if any.
func Reply(text, greeting string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "!ping":
		return "pong", true
	case "!help":
		return greeting, true
	default:
		return "", false
	}
}

func (p *Pipeline) autoReply(ctx context.Context, sessionID string, m transport.Message) {
	if !p.opts.AutoReply || p.opts.Clients == nil || m.Text == "" {
		return
	}
	reply, ok := Reply(m.Text, p.opts.ReplyGreeting)
	if !ok {
		return
	}
	client, ok := p.opts.Clients.Client(sessionID)
	if !ok {
		return
	}
	if _, err := client.SendMessage(ctx, m.ConversationID, transport.OutboundMessage{Text: reply}); err != nil {
		log.Warn().Err(err).Str("component", "ingest").Str("session_id", sessionID).Str("conversation_id", m.ConversationID).Msg("auto reply failed")
	}
}
