package transport

// Event is one of QRIssued, Connected, Disconnected, CredentialsUpdated,
// Message, Receipt or Presence.
type Event interface {
	isTransportEvent()
}

// QRIssued carries a pairing challenge the user has to present out of band.
type QRIssued struct {
	Code string
}

type Connected struct {
	Identity Identity
}

type Disconnected struct {
	Reason DisconnectReason
	Err    error
}

// CredentialsUpdated is emitted whenever the client's credential material
// changes and must be persisted to survive a restart.
type CredentialsUpdated struct {
	Credentials []byte
}

// Message is a raw message as delivered by the transport. Outbound messages
// sent from this session are echoed back with FromMe set.
type Message struct {
	ID             string
	ConversationID string
	FromMe         bool
	Timestamp      int64
	SenderName     string
	Participant    string
	Text           string
	Media          *MediaRef
	// Unsupported marks payloads the transport could not classify
	// (stickers, polls, reactions...).
	Unsupported bool
}

// Empty reports whether the message carries nothing worth storing.
func (m Message) Empty() bool {
	return m.Text == "" && m.Media == nil && !m.Unsupported
}

type Receipt struct {
	ConversationID string
	Participant    string
	MessageIDs     []string
	Type           string
	Timestamp      int64
}

type Presence struct {
	ConversationID string
	Participant    string
	State          PresenceState
	LastSeen       int64
}

func (QRIssued) isTransportEvent()           {}
func (Connected) isTransportEvent()          {}
func (Disconnected) isTransportEvent()       {}
func (CredentialsUpdated) isTransportEvent() {}
func (Message) isTransportEvent()            {}
func (Receipt) isTransportEvent()            {}
func (Presence) isTransportEvent()           {}
