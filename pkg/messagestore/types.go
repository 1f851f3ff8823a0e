package messagestore

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Kind is decided once, at ingestion.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

// Attachment references a locally stored media file. Error is set instead of
// StorageRef when persisting the media failed.
type Attachment struct {
	StorageRef string `json:"storage_ref,omitempty"`
	URL        string `json:"url,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Event is a normalized message event. Timestamps are unix seconds and are
// not guaranteed to be monotonic.
type Event struct {
	SessionID      string      `json:"session_id"`
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Direction      Direction   `json:"direction"`
	Timestamp      int64       `json:"timestamp"`
	Kind           Kind        `json:"kind"`
	Text           string      `json:"text,omitempty"`
	SenderName     string      `json:"sender_name,omitempty"`
	Participant    string      `json:"participant,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

func (e Event) clone() Event {
	if e.Attachment != nil {
		a := *e.Attachment
		e.Attachment = &a
	}
	return e
}

// ConversationSummary holds the most recent event seen for a conversation.
type ConversationSummary struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	LastEvent      Event  `json:"last_event"`
}
