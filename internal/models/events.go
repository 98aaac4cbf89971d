package models

type EventType string

const (
	EventChatMessage     EventType = "chat.message"
	EventMessageRead     EventType = "message.read"
	EventPresenceChanged EventType = "presence.changed"
	EventPresencePing    EventType = "presence.ping"
	EventError           EventType = "error"
)

// ClientEnvelope is the wire shape of every inbound event.
// Which fields are meaningful depends on Type.
type ClientEnvelope struct {
	Type       EventType `json:"type"`
	Recipient  string    `json:"recipient,omitempty"`
	ChatID     int64     `json:"chat_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	Attachment string    `json:"attachment,omitempty"`
	MediaKind  MediaKind `json:"media_kind,omitempty"`
	MessageID  int64     `json:"message_id,omitempty"`
}

// ServerEvent is pushed to live connections.
type ServerEvent struct {
	Type      EventType   `json:"type"`
	Message   *Message    `json:"message,omitempty"`
	MessageID int64       `json:"message_id,omitempty"`
	ChatID    int64       `json:"chat_id,omitempty"`
	ReaderID  int64       `json:"reader_id,omitempty"`
	Status    *UserStatus `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
}
