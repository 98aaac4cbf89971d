package ws

import (
	"errors"
	"fmt"

	"parley/internal/models"
)

var (
	errUnknownEvent   = errors.New("unknown event type")
	errMalformedEvent = errors.New("malformed event")
)

// SendRequest is what a sender supplies for a new message. Exactly one of
// Recipient and ChatID addresses the chat.
type SendRequest struct {
	Recipient  string           `json:"recipient,omitempty"`
	ChatID     int64            `json:"chat_id,omitempty"`
	Content    string           `json:"content,omitempty"`
	Attachment string           `json:"attachment,omitempty"`
	MediaKind  models.MediaKind `json:"media_kind,omitempty"`
}

// InboundEvent is one of ChatMessage, MessageRead or PresencePing.
type InboundEvent interface {
	eventType() models.EventType
}

type ChatMessage struct {
	SendRequest
}

type MessageRead struct {
	MessageID int64
}

type PresencePing struct{}

func (ChatMessage) eventType() models.EventType  { return models.EventChatMessage }
func (MessageRead) eventType() models.EventType  { return models.EventMessageRead }
func (PresencePing) eventType() models.EventType { return models.EventPresencePing }

// ParseInbound turns a wire envelope into a typed event.
func ParseInbound(env models.ClientEnvelope) (InboundEvent, error) {
	switch env.Type {
	case models.EventChatMessage:
		if (env.Recipient == "") == (env.ChatID == 0) {
			return nil, fmt.Errorf("%w: chat.message needs either recipient or chat_id", errMalformedEvent)
		}
		return ChatMessage{SendRequest{
			Recipient:  env.Recipient,
			ChatID:     env.ChatID,
			Content:    env.Content,
			Attachment: env.Attachment,
			MediaKind:  env.MediaKind,
		}}, nil
	case models.EventMessageRead:
		if env.MessageID <= 0 {
			return nil, fmt.Errorf("%w: message.read needs message_id", errMalformedEvent)
		}
		return MessageRead{MessageID: env.MessageID}, nil
	case models.EventPresencePing:
		return PresencePing{}, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownEvent, env.Type)
}
