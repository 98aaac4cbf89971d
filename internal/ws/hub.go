package ws

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"parley/internal/chat"
	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/registry"
)

type hubStore interface {
	GetUserByName(username string) (models.User, error)
	CreateMessage(msg models.Message) (models.Message, error)
	GetMessage(id int64) (models.Message, error)
	AddReadReceipt(messageID, userID int64) (bool, error)
}

type deliverer interface {
	Deliver(targets []int64, event models.ServerEvent) int
}

// Hub ties the connection registry, presence and delivery together and
// implements the operations behind every inbound event.
type Hub struct {
	store    hubStore
	registry *registry.Registry
	router   deliverer
	index    *chat.Index
	presence *presence.Manager
	locks    *userLocks
	logger   *slog.Logger
}

func NewHub(
	store hubStore,
	reg *registry.Registry,
	router deliverer,
	index *chat.Index,
	presence *presence.Manager,
	logger *slog.Logger,
) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:    store,
		registry: reg,
		router:   router,
		index:    index,
		presence: presence,
		locks:    newUserLocks(),
		logger:   logger,
	}
}

// Join registers h and marks the user online. If the status cannot be
// persisted the registration is rolled back.
func (h *Hub) Join(userID int64, handle registry.Handle) error {
	unlock := h.locks.Lock(userID)
	defer unlock()

	n := h.registry.Register(userID, handle)
	if _, err := h.presence.MarkOnline(userID); err != nil {
		h.registry.Unregister(userID, handle)
		return fmt.Errorf("failed to mark user %d online: %w", userID, err)
	}
	h.logger.Debug("connection joined", "user_id", userID, "handle", handle.ID(), "live", n)
	return nil
}

// Leave unregisters h. The user goes offline when it was the last handle.
func (h *Hub) Leave(userID int64, handle registry.Handle) {
	unlock := h.locks.Lock(userID)
	defer unlock()

	var connected time.Duration
	if e, ok := h.registry.Lookup(userID, handle.ID()); ok {
		connected = time.Since(e.JoinedAt)
	}
	remaining := h.registry.Unregister(userID, handle)
	h.logger.Debug("connection left",
		"user_id", userID,
		"handle", handle.ID(),
		"live", remaining,
		"connected_for", connected,
	)
	if remaining > 0 {
		return
	}
	if _, err := h.presence.MarkOffline(userID); err != nil {
		h.logger.Error("failed to mark user offline", "user_id", userID, "error", err)
	}
}

// SendMessage persists a message from senderID and pushes it to the other
// participants of the chat. The stored message is returned.
func (h *Hub) SendMessage(senderID int64, req SendRequest) (models.Message, error) {
	if senderID <= 0 {
		return models.Message{}, fmt.Errorf("%w: anonymous sender", models.ErrForbidden)
	}

	attachment := strings.TrimSpace(req.Attachment)
	kind, err := content.MediaKindFor(attachment, req.MediaKind)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		SenderID:   senderID,
		Content:    content.Sanitize(req.Content),
		Attachment: attachment,
		MediaKind:  kind,
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}

	c, err := h.resolveChat(senderID, req)
	if err != nil {
		return models.Message{}, err
	}
	msg.ChatID = c.ID

	saved, err := h.store.CreateMessage(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}

	targets := make([]int64, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != senderID {
			targets = append(targets, id)
		}
	}
	h.router.Deliver(targets, models.ServerEvent{
		Type:    models.EventChatMessage,
		Message: &saved,
	})
	return saved, nil
}

func (h *Hub) resolveChat(senderID int64, req SendRequest) (models.Chat, error) {
	if req.ChatID != 0 {
		c, err := h.index.Chat(req.ChatID)
		if err != nil {
			return models.Chat{}, err
		}
		if !c.HasParticipant(senderID) {
			return models.Chat{}, fmt.Errorf("%w: user %d is not in chat %d", models.ErrForbidden, senderID, c.ID)
		}
		return c, nil
	}

	recipient, err := h.store.GetUserByName(req.Recipient)
	if err != nil {
		return models.Chat{}, err
	}
	if recipient.ID == senderID {
		return models.Chat{}, fmt.Errorf("%w: cannot message yourself", models.ErrInvalid)
	}
	c, _, err := h.index.GetOrCreateSingle(senderID, recipient.ID)
	return c, err
}

// MarkRead records that readerID has seen messageID and tells the sender.
// It reports whether a new receipt was recorded. Repeated reads and reads
// of one's own message change nothing.
func (h *Hub) MarkRead(readerID, messageID int64) (bool, error) {
	msg, err := h.store.GetMessage(messageID)
	if err != nil {
		return false, err
	}
	participants, err := h.index.ParticipantsOf(msg.ChatID)
	if err != nil {
		return false, err
	}
	if !slices.Contains(participants, readerID) {
		return false, fmt.Errorf("%w: user %d is not in chat %d", models.ErrForbidden, readerID, msg.ChatID)
	}
	if msg.SenderID == readerID || msg.IsReadBy(readerID) {
		return false, nil
	}

	added, err := h.store.AddReadReceipt(messageID, readerID)
	if err != nil {
		return false, fmt.Errorf("failed to save read receipt: %w", err)
	}
	if !added {
		return false, nil
	}

	h.router.Deliver([]int64{msg.SenderID}, models.ServerEvent{
		Type:      models.EventMessageRead,
		MessageID: messageID,
		ChatID:    msg.ChatID,
		ReaderID:  readerID,
	})
	return true, nil
}

// Ping refreshes the user's last_seen.
func (h *Hub) Ping(userID int64) error {
	_, err := h.presence.Touch(userID)
	return err
}
