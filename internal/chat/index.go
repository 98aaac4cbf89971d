// Package chat answers membership questions: which chats a user is in,
// who participates in a chat, and which Single chat links two users.
package chat

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"parley/internal/models"

	"github.com/c-pro/geche"
)

type Store interface {
	GetUser(id int64) (models.User, error)
	CreateChat(chat models.Chat) (models.Chat, error)
	GetChat(id int64) (models.Chat, error)
	FindSingleChat(a, b int64) (models.Chat, error)
	ListChatsForUser(userID int64) ([]models.Chat, error)
}

// Index is a read-through view over chat membership. Participant sets never
// change after creation, so they are cached without expiry.
type Index struct {
	store        Store
	participants geche.Geche[int64, []int64]
}

func NewIndex(store Store) *Index {
	return &Index{
		store:        store,
		participants: geche.NewMapCache[int64, []int64](),
	}
}

func (i *Index) Chat(chatID int64) (models.Chat, error) {
	c, err := i.store.GetChat(chatID)
	if err != nil {
		return models.Chat{}, err
	}
	i.remember(c)
	return c, nil
}

func (i *Index) ParticipantsOf(chatID int64) ([]int64, error) {
	if ids, err := i.participants.Get(chatID); err == nil {
		return slices.Clone(ids), nil
	}
	c, err := i.Chat(chatID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.ParticipantIDs), nil
}

// ChatsForUser returns the user's chats, most recently active first.
func (i *Index) ChatsForUser(userID int64) ([]models.Chat, error) {
	chats, err := i.store.ListChatsForUser(userID)
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		i.remember(c)
	}
	return chats, nil
}

// FindSingleChat returns the Single chat between a and b. The boolean is
// false when no such chat exists.
func (i *Index) FindSingleChat(a, b int64) (models.Chat, bool, error) {
	c, err := i.store.FindSingleChat(a, b)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return models.Chat{}, false, nil
	case err != nil:
		return models.Chat{}, false, err
	}
	i.remember(c)
	return c, true, nil
}

// GetOrCreateSingle returns the Single chat between a and b, creating it if
// needed. Concurrent callers for the same pair all get the same chat; the
// boolean is true only for the caller that created it.
func (i *Index) GetOrCreateSingle(a, b int64) (models.Chat, bool, error) {
	if a == b {
		return models.Chat{}, false, fmt.Errorf("%w: single chat needs two distinct users", models.ErrInvalid)
	}
	if c, ok, err := i.FindSingleChat(a, b); err != nil || ok {
		return c, false, err
	}

	ua, err := i.store.GetUser(a)
	if err != nil {
		return models.Chat{}, false, err
	}
	ub, err := i.store.GetUser(b)
	if err != nil {
		return models.Chat{}, false, err
	}

	c, err := i.store.CreateChat(models.Chat{
		Kind:           models.ChatKindSingle,
		ParticipantIDs: []int64{a, b},
		Name:           SingleChatName(ua, ub),
	})
	if errors.Is(err, models.ErrConflict) {
		// Lost the race to another creator.
		c, err = i.store.FindSingleChat(a, b)
		if err != nil {
			return models.Chat{}, false, err
		}
		i.remember(c)
		return c, false, nil
	}
	if err != nil {
		return models.Chat{}, false, err
	}
	i.remember(c)
	return c, true, nil
}

// CreateGroup creates a Group chat. The creator is always a participant.
func (i *Index) CreateGroup(creator int64, name string, participants []int64) (models.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Chat{}, fmt.Errorf("%w: group chat needs a name", models.ErrInvalid)
	}
	c, err := i.store.CreateChat(models.Chat{
		Kind:           models.ChatKindGroup,
		ParticipantIDs: append([]int64{creator}, participants...),
		Name:           name,
	})
	if err != nil {
		return models.Chat{}, err
	}
	i.remember(c)
	return c, nil
}

// Contacts returns every user sharing at least one chat with userID,
// excluding userID itself.
func (i *Index) Contacts(userID int64) ([]int64, error) {
	chats, err := i.ChatsForUser(userID)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, c := range chats {
		for _, id := range c.ParticipantIDs {
			if id != userID {
				out = append(out, id)
			}
		}
	}
	return models.NormalizeParticipants(out), nil
}

func (i *Index) remember(c models.Chat) {
	i.participants.Set(c.ID, slices.Clone(c.ParticipantIDs))
}

// SingleChatName names a Single chat after its two users, lower id first.
func SingleChatName(a, b models.User) string {
	if a.ID > b.ID {
		a, b = b, a
	}
	return a.Username + "-" + b.Username
}
