package storage

import (
	"fmt"
	"time"

	"parley/internal/models"
)

const (
	DriverBbolt  = "bbolt"
	DriverSQLite = "sqlite"

	defaultPageSize = 50
	maxPageSize     = 200
)

// Store is the persistence surface shared by every driver.
type Store interface {
	CreateUser(username, passwordHash string) (models.User, error)
	GetUser(id int64) (models.User, error)
	GetUserByName(username string) (models.User, error)
	GetPasswordHash(username string) (models.User, string, error)

	CreateChat(chat models.Chat) (models.Chat, error)
	GetChat(id int64) (models.Chat, error)
	FindSingleChat(a, b int64) (models.Chat, error)
	ListChatsForUser(userID int64) ([]models.Chat, error)

	CreateMessage(msg models.Message) (models.Message, error)
	GetMessage(id int64) (models.Message, error)
	ListMessages(chatID, afterID int64, limit int) ([]models.Message, error)
	AddReadReceipt(messageID, userID int64) (bool, error)

	GetStatus(userID int64) (models.UserStatus, error)
	SetStatus(status models.UserStatus) error
	ResetPresence() (int, error)

	Close() error
}

// Open returns the store selected by driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverBbolt:
		return NewBboltStorage(path)
	case DriverSQLite:
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

// validateChat checks kind and participant count of a new chat.
// participants must already be normalized.
func validateChat(kind models.ChatKind, participants []int64) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown chat kind %q", models.ErrInvalid, kind)
	}
	if kind == models.ChatKindSingle && len(participants) != 2 {
		return fmt.Errorf("%w: single chat needs exactly 2 distinct participants, got %d", models.ErrInvalid, len(participants))
	}
	if len(participants) < 2 {
		return fmt.Errorf("%w: group chat needs at least 2 participants, got %d", models.ErrInvalid, len(participants))
	}
	return nil
}
