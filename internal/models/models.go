package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid")
)

// IsClientError reports whether err was caused by the request rather than
// by the server. Such errors are safe to ignore on a live connection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalid) ||
		errors.Is(err, ErrConflict)
}

// User is the identity owned by the account subsystem.
// The messaging core only needs its id and username.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStatus is the persisted presence of a user.
// It is mutated only by the presence manager.
type UserStatus struct {
	UserID   int64      `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`
}

type ChatKind string

const (
	ChatKindSingle ChatKind = "single"
	ChatKindGroup  ChatKind = "group"
)

func (k ChatKind) Valid() bool {
	return k == ChatKindSingle || k == ChatKindGroup
}

// Chat is a conversation with a fixed participant set.
type Chat struct {
	ID             int64     `json:"id"`
	Kind           ChatKind  `json:"kind"`
	ParticipantIDs []int64   `json:"participant_ids"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (c Chat) HasParticipant(userID int64) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// PairKey returns the canonical key of a Single chat between a and b.
// The key does not depend on argument order.
func PairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// NormalizeParticipants returns a sorted copy of ids without duplicates.
func NormalizeParticipants(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

type MediaKind string

const (
	MediaKindText  MediaKind = "text"
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
	MediaKindAudio MediaKind = "audio"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaKindText, MediaKindImage, MediaKindVideo, MediaKindAudio:
		return true
	}
	return false
}

// Message belongs to exactly one chat.
// Messages of a chat are ordered by (CreatedAt, ID).
type Message struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	SenderID   int64     `json:"sender_id"`
	Content    string    `json:"content,omitempty"`
	Attachment string    `json:"attachment,omitempty"`
	MediaKind  MediaKind `json:"media_kind"`
	CreatedAt  time.Time `json:"created_at"`
	ReadBy     []int64   `json:"read_by"`
}

// Validate checks that the message carries content or an attachment.
func (m Message) Validate() error {
	if m.Content == "" && m.Attachment == "" {
		return fmt.Errorf("%w: message has neither content nor attachment", ErrInvalid)
	}
	if !m.MediaKind.Valid() {
		return fmt.Errorf("%w: unknown media kind %q", ErrInvalid, m.MediaKind)
	}
	return nil
}

// Less reports whether m is ordered before o within a chat.
func (m Message) Less(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

func (m Message) IsReadBy(userID int64) bool {
	return slices.Contains(m.ReadBy, userID)
}
