package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"parley/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func keyID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type DBUser struct {
	ID           int64  `msgpack:"id"`
	Username     string `msgpack:"username"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return idKey(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) model() models.User {
	return models.User{
		ID:        u.ID,
		Username:  u.Username,
		CreatedAt: fromUnixNano(u.CreatedAt),
	}
}

type DBStatus struct {
	UserID   int64 `msgpack:"userId"`
	IsOnline bool  `msgpack:"isOnline"`
	LastSeen int64 `msgpack:"lastSeen"` // 0 = never seen
}

func (s *DBStatus) Key() []byte {
	return idKey(s.UserID)
}

func (s *DBStatus) MarshalBinary() (data []byte, err error) {
	type alias DBStatus
	return msgpack.Marshal((*alias)(s))
}

func (s *DBStatus) UnmarshalBinary(data []byte) error {
	type alias DBStatus
	return msgpack.Unmarshal(data, (*alias)(s))
}

func (s *DBStatus) model() models.UserStatus {
	status := models.UserStatus{UserID: s.UserID, IsOnline: s.IsOnline}
	if s.LastSeen != 0 {
		t := fromUnixNano(s.LastSeen)
		status.LastSeen = &t
	}
	return status
}

type DBChat struct {
	ID           int64   `msgpack:"id"`
	Kind         string  `msgpack:"kind"`
	Participants []int64 `msgpack:"participants"`
	Name         string  `msgpack:"name"`
	PairKey      string  `msgpack:"pairKey"`
	CreatedAt    int64   `msgpack:"createdAt"`
	UpdatedAt    int64   `msgpack:"updatedAt"`
}

func (c *DBChat) Key() []byte {
	return idKey(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBChat) model() models.Chat {
	return models.Chat{
		ID:             c.ID,
		Kind:           models.ChatKind(c.Kind),
		ParticipantIDs: c.Participants,
		Name:           c.Name,
		CreatedAt:      fromUnixNano(c.CreatedAt),
		UpdatedAt:      fromUnixNano(c.UpdatedAt),
	}
}

type DBRead struct {
	UserID int64 `msgpack:"userId"`
	ReadAt int64 `msgpack:"readAt"`
}

type DBMessage struct {
	ID         int64    `msgpack:"id"`
	ChatID     int64    `msgpack:"chatId"`
	SenderID   int64    `msgpack:"senderId"`
	Content    string   `msgpack:"content"`
	Attachment string   `msgpack:"attachment"`
	MediaKind  string   `msgpack:"mediaKind"`
	CreatedAt  int64    `msgpack:"createdAt"`
	Reads      []DBRead `msgpack:"reads"`
}

func (m *DBMessage) Key() []byte {
	return idKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) model() models.Message {
	msg := models.Message{
		ID:         m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		Content:    m.Content,
		Attachment: m.Attachment,
		MediaKind:  models.MediaKind(m.MediaKind),
		CreatedAt:  fromUnixNano(m.CreatedAt),
		ReadBy:     make([]int64, 0, len(m.Reads)),
	}
	for _, r := range m.Reads {
		msg.ReadBy = append(msg.ReadBy, r.UserID)
	}
	return msg
}
