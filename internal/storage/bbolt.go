package storage

import (
	"fmt"
	"slices"
	"time"

	"parley/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers        = []byte("users")
	bucketUsernames    = []byte("usernames")
	bucketStatuses     = []byte("statuses")
	bucketChats        = []byte("chats")
	bucketSingleChats  = []byte("single_chats")
	bucketUserChats    = []byte("user_chats")
	bucketMessages     = []byte("messages")
	bucketChatMessages = []byte("chat_messages")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsernames,
			bucketStatuses,
			bucketChats,
			bucketSingleChats,
			bucketUserChats,
			bucketMessages,
			bucketChatMessages,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: utcNow}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func get(b *bbolt.Bucket, key []byte, v Storeable) error {
	data := b.Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	return v.UnmarshalBinary(data)
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// CreateUser stores a new user together with its offline status record.
func (s *BboltStorage) CreateUser(username, passwordHash string) (models.User, error) {
	var user models.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(username)) != nil {
			return fmt.Errorf("username %q: %w", username, models.ErrConflict)
		}

		users := tx.Bucket(bucketUsers)
		seq, err := users.NextSequence()
		if err != nil {
			return err
		}

		dbUser := &DBUser{
			ID:           int64(seq),
			Username:     username,
			PasswordHash: passwordHash,
			CreatedAt:    unixNano(s.now()),
		}
		if err := put(users, dbUser); err != nil {
			return fmt.Errorf("failed to put user: %w", err)
		}
		if err := names.Put([]byte(username), dbUser.Key()); err != nil {
			return err
		}
		if err := put(tx.Bucket(bucketStatuses), &DBStatus{UserID: dbUser.ID}); err != nil {
			return fmt.Errorf("failed to put status: %w", err)
		}

		user = dbUser.model()
		return nil
	})
	return user, err
}

func (s *BboltStorage) GetUser(id int64) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketUsers), idKey(id), &dbUser)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("user %d: %w", id, err)
	}
	return dbUser.model(), nil
}

func (s *BboltStorage) lookupUsername(tx *bbolt.Tx, username string) (*DBUser, error) {
	id := tx.Bucket(bucketUsernames).Get([]byte(username))
	if id == nil {
		return nil, fmt.Errorf("user %q: %w", username, models.ErrNotFound)
	}
	var dbUser DBUser
	if err := get(tx.Bucket(bucketUsers), id, &dbUser); err != nil {
		return nil, fmt.Errorf("user %q: %w", username, err)
	}
	return &dbUser, nil
}

func (s *BboltStorage) GetUserByName(username string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := s.lookupUsername(tx, username)
		if err != nil {
			return err
		}
		user = dbUser.model()
		return nil
	})
	return user, err
}

func (s *BboltStorage) GetPasswordHash(username string) (models.User, string, error) {
	var (
		user models.User
		hash string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := s.lookupUsername(tx, username)
		if err != nil {
			return err
		}
		user, hash = dbUser.model(), dbUser.PasswordHash
		return nil
	})
	return user, hash, err
}

// CreateChat stores a new chat. A Single chat claims the pair key of its
// participants inside the same write transaction, so a second Single chat
// for the same pair fails with models.ErrConflict.
func (s *BboltStorage) CreateChat(chat models.Chat) (models.Chat, error) {
	participants := models.NormalizeParticipants(chat.ParticipantIDs)
	if err := validateChat(chat.Kind, participants); err != nil {
		return models.Chat{}, err
	}

	var created models.Chat
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		for _, id := range participants {
			if users.Get(idKey(id)) == nil {
				return fmt.Errorf("participant %d: %w", id, models.ErrNotFound)
			}
		}

		singles := tx.Bucket(bucketSingleChats)
		var pairKey string
		if chat.Kind == models.ChatKindSingle {
			pairKey = models.PairKey(participants[0], participants[1])
			if singles.Get([]byte(pairKey)) != nil {
				return fmt.Errorf("single chat %s: %w", pairKey, models.ErrConflict)
			}
		}

		chats := tx.Bucket(bucketChats)
		seq, err := chats.NextSequence()
		if err != nil {
			return err
		}

		now := unixNano(s.now())
		dbChat := &DBChat{
			ID:           int64(seq),
			Kind:         string(chat.Kind),
			Participants: participants,
			Name:         chat.Name,
			PairKey:      pairKey,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := put(chats, dbChat); err != nil {
			return fmt.Errorf("failed to put chat: %w", err)
		}
		if pairKey != "" {
			if err := singles.Put([]byte(pairKey), dbChat.Key()); err != nil {
				return err
			}
		}

		userChats := tx.Bucket(bucketUserChats)
		for _, id := range participants {
			ub, err := userChats.CreateBucketIfNotExists(idKey(id))
			if err != nil {
				return fmt.Errorf("failed to create user chats bucket: %w", err)
			}
			if err := ub.Put(dbChat.Key(), []byte{}); err != nil {
				return err
			}
		}

		created = dbChat.model()
		return nil
	})
	return created, err
}

func (s *BboltStorage) GetChat(id int64) (models.Chat, error) {
	var dbChat DBChat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketChats), idKey(id), &dbChat)
	})
	if err != nil {
		return models.Chat{}, fmt.Errorf("chat %d: %w", id, err)
	}
	return dbChat.model(), nil
}

func (s *BboltStorage) FindSingleChat(a, b int64) (models.Chat, error) {
	key := models.PairKey(a, b)
	var dbChat DBChat
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketSingleChats).Get([]byte(key))
		if id == nil {
			return models.ErrNotFound
		}
		return get(tx.Bucket(bucketChats), id, &dbChat)
	})
	if err != nil {
		return models.Chat{}, fmt.Errorf("single chat %s: %w", key, err)
	}
	return dbChat.model(), nil
}

// ListChatsForUser returns the chats of a user, most recently updated first.
func (s *BboltStorage) ListChatsForUser(userID int64) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUserChats).Bucket(idKey(userID))
		if ub == nil {
			return nil
		}
		all := tx.Bucket(bucketChats)
		return ub.ForEach(func(k, _ []byte) error {
			var dbChat DBChat
			if err := get(all, k, &dbChat); err != nil {
				return fmt.Errorf("chat %d: %w", keyID(k), err)
			}
			chats = append(chats, dbChat.model())
			return nil
		})
	})
	sortChats(chats)
	return chats, err
}

// CreateMessage appends a message to its chat and bumps the chat's UpdatedAt.
func (s *BboltStorage) CreateMessage(msg models.Message) (models.Message, error) {
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}

	var created models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		var dbChat DBChat
		if err := get(chats, idKey(msg.ChatID), &dbChat); err != nil {
			return fmt.Errorf("chat %d: %w", msg.ChatID, err)
		}
		if !slices.Contains(dbChat.Participants, msg.SenderID) {
			return fmt.Errorf("sender %d in chat %d: %w", msg.SenderID, msg.ChatID, models.ErrForbidden)
		}

		messages := tx.Bucket(bucketMessages)
		seq, err := messages.NextSequence()
		if err != nil {
			return err
		}

		dbMessage := &DBMessage{
			ID:         int64(seq),
			ChatID:     msg.ChatID,
			SenderID:   msg.SenderID,
			Content:    msg.Content,
			Attachment: msg.Attachment,
			MediaKind:  string(msg.MediaKind),
			CreatedAt:  unixNano(s.now()),
		}
		if err := put(messages, dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		chatBucket, err := tx.Bucket(bucketChatMessages).CreateBucketIfNotExists(idKey(msg.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}
		if err := chatBucket.Put(dbMessage.Key(), []byte{}); err != nil {
			return err
		}

		dbChat.UpdatedAt = dbMessage.CreatedAt
		if err := put(chats, &dbChat); err != nil {
			return fmt.Errorf("failed to update chat: %w", err)
		}

		created = dbMessage.model()
		return nil
	})
	return created, err
}

func (s *BboltStorage) GetMessage(id int64) (models.Message, error) {
	var dbMessage DBMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketMessages), idKey(id), &dbMessage)
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("message %d: %w", id, err)
	}
	return dbMessage.model(), nil
}

// ListMessages returns up to limit messages of a chat with id greater than afterID.
func (s *BboltStorage) ListMessages(chatID, afterID int64, limit int) ([]models.Message, error) {
	limit = pageSize(limit)
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketChatMessages).Bucket(idKey(chatID))
		if chatBucket == nil {
			return nil // No messages for this chat
		}
		all := tx.Bucket(bucketMessages)

		c := chatBucket.Cursor()
		for k, _ := c.Seek(idKey(afterID + 1)); k != nil && len(messages) < limit; k, _ = c.Next() {
			var dbMsg DBMessage
			if err := get(all, k, &dbMsg); err != nil {
				return fmt.Errorf("message %d: %w", keyID(k), err)
			}
			messages = append(messages, dbMsg.model())
		}
		return nil
	})
	sortMessages(messages)
	return messages, err
}

// AddReadReceipt records that userID has read the message.
// It reports false when the receipt already existed.
func (s *BboltStorage) AddReadReceipt(messageID, userID int64) (bool, error) {
	added := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		var dbMessage DBMessage
		if err := get(messages, idKey(messageID), &dbMessage); err != nil {
			return fmt.Errorf("message %d: %w", messageID, err)
		}
		for _, r := range dbMessage.Reads {
			if r.UserID == userID {
				return nil
			}
		}
		dbMessage.Reads = append(dbMessage.Reads, DBRead{UserID: userID, ReadAt: unixNano(s.now())})
		if err := put(messages, &dbMessage); err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		added = true
		return nil
	})
	return added, err
}

func (s *BboltStorage) GetStatus(userID int64) (models.UserStatus, error) {
	var dbStatus DBStatus
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketStatuses), idKey(userID), &dbStatus)
	})
	if err != nil {
		return models.UserStatus{}, fmt.Errorf("status of user %d: %w", userID, err)
	}
	return dbStatus.model(), nil
}

func (s *BboltStorage) SetStatus(status models.UserStatus) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketUsers).Get(idKey(status.UserID)) == nil {
			return fmt.Errorf("user %d: %w", status.UserID, models.ErrNotFound)
		}
		dbStatus := &DBStatus{UserID: status.UserID, IsOnline: status.IsOnline}
		if status.LastSeen != nil {
			dbStatus.LastSeen = unixNano(*status.LastSeen)
		}
		return put(tx.Bucket(bucketStatuses), dbStatus)
	})
}

// ResetPresence flips every status still flagged online to offline.
func (s *BboltStorage) ResetPresence() (int, error) {
	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStatuses)
		var stale []*DBStatus
		err := b.ForEach(func(_, v []byte) error {
			var dbStatus DBStatus
			if err := dbStatus.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbStatus.IsOnline {
				stale = append(stale, &dbStatus)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Buckets must not be modified inside ForEach.
		for _, st := range stale {
			st.IsOnline = false
			if err := put(b, st); err != nil {
				return err
			}
		}
		count = len(stale)
		return nil
	})
	return count, err
}
