package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"parley/internal/models"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_status (
	user_id INTEGER PRIMARY KEY,
	is_online INTEGER NOT NULL DEFAULT 0,
	last_seen INTEGER,
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS chats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	pair_key TEXT UNIQUE,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_participants (
	chat_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (chat_id, user_id),
	FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id INTEGER NOT NULL,
	sender_id INTEGER NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	attachment TEXT NOT NULL DEFAULT '',
	media_kind TEXT NOT NULL DEFAULT 'text',
	created_at INTEGER NOT NULL,
	FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE,
	FOREIGN KEY (sender_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS message_reads (
	message_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	read_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, user_id),
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chat_participants_user_id ON chat_participants(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, id);
CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at DESC);
`

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

type SQLiteStorage struct {
	conn *sql.DB
	now  func() time.Time
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	// Pragmas go into the DSN so that every pooled connection gets them.
	// Immediate transactions take the write lock up front and avoid
	// SQLITE_BUSY on lock upgrade between racing writers.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec(sqliteSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &SQLiteStorage{conn: conn, now: utcNow}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.conn.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, models.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// CreateUser stores a new user together with its offline status record.
func (s *SQLiteStorage) CreateUser(username, passwordHash string) (models.User, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return models.User{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := s.now()
	result, err := tx.Exec(
		"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, passwordHash, unixNano(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, fmt.Errorf("username %q: %w", username, models.ErrConflict)
		}
		return models.User{}, fmt.Errorf("failed to insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user id: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO user_status (user_id, is_online) VALUES (?, 0)", id); err != nil {
		return models.User{}, fmt.Errorf("failed to insert status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.User{}, fmt.Errorf("failed to commit user: %w", err)
	}

	return models.User{ID: id, Username: username, CreatedAt: fromUnixNano(unixNano(createdAt))}, nil
}

func (s *SQLiteStorage) GetUser(id int64) (models.User, error) {
	var (
		user      models.User
		createdAt int64
	)
	err := s.conn.QueryRow("SELECT id, username, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.Username, &createdAt)
	if err != nil {
		return models.User{}, notFound(err, "user %d", id)
	}
	user.CreatedAt = fromUnixNano(createdAt)
	return user, nil
}

func (s *SQLiteStorage) GetUserByName(username string) (models.User, error) {
	user, _, err := s.GetPasswordHash(username)
	return user, err
}

func (s *SQLiteStorage) GetPasswordHash(username string) (models.User, string, error) {
	var (
		user      models.User
		hash      string
		createdAt int64
	)
	err := s.conn.QueryRow("SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username).
		Scan(&user.ID, &user.Username, &hash, &createdAt)
	if err != nil {
		return models.User{}, "", notFound(err, "user %q", username)
	}
	user.CreatedAt = fromUnixNano(createdAt)
	return user, hash, nil
}

// CreateChat stores a new chat. The UNIQUE pair_key column makes a second
// Single chat for the same pair fail with models.ErrConflict.
func (s *SQLiteStorage) CreateChat(chat models.Chat) (models.Chat, error) {
	participants := models.NormalizeParticipants(chat.ParticipantIDs)
	if err := validateChat(chat.Kind, participants); err != nil {
		return models.Chat{}, err
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range participants {
		var one int
		if err := tx.QueryRow("SELECT 1 FROM users WHERE id = ?", id).Scan(&one); err != nil {
			return models.Chat{}, notFound(err, "participant %d", id)
		}
	}

	var pairKey sql.NullString
	if chat.Kind == models.ChatKindSingle {
		pairKey = sql.NullString{String: models.PairKey(participants[0], participants[1]), Valid: true}
	}

	now := fromUnixNano(unixNano(s.now()))
	result, err := tx.Exec(
		"INSERT INTO chats (kind, name, pair_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		string(chat.Kind), chat.Name, pairKey, unixNano(now), unixNano(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Chat{}, fmt.Errorf("single chat %s: %w", pairKey.String, models.ErrConflict)
		}
		return models.Chat{}, fmt.Errorf("failed to insert chat: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to get chat id: %w", err)
	}

	for _, userID := range participants {
		if _, err := tx.Exec("INSERT INTO chat_participants (chat_id, user_id) VALUES (?, ?)", id, userID); err != nil {
			return models.Chat{}, fmt.Errorf("failed to insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Chat{}, fmt.Errorf("failed to commit chat: %w", err)
	}

	return models.Chat{
		ID:             id,
		Kind:           chat.Kind,
		ParticipantIDs: participants,
		Name:           chat.Name,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func participantsOf(q querier, chatID int64) ([]int64, error) {
	rows, err := q.Query("SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY user_id", chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanChat(q querier, row *sql.Row) (models.Chat, error) {
	var (
		chat                 models.Chat
		kind                 string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&chat.ID, &kind, &chat.Name, &createdAt, &updatedAt); err != nil {
		return models.Chat{}, err
	}
	chat.Kind = models.ChatKind(kind)
	chat.CreatedAt = fromUnixNano(createdAt)
	chat.UpdatedAt = fromUnixNano(updatedAt)

	participants, err := participantsOf(q, chat.ID)
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to load participants: %w", err)
	}
	chat.ParticipantIDs = participants
	return chat, nil
}

func (s *SQLiteStorage) GetChat(id int64) (models.Chat, error) {
	row := s.conn.QueryRow("SELECT id, kind, name, created_at, updated_at FROM chats WHERE id = ?", id)
	chat, err := scanChat(s.conn, row)
	if err != nil {
		return models.Chat{}, notFound(err, "chat %d", id)
	}
	return chat, nil
}

func (s *SQLiteStorage) FindSingleChat(a, b int64) (models.Chat, error) {
	key := models.PairKey(a, b)
	row := s.conn.QueryRow("SELECT id, kind, name, created_at, updated_at FROM chats WHERE pair_key = ?", key)
	chat, err := scanChat(s.conn, row)
	if err != nil {
		return models.Chat{}, notFound(err, "single chat %s", key)
	}
	return chat, nil
}

// ListChatsForUser returns the chats of a user, most recently updated first.
func (s *SQLiteStorage) ListChatsForUser(userID int64) ([]models.Chat, error) {
	rows, err := s.conn.Query(`
		SELECT c.id
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chats := make([]models.Chat, 0, len(ids))
	for _, id := range ids {
		chat, err := s.GetChat(id)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// CreateMessage appends a message to its chat and bumps the chat's updated_at.
func (s *SQLiteStorage) CreateMessage(msg models.Message) (models.Message, error) {
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRow("SELECT 1 FROM chats WHERE id = ?", msg.ChatID).Scan(&one); err != nil {
		return models.Message{}, notFound(err, "chat %d", msg.ChatID)
	}
	err = tx.QueryRow("SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?", msg.ChatID, msg.SenderID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, fmt.Errorf("sender %d in chat %d: %w", msg.SenderID, msg.ChatID, models.ErrForbidden)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to check participant: %w", err)
	}

	createdAt := unixNano(s.now())
	result, err := tx.Exec(`
		INSERT INTO messages (chat_id, sender_id, content, attachment, media_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ChatID, msg.SenderID, msg.Content, msg.Attachment, string(msg.MediaKind), createdAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get message id: %w", err)
	}

	if _, err := tx.Exec("UPDATE chats SET updated_at = ? WHERE id = ?", createdAt, msg.ChatID); err != nil {
		return models.Message{}, fmt.Errorf("failed to update chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("failed to commit message: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = fromUnixNano(createdAt)
	msg.ReadBy = []int64{}
	return msg, nil
}

func readersOf(q querier, messageID int64) ([]int64, error) {
	rows, err := q.Query("SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY read_at, user_id", messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	readers := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		readers = append(readers, id)
	}
	return readers, rows.Err()
}

const selectMessage = "SELECT id, chat_id, sender_id, content, attachment, media_kind, created_at FROM messages"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		msg       models.Message
		mediaKind string
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.Attachment, &mediaKind, &createdAt); err != nil {
		return models.Message{}, err
	}
	msg.MediaKind = models.MediaKind(mediaKind)
	msg.CreatedAt = fromUnixNano(createdAt)
	return msg, nil
}

func (s *SQLiteStorage) GetMessage(id int64) (models.Message, error) {
	msg, err := scanMessage(s.conn.QueryRow(selectMessage+" WHERE id = ?", id))
	if err != nil {
		return models.Message{}, notFound(err, "message %d", id)
	}
	if msg.ReadBy, err = readersOf(s.conn, id); err != nil {
		return models.Message{}, fmt.Errorf("failed to load readers: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a chat with id greater than afterID.
func (s *SQLiteStorage) ListMessages(chatID, afterID int64, limit int) ([]models.Message, error) {
	rows, err := s.conn.Query(selectMessage+" WHERE chat_id = ? AND id > ? ORDER BY id LIMIT ?", chatID, afterID, pageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		messages = append(messages, msg)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range messages {
		if messages[i].ReadBy, err = readersOf(s.conn, messages[i].ID); err != nil {
			return nil, fmt.Errorf("failed to load readers: %w", err)
		}
	}
	sortMessages(messages)
	return messages, nil
}

// AddReadReceipt records that userID has read the message.
// It reports false when the receipt already existed.
func (s *SQLiteStorage) AddReadReceipt(messageID, userID int64) (bool, error) {
	var one int
	if err := s.conn.QueryRow("SELECT 1 FROM messages WHERE id = ?", messageID).Scan(&one); err != nil {
		return false, notFound(err, "message %d", messageID)
	}

	result, err := s.conn.Exec(
		"INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)",
		messageID, userID, unixNano(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert read receipt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStorage) GetStatus(userID int64) (models.UserStatus, error) {
	var (
		status   = models.UserStatus{UserID: userID}
		lastSeen sql.NullInt64
	)
	err := s.conn.QueryRow("SELECT is_online, last_seen FROM user_status WHERE user_id = ?", userID).
		Scan(&status.IsOnline, &lastSeen)
	if err != nil {
		return models.UserStatus{}, notFound(err, "status of user %d", userID)
	}
	if lastSeen.Valid {
		t := fromUnixNano(lastSeen.Int64)
		status.LastSeen = &t
	}
	return status, nil
}

func (s *SQLiteStorage) SetStatus(status models.UserStatus) error {
	if _, err := s.GetUser(status.UserID); err != nil {
		return err
	}

	var lastSeen sql.NullInt64
	if status.LastSeen != nil {
		lastSeen = sql.NullInt64{Int64: unixNano(*status.LastSeen), Valid: true}
	}
	_, err := s.conn.Exec(`
		INSERT INTO user_status (user_id, is_online, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET is_online = excluded.is_online, last_seen = excluded.last_seen
	`, status.UserID, status.IsOnline, lastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert status: %w", err)
	}
	return nil
}

// ResetPresence flips every status still flagged online to offline.
func (s *SQLiteStorage) ResetPresence() (int, error) {
	result, err := s.conn.Exec("UPDATE user_status SET is_online = 0 WHERE is_online = 1")
	if err != nil {
		return 0, fmt.Errorf("failed to reset presence: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}
