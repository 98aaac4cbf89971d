package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/content"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/ws"

	"github.com/h2non/filetype"
)

type messenger interface {
	SendMessage(senderID int64, req ws.SendRequest) (models.Message, error)
	MarkRead(readerID, messageID int64) (bool, error)
}

type statusReader interface {
	GetStatus(userID int64) (models.UserStatus, error)
}

type messageLister interface {
	ListMessages(chatID, afterID int64, limit int) ([]models.Message, error)
}

// API serves the polling surface over persisted state. Live updates go
// through the websocket endpoint.
type API struct {
	auth      *auth.AuthService
	hub       messenger
	index     *chat.Index
	statuses  statusReader
	messages  messageLister
	files     filestore.FileStore
	maxUpload int64
}

func New(
	auth *auth.AuthService,
	hub messenger,
	index *chat.Index,
	statuses statusReader,
	messages messageLister,
	files filestore.FileStore,
	maxUpload int64,
) *API {
	return &API{
		auth:      auth,
		hub:       hub,
		index:     index,
		statuses:  statuses,
		messages:  messages,
		files:     files,
		maxUpload: maxUpload,
	}
}

type CreateChatRequest struct {
	Type         models.ChatKind `json:"type"`
	Name         string          `json:"name,omitempty"`
	Participants []int64         `json:"participants"`
}

type ReadResponse struct {
	Added bool `json:"added"`
}

// UploadResponse carries the reference to put into a message's attachment.
type UploadResponse struct {
	Attachment string           `json:"attachment"`
	MediaKind  models.MediaKind `json:"media_kind"`
	Size       int64            `json:"size"`
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.Register(req)
	if errors.Is(err, auth.ErrUserExists) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp, err := a.auth.Login(req)
	switch {
	case errors.Is(err, auth.ErrTooManyAttempts):
		writeJSON(w, http.StatusTooManyRequests, loginResp)
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, loginResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})

	writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := auth.TokenFromRequest(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := a.index.ChatsForUser(userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// CreateChatHandler returns the existing Single chat between two users with
// 200, or the newly created chat with 201.
func (a *API) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	caller := userIDFrom(r.Context())

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Type.Valid() {
		http.Error(w, "Unknown chat type", http.StatusBadRequest)
		return
	}
	participants := models.NormalizeParticipants(req.Participants)
	if !slices.Contains(participants, caller) {
		http.Error(w, "Caller must be a participant", http.StatusBadRequest)
		return
	}

	switch req.Type {
	case models.ChatKindSingle:
		if len(participants) != 2 {
			http.Error(w, "Single chat needs exactly two participants", http.StatusBadRequest)
			return
		}
		other := participants[0]
		if other == caller {
			other = participants[1]
		}
		c, created, err := a.index.GetOrCreateSingle(caller, other)
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, c)
	case models.ChatKindGroup:
		c, err := a.index.CreateGroup(caller, req.Name, participants)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	caller := userIDFrom(r.Context())
	chatID, ok := pathID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	after, err := queryInt(q.Get("after"))
	if err != nil {
		http.Error(w, "Invalid after", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	c, err := a.index.Chat(chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !c.HasParticipant(caller) {
		writeError(w, models.ErrForbidden)
		return
	}

	msgs, err := a.messages.ListMessages(chatID, after, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req ws.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if (req.Recipient == "") == (req.ChatID == 0) {
		http.Error(w, "Either recipient or chat_id is required", http.StatusBadRequest)
		return
	}

	msg, err := a.hub.SendMessage(userIDFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) ReadHandler(w http.ResponseWriter, r *http.Request) {
	messageID, ok := pathID(w, r)
	if !ok {
		return
	}

	added, err := a.hub.MarkRead(userIDFrom(r.Context()), messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReadResponse{Added: added})
}

func (a *API) StatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}

	status, err := a.statuses.GetStatus(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// UploadHandler stores the raw request body as an attachment.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	blob, err := filestore.Ingest(a.files, r.Body, a.maxUpload)
	if errors.Is(err, filestore.ErrTooLarge) {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	ref := "/api/attachments/" + blob.Name()
	kind, err := content.MediaKindFor(ref, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{Attachment: ref, MediaKind: kind, Size: blob.Size})
}

func (a *API) AttachmentHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	hash, ext, _ := strings.Cut(name, ".")

	rc, err := a.files.Get(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	if t := filetype.GetType(ext); t != filetype.Unknown {
		w.Header().Set("Content-Type", t.MIME.Value)
	}
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("failed to serve attachment", "name", name, "error", err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// writeError maps domain errors to status codes. Chats the caller is not
// part of are reported as missing.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrForbidden):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, models.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
