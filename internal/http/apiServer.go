package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"parley/internal/api"
	"parley/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewHandler(apiHandlers, wsServer),
		},
	}
}

// NewHandler builds the routing table of the public API.
func NewHandler(apiHandlers *api.API, wsServer *ws.Server) http.Handler {
	mux := http.NewServeMux()

	// Accounts
	mux.HandleFunc("POST /api/register", api.RequireSameOrigin(apiHandlers.RegisterHandler))
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))

	// Persisted state
	mux.HandleFunc("GET /api/chats", apiHandlers.RequireAuth(apiHandlers.ChatsHandler))
	mux.HandleFunc("POST /api/chats", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.CreateChatHandler)))
	mux.HandleFunc("GET /api/chats/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/messages", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.SendMessageHandler)))
	mux.HandleFunc("POST /api/messages/{id}/read", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.ReadHandler)))
	mux.HandleFunc("GET /api/users/{id}/status", apiHandlers.RequireAuth(apiHandlers.StatusHandler))

	// Attachments
	mux.HandleFunc("POST /api/attachments", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UploadHandler)))
	mux.HandleFunc("GET /api/attachments/{name}", apiHandlers.RequireAuth(apiHandlers.AttachmentHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", wsServer.HandleConnections)

	return mux
}

func (s *APIServer) Start() error {
	slog.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
