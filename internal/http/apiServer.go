package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"timecapsule/internal/api"
	"timecapsule/internal/auth"
	"timecapsule/internal/filestore"
	"timecapsule/internal/gateway"
	"timecapsule/internal/storage"
	"timecapsule/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	authService *auth.AuthService,
	hub *ws.Hub,
	files filestore.FileStore,
	store *storage.BboltStorage,
	gw *gateway.Client,
	addr string,
) *APIServer {
	server := ws.NewServer(authService, hub)
	apiHandlers := api.New(authService, hub, store, files, gw)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/orders/{id}", apiHandlers.RequireAuth(apiHandlers.OrderHandler))
	mux.HandleFunc("POST /api/payments/confirm", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.ConfirmHandler)))
	mux.HandleFunc("POST /api/rooms", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.CreateRoomHandler)))
	mux.HandleFunc("GET /api/rooms/{id}/messages", apiHandlers.RequireAuth(apiHandlers.HistoryHandler))
	mux.HandleFunc("POST /api/upload", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UploadHandler)))
	mux.HandleFunc("GET /api/files/{id}", apiHandlers.RequireAuth(apiHandlers.GetFileHandler))
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PushSubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("/api/ws", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("API server started on %s", s.server.Addr)
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
