package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"timecapsule/internal/api"
	"timecapsule/internal/auth"
	"timecapsule/internal/gateway"
	"timecapsule/internal/storage"
	"timecapsule/internal/ws"
)

// AdminServer binds the management endpoints to a separate listener so
// they can stay local-only. When stub is non-nil the built-in payment
// gateway is mounted under /gateway for setups without a real gateway.
type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(
	authService *auth.AuthService,
	store *storage.BboltStorage,
	hub *ws.Hub,
	stub *gateway.Stub,
	addr string,
) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, store, hub)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.CreateUserHandler)
	mux.HandleFunc("POST /admin/orders", adminHandler.CreateOrderHandler)
	mux.HandleFunc("POST /admin/rooms/support", adminHandler.CreateSupportRoomHandler)

	if stub != nil {
		mux.Handle("/gateway/", http.StripPrefix("/gateway", stub.Handler()))
	}

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
