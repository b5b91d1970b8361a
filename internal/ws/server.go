package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"timecapsule/internal/auth"
	"timecapsule/internal/models"
)

type Server struct {
	auth     *auth.AuthService
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(auth *auth.AuthService, hub *Hub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Same-origin enforcement happens at the API layer
			},
		},
	}
}

// HandleConnections authenticates the bearer token and hands the upgraded
// connection to the hub.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	userID, isAdmin, err := s.auth.Identity(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	senderType := models.SenderTypeUser
	if isAdmin {
		senderType = models.SenderTypeAdmin
	}

	conn := NewConnection(s.hub, ws, userID, senderType)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("websocket session ended with error: %v", err)
	}
}

// bearerToken extracts the token from the Authorization header, the token
// header, or the token query parameter, in that order.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.Header.Get("token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}
