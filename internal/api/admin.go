package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"timecapsule/internal/auth"
	"timecapsule/internal/models"
	"timecapsule/internal/storage"
	"timecapsule/internal/ws"
)

// AdminHandler serves the management endpoints bound to the local-only
// admin listener: user provisioning and order creation.
type AdminHandler struct {
	auth  *auth.AuthService
	store *storage.BboltStorage
	hub   *ws.Hub
}

func NewAdminHandler(authService *auth.AuthService, store *storage.BboltStorage, hub *ws.Hub) *AdminHandler {
	return &AdminHandler{
		auth:  authService,
		store: store,
		hub:   hub,
	}
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

type createUserResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

func (h *AdminHandler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	creds, err := h.auth.AddUser(req.Username, req.Password, req.IsAdmin)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			http.Error(w, "user already exists", http.StatusConflict)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	err = h.store.UpsertUser(storage.DBUser{
		ID:           creds.UserID,
		UserName:     creds.Username,
		PasswordHash: creds.PasswordHash,
		IsAdmin:      creds.IsAdmin,
		CreatedAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, createUserResponse{
		UserID:   creds.UserID,
		Username: creds.Username,
		IsAdmin:  creds.IsAdmin,
	})
}

type createOrderRequest struct {
	Amount int64 `json:"amount"`
}

// CreateOrderHandler registers a pending order that a later payment
// confirmation can resolve.
func (h *AdminHandler) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		http.Error(w, "a positive amount is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UnixMilli()
	order := models.Order{
		ID:        uuid.NewString(),
		Amount:    req.Amount,
		Status:    models.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.UpsertOrder(order); err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, order)
}

type createSupportRoomRequest struct {
	RoomID string `json:"room_id"`
}

// CreateSupportRoomHandler opens a support room not tied to any order.
func (h *AdminHandler) CreateSupportRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req createSupportRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RoomID == "" {
		req.RoomID = uuid.NewString()
	}

	room := models.Room{
		ID:        req.RoomID,
		Kind:      models.RoomKindSupport,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := h.hub.EnsureRoom(room); err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, createRoomResponse{RoomID: room.ID})
}
