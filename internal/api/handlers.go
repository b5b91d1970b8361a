package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"timecapsule/internal/auth"
	"timecapsule/internal/filestore"
	"timecapsule/internal/gateway"
	"timecapsule/internal/models"
	"timecapsule/internal/storage"
	"timecapsule/internal/ws"
)

const (
	defaultHistoryLimit = 30
	maxHistoryLimit     = 100
	maxUploadSize       = 10 << 20
)

// gatewayClient is the confirm operation the handlers need from the
// payment gateway.
type gatewayClient interface {
	Confirm(ctx context.Context, req gateway.ConfirmRequest) (gateway.ConfirmResponse, error)
}

type API struct {
	auth    *auth.AuthService
	hub     *ws.Hub
	store   *storage.BboltStorage
	files   filestore.FileStore
	gateway gatewayClient

	// confirming marks orders with an in-flight gateway confirmation. A
	// second confirm for the same order while one is running gets the
	// processing-conflict payload instead of a second gateway call.
	confirmingMu sync.Mutex
	confirming   map[string]bool
}

func New(
	authService *auth.AuthService,
	hub *ws.Hub,
	store *storage.BboltStorage,
	files filestore.FileStore,
	gw gatewayClient,
) *API {
	return &API{
		auth:       authService,
		hub:        hub,
		store:      store,
		files:      files,
		gateway:    gw,
		confirming: make(map[string]bool),
	}
}

func (a *API) getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth resolves the bearer token and stores the user id in the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	loginResp, _ := a.auth.Login(req)

	if !loginResp.Success {
		w.WriteHeader(http.StatusUnauthorized)
		if err := json.NewEncoder(w).Encode(loginResp); err != nil {
			log.Printf("failed to encode login response: %v", err)
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})

	writeJSON(w, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
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

// OrderHandler serves the order-status poll: {order_status, capsule_id, ...}.
func (a *API) OrderHandler(w http.ResponseWriter, r *http.Request) {
	order, err := a.store.GetOrder(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeGatewayError(w, http.StatusNotFound, gateway.Error{Code: "NOT_FOUND", Message: "order not found"})
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, order)
}

type confirmResponse struct {
	Status    models.OrderStatus `json:"status"`
	CapsuleID string             `json:"capsule_id,omitempty"`
}

// ConfirmHandler confirms a payment with the gateway exactly once per
// order at a time, marks the order paid, and creates the capsule room.
func (a *API) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	var req gateway.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGatewayError(w, http.StatusBadRequest, gateway.Error{Code: "INVALID_REQUEST", Message: "malformed confirm request"})
		return
	}
	if req.PaymentKey == "" || req.OrderID == "" || req.Amount <= 0 {
		writeGatewayError(w, http.StatusBadRequest, gateway.Error{Code: "INVALID_REQUEST", Message: "payment_key, order_id and amount are required"})
		return
	}

	order, err := a.store.GetOrder(req.OrderID)
	if err != nil {
		writeGatewayError(w, http.StatusNotFound, gateway.Error{Code: "NOT_FOUND", Message: "order not found"})
		return
	}
	if order.Amount != req.Amount {
		writeGatewayError(w, http.StatusBadRequest, gateway.Error{Code: "INVALID_REQUEST", Message: "amount does not match the order"})
		return
	}

	if order.Status == models.OrderStatusPaid {
		order, err = a.ensureCapsule(order)
		if err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, confirmResponse{Status: order.Status, CapsuleID: order.CapsuleID})
		return
	}

	a.confirmingMu.Lock()
	if a.confirming[req.OrderID] {
		a.confirmingMu.Unlock()
		writeGatewayError(w, http.StatusConflict, gateway.Error{
			Code:    gateway.CodeProcessing,
			Message: "payment is already processing",
		})
		return
	}
	a.confirming[req.OrderID] = true
	a.confirmingMu.Unlock()
	defer func() {
		a.confirmingMu.Lock()
		delete(a.confirming, req.OrderID)
		a.confirmingMu.Unlock()
	}()

	result, err := a.gateway.Confirm(r.Context(), req)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			writeGatewayError(w, http.StatusBadGateway, *gwErr)
			return
		}
		writeGatewayError(w, http.StatusBadGateway, gateway.Error{Code: "GATEWAY_UNAVAILABLE", Message: "payment gateway is unreachable"})
		return
	}
	if result.Status != models.OrderStatusPaid {
		order.Status = models.OrderStatusFailed
		order.UpdatedAt = time.Now().UnixMilli()
		_ = a.store.UpsertOrder(order)
		writeJSON(w, confirmResponse{Status: result.Status})
		return
	}

	order.Status = models.OrderStatusPaid
	order.UpdatedAt = time.Now().UnixMilli()
	order, err = a.ensureCapsule(order)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, confirmResponse{Status: models.OrderStatusPaid, CapsuleID: order.CapsuleID})
}

// ensureCapsule creates the destination room for a paid order if it does
// not exist yet and persists the updated order. Idempotent.
func (a *API) ensureCapsule(order models.Order) (models.Order, error) {
	if order.CapsuleID == "" {
		room := models.Room{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			Kind:      models.RoomKindCapsule,
			CreatedAt: time.Now().UnixMilli(),
		}
		if err := a.hub.EnsureRoom(room); err != nil {
			return order, err
		}
		order.CapsuleID = room.ID
		order.UpdatedAt = time.Now().UnixMilli()
	}
	if err := a.store.UpsertOrder(order); err != nil {
		return order, err
	}
	return order, nil
}

type createRoomRequest struct {
	OrderID string `json:"order_id"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

// CreateRoomHandler resolves a paid order to its room, creating the room
// when the confirmation left it behind.
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeGatewayError(w, http.StatusBadRequest, gateway.Error{Code: "INVALID_REQUEST", Message: "order_id is required"})
		return
	}

	order, err := a.store.GetOrder(req.OrderID)
	if err != nil {
		writeGatewayError(w, http.StatusNotFound, gateway.Error{Code: "NOT_FOUND", Message: "order not found"})
		return
	}
	if order.Status != models.OrderStatusPaid {
		writeGatewayError(w, http.StatusConflict, gateway.Error{Code: "NOT_PAID", Message: "order is not paid"})
		return
	}

	order, err = a.ensureCapsule(order)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, createRoomResponse{RoomID: order.CapsuleID})
}

// HistoryHandler serves one page of room history, newest page first.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if !a.hub.RoomExists(roomID) {
		writeGatewayError(w, http.StatusNotFound, gateway.Error{Code: "NOT_FOUND", Message: "room not found"})
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	page, err := a.store.ListMessagesPage(roomID, limit, offset)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, page)
}

type uploadResponse struct {
	FileID   string                `json:"file_id"`
	Type     models.AttachmentType `json:"type"`
	MimeType string                `json:"mime_type"`
	Name     string                `json:"name"`
}

// UploadHandler stores an attachment blob content-addressed by its hash
// and sniffs its real type from the leading bytes.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	attachType, mimeType := filestore.Classify(head, header.Header.Get("Content-Type"))

	if err := a.files.Save(bytes.NewReader(data), hash); err != nil {
		http.Error(w, "Failed to store file", http.StatusInternalServerError)
		return
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		Name:      header.Filename,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := a.store.UpsertFileMetadata(meta); err != nil {
		http.Error(w, "Failed to store file metadata", http.StatusInternalServerError)
		return
	}

	writeJSON(w, uploadResponse{
		FileID:   meta.ID,
		Type:     attachType,
		MimeType: mimeType,
		Name:     header.Filename,
	})
}

// GetFileHandler streams a stored attachment.
func (a *API) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := a.store.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	f, err := a.files.Get(meta.Hash)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("failed to stream file %s: %v", meta.ID, err)
	}
}

// PushSubscribeHandler stores the caller's raw web-push subscription.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<10))
	if err != nil || len(body) == 0 || !json.Valid(body) {
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}

	sub := storage.DBPushSubscription{
		UserID:       UserID(r),
		Subscription: body,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := a.store.UpsertPushSubscription(sub); err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeGatewayError(w http.ResponseWriter, status int, gwErr gateway.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(gwErr); err != nil {
		log.Printf("failed to encode error response: %v", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
