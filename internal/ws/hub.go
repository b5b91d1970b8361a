package ws

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"timecapsule/internal/chat"
	"timecapsule/internal/content"
	"timecapsule/internal/models"
	"timecapsule/internal/push"
	"timecapsule/internal/storage"
)

const roomBufferSize = 100

// Hub owns the live rooms and the per-user delivery channels. One session
// channel per user: a second websocket for the same user forces a
// duplicate_session disconnect on the first.
type Hub struct {
	rooms          map[string]*chat.Room
	connectedUsers map[string]chan models.ServerFrame

	store    *storage.BboltStorage
	notifier *push.Notifier

	mu sync.RWMutex
}

func NewHub(store *storage.BboltStorage, notifier *push.Notifier) (*Hub, error) {
	h := &Hub{
		rooms:          make(map[string]*chat.Room),
		connectedUsers: make(map[string]chan models.ServerFrame),
		store:          store,
		notifier:       notifier,
	}

	// Rehydrate rooms so sequence numbers continue where storage left off.
	rooms, err := store.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	for _, room := range rooms {
		lastSeq, err := store.LastSeq(room.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read last seq for room %s: %w", room.ID, err)
		}
		h.rooms[room.ID] = h.newRoom(room, lastSeq)
	}

	return h, nil
}

func (h *Hub) newRoom(room models.Room, resumeSeq int64) *chat.Room {
	return chat.New(chat.Config{
		ID:              room.ID,
		Kind:            room.Kind,
		MaxRecords:      roomBufferSize,
		ResumeSeq:       resumeSeq,
		MessageCallback: h.deliver,
	})
}

// EnsureRoom persists the room and creates its live buffer if missing.
func (h *Hub) EnsureRoom(room models.Room) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[room.ID]; ok {
		return nil
	}
	if err := h.store.UpsertRoom(room); err != nil {
		return fmt.Errorf("failed to persist room: %w", err)
	}
	h.rooms[room.ID] = h.newRoom(room, -1)
	return nil
}

// Join opens the user's session channel. An existing session for the same
// user is forced out with a duplicate_session disconnect frame first.
func (h *Hub) Join(userID string) chan models.ServerFrame {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.connectedUsers[userID]; ok {
		select {
		case old <- models.ServerFrame{
			Type:   models.ServerFrameTypeDisconnect,
			Reason: models.DisconnectReasonDuplicateSession,
		}:
		default:
		}
		close(old)
		delete(h.connectedUsers, userID)
	}

	ch := make(chan models.ServerFrame, 100)
	h.connectedUsers[userID] = ch
	return ch
}

func (h *Hub) Leave(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.connectedUsers[userID]; ok {
		close(ch)
		delete(h.connectedUsers, userID)
	}

	for _, room := range h.rooms {
		room.Leave(userID)
	}
}

// JoinRoom registers the user as an online member of the room. The room
// must exist; the join_room handshake is acknowledged by the caller.
func (h *Hub) JoinRoom(userID, roomID string) error {
	if err := content.ValidateRoomID(roomID); err != nil {
		return err
	}

	h.mu.RLock()
	room, ok := h.rooms[roomID]
	h.mu.RUnlock()

	if !ok {
		return models.ErrNotFound
	}

	room.Join(userID)
	return nil
}

// Dispatch turns a send frame into a stored, fanned-out chat message.
// Content is sanitized; admin replies are additionally rendered from
// markdown.
func (h *Hub) Dispatch(userID string, senderType models.SenderType, frame models.ClientFrame) error {
	h.mu.RLock()
	room, ok := h.rooms[frame.RoomID]
	h.mu.RUnlock()

	if !ok {
		return models.ErrNotFound
	}

	body := content.Sanitize(frame.Content)
	if senderType == models.SenderTypeAdmin {
		rendered, err := content.RenderMarkdown(frame.Content)
		if err == nil {
			body = rendered
		}
	}

	now := time.Now().UnixMilli()
	msg := models.ChatMessage{
		ID:            uuid.NewString(),
		SenderType:    senderType,
		Content:       body,
		Attachments:   frame.Attachments,
		IsReadByAdmin: senderType == models.SenderTypeAdmin,
		IsReadByUser:  senderType == models.SenderTypeUser,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	stored := room.AddMessage(msg)

	if err := h.store.UpsertMessage(stored); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}

	if h.notifier != nil && h.notifier.Enabled() {
		for _, offlineID := range room.OfflineMembers() {
			if err := h.notifier.NotifyNewMessage(offlineID, stored); err != nil {
				slog.Warn("push notification failed", "user_id", offlineID, "error", err)
			}
		}
	}

	return nil
}

// deliver is the room fan-out callback: it forwards a message to the
// receiver's session channel. A receiver whose channel is full is dropped,
// their connection will notice the closed channel and exit.
func (h *Hub) deliver(receiverID string, msg models.ChatMessage) {
	frame := models.ServerFrame{
		Type:    models.ServerFrameTypeMessage,
		RoomID:  msg.RoomID,
		Message: &msg,
	}

	// Session channels are closed only while h.mu is held for writing, so
	// a non-blocking send under the read lock can never hit a closed
	// channel.
	h.mu.RLock()
	ch, online := h.connectedUsers[receiverID]
	delivered := true
	if online {
		select {
		case ch <- frame:
		default:
			delivered = false
		}
	}
	h.mu.RUnlock()

	if !online || delivered {
		return
	}

	slog.Warn("dropping slow consumer", "user_id", receiverID)
	h.mu.Lock()
	if cur, ok := h.connectedUsers[receiverID]; ok && cur == ch {
		close(cur)
		delete(h.connectedUsers, receiverID)
	}
	h.mu.Unlock()
}

// Shutdown pushes a server_shutdown disconnect to every connected user and
// closes their channels.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, ch := range h.connectedUsers {
		select {
		case ch <- models.ServerFrame{
			Type:   models.ServerFrameTypeDisconnect,
			Reason: models.DisconnectReasonServerShutdown,
		}:
		default:
		}
		close(ch)
		delete(h.connectedUsers, userID)
	}
}

// RoomExists reports whether a live room with the id is known to the hub.
func (h *Hub) RoomExists(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID]
	return ok
}
