package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

// Order is a purchase that, once paid, is resolved to a capsule room.
type Order struct {
	ID        string      `json:"order_id"`
	Amount    int64       `json:"amount"`
	Status    OrderStatus `json:"order_status"`
	CapsuleID string      `json:"capsule_id,omitempty"` // room id, set after the room is created
	CreatedAt int64       `json:"created_at"`           // Unix timestamp (milliseconds)
	UpdatedAt int64       `json:"updated_at"`
}

type RoomKind string

const (
	RoomKindCapsule RoomKind = "capsule"
	RoomKindSupport RoomKind = "support"
)

// Room is the destination real-time session a user lands in after a
// successful flow: a capsule waiting room or a support chat room.
type Room struct {
	ID        string   `json:"room_id"`
	OrderID   string   `json:"order_id,omitempty"`
	Kind      RoomKind `json:"kind"`
	CreatedAt int64    `json:"created_at"`
}

type SenderType string

const (
	SenderTypeUser  SenderType = "USER"
	SenderTypeAdmin SenderType = "ADMIN"
)

// MessageStatus is a client-side display tag. It is never persisted.
type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	MimeType string         `json:"mime_type"`
	FileID   string         `json:"file_id"`
}

// ChatMessage is a single message in a room. The same message may reach a
// client twice: once via the paginated history endpoint and once via the
// live stream. The id is the identity; the copy with the later updated_at
// is authoritative.
type ChatMessage struct {
	ID            string        `json:"id"`
	RoomID        string        `json:"room_id"`
	Seq           int64         `json:"seq"`
	SenderType    SenderType    `json:"sender_type"`
	Content       string        `json:"content"`
	Attachments   []Attachment  `json:"attachments,omitempty"`
	IsReadByAdmin bool          `json:"is_read_by_admin"`
	IsReadByUser  bool          `json:"is_read_by_user"`
	CreatedAt     int64         `json:"created_at"`
	UpdatedAt     int64         `json:"updated_at"`
	Status        MessageStatus `json:"status,omitempty"` // transient, client-side only
}

// HistoryPage is one page of the chat history endpoint.
type HistoryPage struct {
	Messages []ChatMessage `json:"messages"`
	HasNext  bool          `json:"has_next"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
}

type ClientFrameType string

const (
	ClientFrameTypeJoinRoom ClientFrameType = "join_room"
	ClientFrameTypeSend     ClientFrameType = "send"
)

// ClientFrame is a message sent from the client to the server over the
// websocket connection.
type ClientFrame struct {
	Type        ClientFrameType `json:"type"`
	RoomID      string          `json:"room_id,omitempty"`
	Content     string          `json:"content,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
}

type ServerFrameType string

const (
	ServerFrameTypeJoined     ServerFrameType = "joined"
	ServerFrameTypeMessage    ServerFrameType = "message"
	ServerFrameTypeError      ServerFrameType = "error"
	ServerFrameTypeDisconnect ServerFrameType = "disconnect"
)

// Disconnect reasons pushed by the server. A disconnect frame is a
// server-forced disconnect and is fatal for the client; a plain transport
// drop never carries one.
const (
	DisconnectReasonRoomClosed       = "room_closed"
	DisconnectReasonDuplicateSession = "duplicate_session"
	DisconnectReasonServerShutdown   = "server_shutdown"
)

// ServerFrame is a message pushed from the server to the client.
type ServerFrame struct {
	Type    ServerFrameType `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message *ChatMessage    `json:"message,omitempty"`
}
