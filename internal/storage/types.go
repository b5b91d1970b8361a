package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBOrder struct {
	ID        string `msgpack:"id"`
	Amount    int64  `msgpack:"amount"`
	Status    string `msgpack:"status"`
	CapsuleID string `msgpack:"capsuleId"`
	CreatedAt int64  `msgpack:"createdAt"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

func (o *DBOrder) Key() []byte {
	return []byte(o.ID)
}

func (o *DBOrder) MarshalBinary() (data []byte, err error) {
	type alias DBOrder
	return msgpack.Marshal((*alias)(o))
}

func (o *DBOrder) UnmarshalBinary(data []byte) error {
	type alias DBOrder
	return msgpack.Unmarshal(data, (*alias)(o))
}

type DBRoom struct {
	ID        string `msgpack:"id"`
	OrderID   string `msgpack:"orderId"`
	Kind      string `msgpack:"kind"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMessage struct {
	ID            string         `msgpack:"id"`
	RoomID        string         `msgpack:"roomId"`
	Seq           int64          `msgpack:"seq"`
	SenderType    string         `msgpack:"senderType"`
	Content       string         `msgpack:"content"`
	Attachments   []DBAttachment `msgpack:"attachments"`
	IsReadByAdmin bool           `msgpack:"isReadByAdmin"`
	IsReadByUser  bool           `msgpack:"isReadByUser"`
	CreatedAt     int64          `msgpack:"createdAt"`
	UpdatedAt     int64          `msgpack:"updatedAt"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
}

// Key orders messages by sequence number within a room bucket.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBUser struct {
	ID           string `msgpack:"id"`
	UserName     string `msgpack:"userName"`
	PasswordHash string `msgpack:"passwordHash"`
	IsAdmin      bool   `msgpack:"isAdmin"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.UserName)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBPushSubscription struct {
	UserID       string `msgpack:"userId"`
	Subscription []byte `msgpack:"subscription"` // raw webpush subscription JSON
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.UserID)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
