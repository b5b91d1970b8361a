package storage

import (
	"errors"
	"fmt"
	"time"

	"timecapsule/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketOrders        = []byte("orders")
	bucketRooms         = []byte("rooms")
	bucketMessages      = []byte("messages")
	bucketUsers         = []byte("users")
	bucketSubscriptions = []byte("push_subscriptions")
	bucketFiles         = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketOrders,
			bucketRooms,
			bucketMessages,
			bucketUsers,
			bucketSubscriptions,
			bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertOrder stores a new or updated order.
func (s *BboltStorage) UpsertOrder(order models.Order) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOrders)
		dbOrder := &DBOrder{
			ID:        order.ID,
			Amount:    order.Amount,
			Status:    string(order.Status),
			CapsuleID: order.CapsuleID,
			CreatedAt: order.CreatedAt,
			UpdatedAt: order.UpdatedAt,
		}
		data, err := dbOrder.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbOrder.Key(), data)
	})
}

func (s *BboltStorage) GetOrder(id string) (models.Order, error) {
	var order models.Order
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketOrders).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbOrder DBOrder
		if err := dbOrder.UnmarshalBinary(data); err != nil {
			return err
		}
		order = models.Order{
			ID:        dbOrder.ID,
			Amount:    dbOrder.Amount,
			Status:    models.OrderStatus(dbOrder.Status),
			CapsuleID: dbOrder.CapsuleID,
			CreatedAt: dbOrder.CreatedAt,
			UpdatedAt: dbOrder.UpdatedAt,
		}
		return nil
	})
	return order, err
}

// UpsertRoom saves a room to the database.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		dbRoom := &DBRoom{
			ID:        room.ID,
			OrderID:   room.OrderID,
			Kind:      string(room.Kind),
			CreatedAt: room.CreatedAt,
		}
		data, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbRoom.Key(), data)
	})
}

func (s *BboltStorage) GetRoom(id string) (models.Room, error) {
	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		room = models.Room{
			ID:        dbRoom.ID,
			OrderID:   dbRoom.OrderID,
			Kind:      models.RoomKind(dbRoom.Kind),
			CreatedAt: dbRoom.CreatedAt,
		}
		return nil
	})
	return room, err
}

// ListRooms returns all rooms stored in the database.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, models.Room{
				ID:        dbRoom.ID,
				OrderID:   dbRoom.OrderID,
				Kind:      models.RoomKind(dbRoom.Kind),
				CreatedAt: dbRoom.CreatedAt,
			})
			return nil
		})
	})
	return rooms, err
}

// UpsertMessage saves a chat message under its room bucket, keyed by seq.
// A message written twice (e.g. an edit bumping updated_at) overwrites the
// earlier copy.
func (s *BboltStorage) UpsertMessage(message models.ChatMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if message.RoomID == "" {
			return errors.New("message missing room id")
		}

		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		dbMessage := DBMessage{
			ID:            message.ID,
			RoomID:        message.RoomID,
			Seq:           message.Seq,
			SenderType:    string(message.SenderType),
			Content:       message.Content,
			IsReadByAdmin: message.IsReadByAdmin,
			IsReadByUser:  message.IsReadByUser,
			CreatedAt:     message.CreatedAt,
			UpdatedAt:     message.UpdatedAt,
		}

		if len(message.Attachments) > 0 {
			dbMessage.Attachments = make([]DBAttachment, len(message.Attachments))
			for i, a := range message.Attachments {
				dbMessage.Attachments[i] = DBAttachment{
					Type:     string(a.Type),
					Name:     a.Name,
					MimeType: a.MimeType,
					FileID:   a.FileID,
				}
			}
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return roomBucket.Put(dbMessage.Key(), data)
	})
}

// ListMessagesPage returns one page of a room's history. Offset counts back
// from the newest message, so offset 0 is the latest page; messages within
// the page come back ascending by seq. HasNext reports whether an older
// page exists.
func (s *BboltStorage) ListMessagesPage(roomID string, limit, offset int) (models.HistoryPage, error) {
	page := models.HistoryPage{
		Messages: []models.ChatMessage{},
		Limit:    limit,
		Offset:   offset,
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // no messages yet
		}

		c := roomBucket.Cursor()
		skipped := 0
		var collected []models.ChatMessage

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(collected) == limit {
				page.HasNext = true
				break
			}

			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			collected = append(collected, dbMessageToModel(dbMsg))
		}

		// Collected newest-first, flip to ascending.
		for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
			collected[i], collected[j] = collected[j], collected[i]
		}
		page.Messages = collected
		return nil
	})
	return page, err
}

func dbMessageToModel(dbMsg DBMessage) models.ChatMessage {
	msg := models.ChatMessage{
		ID:            dbMsg.ID,
		RoomID:        dbMsg.RoomID,
		Seq:           dbMsg.Seq,
		SenderType:    models.SenderType(dbMsg.SenderType),
		Content:       dbMsg.Content,
		IsReadByAdmin: dbMsg.IsReadByAdmin,
		IsReadByUser:  dbMsg.IsReadByUser,
		CreatedAt:     dbMsg.CreatedAt,
		UpdatedAt:     dbMsg.UpdatedAt,
	}
	if len(dbMsg.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(dbMsg.Attachments))
		for i, a := range dbMsg.Attachments {
			msg.Attachments[i] = models.Attachment{
				Type:     models.AttachmentType(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			}
		}
	}
	return msg
}

// LastSeq returns the highest message sequence number in a room, or -1 if
// the room has no messages.
func (s *BboltStorage) LastSeq(roomID string) (int64, error) {
	seq := int64(-1)
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}
		k, v := roomBucket.Cursor().Last()
		if k == nil {
			return nil
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return err
		}
		seq = dbMsg.Seq
		return nil
	})
	return seq, err
}

func (s *BboltStorage) UpsertUser(user DBUser) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := user.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(user.Key(), data)
	})
}

func (s *BboltStorage) GetUser(userName string) (DBUser, error) {
	var user DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(userName))
		if data == nil {
			return models.ErrNotFound
		}
		return user.UnmarshalBinary(data)
	})
	return user, err
}

// ListUsers returns all persisted users.
func (s *BboltStorage) ListUsers() ([]DBUser, error) {
	var users []DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user DBUser
			if err := user.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, user)
			return nil
		})
	})
	return users, err
}

func (s *BboltStorage) UpsertPushSubscription(sub DBPushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSubscriptions).Put(sub.Key(), data)
	})
}

func (s *BboltStorage) GetPushSubscription(userID string) (DBPushSubscription, error) {
	var sub DBPushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSubscriptions).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		return sub.UnmarshalBinary(data)
	})
	return sub, err
}

func (s *BboltStorage) DeletePushSubscription(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(userID))
	})
}
