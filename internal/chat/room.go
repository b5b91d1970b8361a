package chat

import (
	"sync"

	"timecapsule/internal/models"
)

// Room keeps the recent messages of one capsule or support room in a ring
// buffer, assigns sequence numbers, and fans new messages out to members.
// Older history lives in storage; the buffer only serves the live window.
type Room struct {
	ID         string
	Kind       models.RoomKind
	Messages   []models.ChatMessage
	Members    map[string]bool
	FirstSeq   int64
	LastSeq    int64
	LastIndex  int
	MaxRecords int

	MessageCallback func(receiverID string, msg models.ChatMessage)

	mux sync.RWMutex
}

type Config struct {
	ID   string
	Kind models.RoomKind
	// MaxRecords bounds the ring buffer.
	MaxRecords int
	// ResumeSeq is the last sequence number already persisted for this
	// room, or -1 for a fresh room. New messages continue from there.
	ResumeSeq       int64
	MessageCallback func(receiverID string, msg models.ChatMessage)
}

func New(config Config) *Room {
	return &Room{
		ID:              config.ID,
		Kind:            config.Kind,
		MaxRecords:      config.MaxRecords,
		LastIndex:       -1,
		FirstSeq:        -1,
		LastSeq:         config.ResumeSeq,
		Members:         make(map[string]bool),
		MessageCallback: config.MessageCallback,
	}
}

// AddMessage assigns the next sequence number, stores the message in the
// ring buffer, and notifies online members. Returns the stored message.
func (r *Room) AddMessage(msg models.ChatMessage) models.ChatMessage {
	r.mux.Lock()

	r.LastSeq++
	msg.Seq = r.LastSeq
	msg.RoomID = r.ID

	switch {
	case len(r.Messages) < r.MaxRecords:
		if r.FirstSeq == -1 {
			r.FirstSeq = r.LastSeq
		}
		r.Messages = append(r.Messages, msg)
		r.LastIndex++
	default:
		r.FirstSeq++
		i := (r.LastIndex + 1) % r.MaxRecords
		r.Messages[i] = msg
		r.LastIndex = i
	}

	// Snapshot the online members and fan out after releasing the lock.
	// The callback takes hub-level locks, and hub code takes r.mux while
	// holding them; invoking it under r.mux would invert that order.
	var recipients []string
	if r.MessageCallback != nil {
		for receiverID, online := range r.Members {
			if online {
				recipients = append(recipients, receiverID)
			}
		}
	}
	r.mux.Unlock()

	for _, receiverID := range recipients {
		r.MessageCallback(receiverID, msg)
	}

	return msg
}

// GetMessages returns the buffered messages in the half-open seq range
// [from, to). The range is clamped to what the buffer still holds.
func (r *Room) GetMessages(from, to int64) ([]models.ChatMessage, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if r.FirstSeq == -1 {
		return []models.ChatMessage{}, nil
	}

	if from < r.FirstSeq {
		from = r.FirstSeq
	}
	if to > r.LastSeq+1 {
		to = r.LastSeq + 1
	}
	if from >= to {
		return []models.ChatMessage{}, nil
	}

	count := int(to - from)
	result := make([]models.ChatMessage, count)

	// Head index (oldest record) in the ring buffer.
	head := 0
	if len(r.Messages) == r.MaxRecords {
		head = (r.LastIndex + 1) % r.MaxRecords
	}

	offset := int(from - r.FirstSeq)
	startIdx := (head + offset) % len(r.Messages)

	if startIdx+count <= len(r.Messages) {
		copy(result, r.Messages[startIdx:startIdx+count])
	} else {
		n1 := len(r.Messages) - startIdx
		copy(result, r.Messages[startIdx:])
		copy(result[n1:], r.Messages[:count-n1])
	}

	return result, nil
}

// GetLastMessages returns up to count of the newest buffered messages.
func (r *Room) GetLastMessages(count int) ([]models.ChatMessage, error) {
	r.mux.RLock()
	last := r.LastSeq
	first := r.FirstSeq
	r.mux.RUnlock()

	if first == -1 {
		return []models.ChatMessage{}, nil
	}

	total := int(last - first + 1)
	if count > total {
		count = total
	}

	return r.GetMessages(last-int64(count)+1, last+1)
}

func (r *Room) addMember(userID string, online bool) {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.Members[userID] = online
}

func (r *Room) Join(userID string) {
	r.addMember(userID, true)
}

func (r *Room) Leave(userID string) {
	r.addMember(userID, false)
}

// OfflineMembers returns members currently marked offline, for push
// notification delivery.
func (r *Room) OfflineMembers() []string {
	r.mux.RLock()
	defer r.mux.RUnlock()

	var offline []string
	for userID, online := range r.Members {
		if !online {
			offline = append(offline, userID)
		}
	}
	return offline
}
