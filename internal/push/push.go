package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"timecapsule/internal/models"
	"timecapsule/internal/storage"
)

// Notifier sends web-push notifications to room members who are offline
// when a message arrives. With no VAPID keys configured it is a no-op.
type Notifier struct {
	vapidPublic  string
	vapidPrivate string
	contact      string
	store        *storage.BboltStorage
}

func NewNotifier(vapidPublic, vapidPrivate, contact string, store *storage.BboltStorage) *Notifier {
	return &Notifier{
		vapidPublic:  vapidPublic,
		vapidPrivate: vapidPrivate,
		contact:      contact,
		store:        store,
	}
}

func (n *Notifier) Enabled() bool {
	return n.vapidPublic != "" && n.vapidPrivate != ""
}

type notificationPayload struct {
	RoomID  string `json:"room_id"`
	Preview string `json:"preview"`
}

// NotifyNewMessage pushes a notification about msg to userID. Expired
// subscriptions (404/410 from the push service) are dropped from storage.
func (n *Notifier) NotifyNewMessage(userID string, msg models.ChatMessage) error {
	if !n.Enabled() {
		return nil
	}

	dbSub, err := n.store.GetPushSubscription(userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}

	var sub webpush.Subscription
	if err := json.Unmarshal(dbSub.Subscription, &sub); err != nil {
		return fmt.Errorf("corrupt push subscription for user %s: %w", userID, err)
	}

	preview := msg.Content
	if len(preview) > 80 {
		preview = preview[:80]
	}
	payload, err := json.Marshal(notificationPayload{
		RoomID:  msg.RoomID,
		Preview: preview,
	})
	if err != nil {
		return err
	}

	resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
		Subscriber:      n.contact,
		VAPIDPublicKey:  n.vapidPublic,
		VAPIDPrivateKey: n.vapidPrivate,
		TTL:             60,
	})
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		slog.Info("dropping expired push subscription", "user_id", userID)
		return n.store.DeletePushSubscription(userID)
	}

	return nil
}
