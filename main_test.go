package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"timecapsule/internal/client"
	"timecapsule/internal/models"
	"timecapsule/internal/payment"
	"timecapsule/internal/wsclient"
)

func TestIntegration(t *testing.T) {
	tmp := t.TempDir()
	adminAddr := "127.0.0.1:18881"
	apiAddr := "127.0.0.1:18880"
	apiURL := "http://" + apiAddr

	_ = os.Setenv("TIMECAPSULE_DB", filepath.Join(tmp, "integration.db"))
	_ = os.Setenv("UPLOADS_PATH", filepath.Join(tmp, "uploads"))
	_ = os.Setenv("ADMIN_ADDR", adminAddr)
	_ = os.Setenv("API_ADDR", apiAddr)
	_ = os.Setenv("AUTH_SECRET", "very-secure-test-secret")
	defer func() {
		_ = os.Unsetenv("TIMECAPSULE_DB")
		_ = os.Unsetenv("UPLOADS_PATH")
		_ = os.Unsetenv("ADMIN_ADDR")
		_ = os.Unsetenv("API_ADDR")
		_ = os.Unsetenv("AUTH_SECRET")
	}()

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/users", adminAddr), 50)

	httpClient := &http.Client{}

	// Step 1: Create a user via the admin API
	username := "testuser"
	password := "securepassword"
	userBody, _ := json.Marshal(map[string]any{
		"username": username,
		"password": password,
	})
	resp, err := httpClient.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewReader(userBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Step 2: Create a pending order
	orderBody, _ := json.Marshal(map[string]any{"amount": 5000})
	resp, err = httpClient.Post(fmt.Sprintf("http://%s/admin/orders", adminAddr), "application/json", bytes.NewReader(orderBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var order models.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&order))
	require.NotEmpty(t, order.ID)
	require.Equal(t, models.OrderStatusPending, order.Status)

	// Step 3: Login
	c := client.New(apiURL)
	require.NoError(t, c.Login(ctx, username, password))
	require.NotEmpty(t, c.Token())

	// Step 4: Run the payment confirmation flow against the stub gateway
	flow := payment.New(payment.Config{Backend: c})
	snap := flow.Run(ctx, payment.Params{
		PaymentKey: "pk-integration-1",
		OrderID:    order.ID,
		Amount:     5000,
	})
	require.Equal(t, payment.StateSuccess, snap.State, "flow error: %s", snap.Error)
	require.NotEmpty(t, snap.RoomID)
	roomID := snap.RoomID

	// Step 5: Re-running the flow for the same order resolves to the same
	// room without paying twice.
	again := payment.New(payment.Config{Backend: c})
	snap2 := again.Run(ctx, payment.Params{
		PaymentKey: "pk-integration-1",
		OrderID:    order.ID,
		Amount:     5000,
	})
	require.Equal(t, payment.StateSuccess, snap2.State)
	require.Equal(t, roomID, snap2.RoomID)

	// Step 6: The order poll reflects the paid state and the room
	polled, err := c.OrderStatus(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPaid, polled.Status)
	require.Equal(t, roomID, polled.CapsuleID)

	// Step 7: Join the room over the websocket and send a message
	received := make(chan models.ChatMessage, 10)
	manager := wsclient.New(wsclient.Config{
		URL:       fmt.Sprintf("ws://%s/api/ws", apiAddr),
		Token:     c.Token(),
		OnMessage: func(msg models.ChatMessage) { received <- msg },
	})
	require.NoError(t, manager.Connect(ctx))
	defer manager.Disconnect()
	require.NoError(t, manager.JoinRoom(ctx, roomID))
	require.True(t, manager.IsRoomEntered())

	require.NoError(t, manager.Send("hello from the capsule", nil))

	// The sender is an online room member, so the fan-out comes back.
	select {
	case msg := <-received:
		require.Equal(t, "hello from the capsule", msg.Content)
		require.Equal(t, models.SenderTypeUser, msg.SenderType)
		require.Equal(t, roomID, msg.RoomID)
	case <-time.After(5 * time.Second):
		t.Fatal("live message never arrived")
	}

	// Step 8: The message is in the paginated history too
	page, err := c.FetchPage(ctx, roomID, 30, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, "hello from the capsule", page.Messages[0].Content)
	require.False(t, page.HasNext)

	// Step 9: A mismatched amount is rejected with a structured error
	badConfirm, _ := json.Marshal(map[string]any{
		"payment_key": "pk-other",
		"order_id":    order.ID,
		"amount":      999,
	})
	req, err := http.NewRequest(http.MethodPost, apiURL+"/api/payments/confirm", bytes.NewReader(badConfirm))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token())
	resp, err = httpClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errPayload struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errPayload))
	require.Equal(t, "INVALID_REQUEST", errPayload.Code)
}

func waitForServer(t *testing.T, url string, attempts int) {
	t.Helper()
	for i := 0; i < attempts; i++ {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", url)
}
