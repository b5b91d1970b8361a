package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"timecapsule/internal/auth"
	"timecapsule/internal/gateway"
	"timecapsule/internal/models"
	"timecapsule/internal/payment"
)

// Client is the REST client the consumer-side flows run against. It backs
// the payment flow's confirm/poll/create operations and the history pager.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Token returns the bearer token obtained by Login.
func (c *Client) Token() string {
	return c.token
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp auth.LoginResponse
	err := c.post(ctx, "/api/login", auth.LoginRequest{
		Username: username,
		Password: password,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success || resp.Token == "" {
		return fmt.Errorf("login rejected: %s", resp.Message)
	}
	c.token = resp.Token
	return nil
}

type confirmResult struct {
	Status    models.OrderStatus `json:"status"`
	CapsuleID string             `json:"capsule_id"`
}

// ConfirmPayment posts the payment confirmation. Rejections with a
// structured payload come back as *gateway.Error so the flow can tell a
// processing conflict from an authoritative decline; transport problems
// come back as plain errors.
func (c *Client) ConfirmPayment(ctx context.Context, params payment.Params) (payment.ConfirmOutcome, error) {
	var result confirmResult
	err := c.post(ctx, "/api/payments/confirm", gateway.ConfirmRequest{
		PaymentKey: params.PaymentKey,
		OrderID:    params.OrderID,
		Amount:     params.Amount,
	}, &result)
	if err != nil {
		return payment.ConfirmOutcome{}, err
	}
	return payment.ConfirmOutcome{
		Status: result.Status,
		RoomID: result.CapsuleID,
	}, nil
}

func (c *Client) OrderStatus(ctx context.Context, orderID string) (models.Order, error) {
	var order models.Order
	if err := c.get(ctx, "/api/orders/"+orderID, &order); err != nil {
		return models.Order{}, err
	}
	return order, nil
}

type roomResult struct {
	RoomID string `json:"room_id"`
}

func (c *Client) CreateRoom(ctx context.Context, orderID string) (string, error) {
	var result roomResult
	err := c.post(ctx, "/api/rooms", map[string]string{"order_id": orderID}, &result)
	if err != nil {
		return "", err
	}
	return result.RoomID, nil
}

// FetchPage loads one page of room history.
func (c *Client) FetchPage(ctx context.Context, roomID string, limit, offset int) (models.HistoryPage, error) {
	var page models.HistoryPage
	path := fmt.Sprintf("/api/rooms/%s/messages?limit=%d&offset=%d", roomID, limit, offset)
	if err := c.get(ctx, path, &page); err != nil {
		return models.HistoryPage{}, err
	}
	return page, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var gwErr gateway.Error
		if decodeErr := json.NewDecoder(resp.Body).Decode(&gwErr); decodeErr == nil && gwErr.Code != "" {
			return &gwErr
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return errors.New("unauthorized")
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
