package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"timecapsule/internal/models"
)

// CodeProcessing is the gateway's "payment is already processing" error
// code. The exact signature is vendor-specific; IsProcessingConflict is the
// single place that knows it.
const CodeProcessing = "S008"

// Error is the structured error payload the gateway (and this service's own
// confirm endpoint) returns for a rejected request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// IsProcessingConflict reports whether an error is the gateway's "already
// processing" conflict. Conflicts are not failures: the caller is expected
// to poll the order status instead of retrying the confirmation.
func IsProcessingConflict(err error) bool {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return false
	}
	if gwErr.Code == CodeProcessing {
		return true
	}
	return strings.Contains(strings.ToLower(gwErr.Message), "already processing")
}

type ConfirmRequest struct {
	PaymentKey string `json:"payment_key"`
	OrderID    string `json:"order_id"`
	Amount     int64  `json:"amount"`
}

type ConfirmResponse struct {
	Status        models.OrderStatus `json:"status"`
	TransactionID string             `json:"transaction_id,omitempty"`
}

// Client calls the external payment processor's confirm endpoint.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Confirm asks the gateway to capture the payment. A non-2xx response with a
// decodable payload comes back as *Error; transport problems come back as
// plain wrapped errors, which callers treat as transient.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ConfirmResponse{}, fmt.Errorf("failed to marshal confirm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments/confirm", bytes.NewReader(body))
	if err != nil {
		return ConfirmResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secretKey != "" {
		httpReq.SetBasicAuth(c.secretKey, "")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ConfirmResponse{}, fmt.Errorf("confirm request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var gwErr Error
		if decodeErr := json.NewDecoder(resp.Body).Decode(&gwErr); decodeErr != nil || gwErr.Code == "" {
			return ConfirmResponse{}, fmt.Errorf("gateway returned status %d", resp.StatusCode)
		}
		return ConfirmResponse{}, &gwErr
	}

	var confirmResp ConfirmResponse
	if err := json.NewDecoder(resp.Body).Decode(&confirmResp); err != nil {
		return ConfirmResponse{}, fmt.Errorf("failed to decode confirm response: %w", err)
	}
	return confirmResp, nil
}
