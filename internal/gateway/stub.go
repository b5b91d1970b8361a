package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"timecapsule/internal/models"
)

// Stub is an in-process payment gateway used when no real gateway is
// configured (dev mode) and by the integration tests. It approves every
// confirmation unless told otherwise via the knobs below.
type Stub struct {
	mu        sync.Mutex
	confirmed map[string]string // payment key -> transaction id

	// FailNext makes the next N confirms fail with a 500.
	FailNext int
	// ConflictNext makes the next N confirms answer with the processing
	// conflict payload.
	ConflictNext int
}

func NewStub() *Stub {
	return &Stub{confirmed: make(map[string]string)}
}

func (s *Stub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payments/confirm", s.confirmHandler)
	return mux
}

func (s *Stub) confirmHandler(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, Error{Code: "INVALID_REQUEST", Message: "malformed confirm request"})
		return
	}
	if req.PaymentKey == "" || req.OrderID == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, Error{Code: "INVALID_REQUEST", Message: "payment_key, order_id and amount are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext > 0 {
		s.FailNext--
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.ConflictNext > 0 {
		s.ConflictNext--
		writeError(w, http.StatusConflict, Error{Code: CodeProcessing, Message: "payment is already processing"})
		return
	}

	// Confirming the same payment key twice returns the original result.
	txID, ok := s.confirmed[req.PaymentKey]
	if !ok {
		txID = uuid.NewString()
		s.confirmed[req.PaymentKey] = txID
		slog.Info("stub gateway confirmed payment", "order_id", req.OrderID, "amount", req.Amount)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ConfirmResponse{
		Status:        models.OrderStatusPaid,
		TransactionID: txID,
	})
}

func writeError(w http.ResponseWriter, status int, gwErr Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gwErr)
}
