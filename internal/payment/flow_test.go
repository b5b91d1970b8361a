package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"timecapsule/internal/gateway"
	"timecapsule/internal/models"
)

// fakeBackend counts calls and answers from per-call functions. The default
// order status is "not found" so the pre-check falls through to confirm.
type fakeBackend struct {
	mu           sync.Mutex
	confirmCalls int
	statusCalls  int
	createCalls  int

	confirmFn func(call int) (ConfirmOutcome, error)
	statusFn  func(call int) (models.Order, error)
	createFn  func(call int) (string, error)
}

func (b *fakeBackend) ConfirmPayment(ctx context.Context, params Params) (ConfirmOutcome, error) {
	b.mu.Lock()
	b.confirmCalls++
	call := b.confirmCalls
	b.mu.Unlock()
	if b.confirmFn == nil {
		return ConfirmOutcome{}, errors.New("confirm not configured")
	}
	return b.confirmFn(call)
}

func (b *fakeBackend) OrderStatus(ctx context.Context, orderID string) (models.Order, error) {
	b.mu.Lock()
	b.statusCalls++
	call := b.statusCalls
	b.mu.Unlock()
	if b.statusFn == nil {
		return models.Order{}, models.ErrNotFound
	}
	return b.statusFn(call)
}

func (b *fakeBackend) CreateRoom(ctx context.Context, orderID string) (string, error) {
	b.mu.Lock()
	b.createCalls++
	call := b.createCalls
	b.mu.Unlock()
	if b.createFn == nil {
		return "", errors.New("create not configured")
	}
	return b.createFn(call)
}

func (b *fakeBackend) counts() (confirm, status, create int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.confirmCalls, b.statusCalls, b.createCalls
}

func testFlow(backend Backend, navigate func(string)) *Flow {
	return New(Config{
		Backend:           backend,
		Navigate:          navigate,
		MaxNetworkRetries: 3,
		RetryInterval:     time.Millisecond,
		MaxPollAttempts:   5,
		PollInterval:      time.Millisecond,
	})
}

func validParams() Params {
	return Params{PaymentKey: "pk-1", OrderID: "order-1", Amount: 5000}
}

func TestFlow_Success(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			return ConfirmOutcome{Status: models.OrderStatusPaid, RoomID: "room-1"}, nil
		},
	}

	var navigated []string
	flow := testFlow(backend, func(roomID string) { navigated = append(navigated, roomID) })

	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateSuccess {
		t.Fatalf("expected success, got %s (%s)", snap.State, snap.Error)
	}
	if snap.RoomID != "room-1" {
		t.Errorf("expected room-1, got %s", snap.RoomID)
	}
	if len(navigated) != 1 || navigated[0] != "room-1" {
		t.Errorf("expected exactly one navigation to room-1, got %v", navigated)
	}
}

func TestFlow_RunIsGuarded(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			<-release
			return ConfirmOutcome{Status: models.OrderStatusPaid, RoomID: "room-1"}, nil
		},
	}
	flow := testFlow(backend, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flow.Run(context.Background(), validParams())
		}()
	}

	// Give the racers time to hit the guard, then let the winner finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	confirm, _, _ := backend.counts()
	if confirm != 1 {
		t.Errorf("expected exactly 1 confirm call, got %d", confirm)
	}
	if snap := flow.Snapshot(); snap.State != StateSuccess {
		t.Errorf("expected success, got %s", snap.State)
	}
}

func TestFlow_ConflictSwitchesToPolling(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			return ConfirmOutcome{}, &gateway.Error{Code: gateway.CodeProcessing, Message: "payment is already processing"}
		},
	}
	backend.statusFn = func(call int) (models.Order, error) {
		// Pre-check, then two pending polls before the room shows up.
		if call < 4 {
			return models.Order{ID: "order-1", Status: models.OrderStatusPending}, nil
		}
		return models.Order{ID: "order-1", Status: models.OrderStatusPaid, CapsuleID: "room-7"}, nil
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateSuccess {
		t.Fatalf("expected success, got %s (%s)", snap.State, snap.Error)
	}
	if snap.RoomID != "room-7" {
		t.Errorf("expected room-7, got %s", snap.RoomID)
	}

	confirm, _, _ := backend.counts()
	if confirm != 1 {
		t.Errorf("conflict must not re-confirm, got %d confirm calls", confirm)
	}
}

func TestFlow_ConflictPaidWithoutRoomCreatesIt(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			return ConfirmOutcome{}, &gateway.Error{Code: gateway.CodeProcessing}
		},
		createFn: func(int) (string, error) { return "room-9", nil },
	}
	backend.statusFn = func(call int) (models.Order, error) {
		if call == 1 {
			// Pre-check before confirm.
			return models.Order{ID: "order-1", Status: models.OrderStatusPending}, nil
		}
		return models.Order{ID: "order-1", Status: models.OrderStatusPaid}, nil
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateSuccess || snap.RoomID != "room-9" {
		t.Fatalf("expected success in room-9, got %s room=%s err=%s", snap.State, snap.RoomID, snap.Error)
	}
	_, _, create := backend.counts()
	if create != 1 {
		t.Errorf("expected 1 create call, got %d", create)
	}
}

func TestFlow_ConflictPollKeepsGoingWhenCreateFails(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			return ConfirmOutcome{}, &gateway.Error{Code: gateway.CodeProcessing}
		},
	}
	backend.createFn = func(call int) (string, error) {
		if call == 1 {
			return "", errors.New("transient")
		}
		return "room-2", nil
	}
	backend.statusFn = func(call int) (models.Order, error) {
		if call == 1 {
			return models.Order{}, models.ErrNotFound
		}
		return models.Order{ID: "order-1", Status: models.OrderStatusPaid}, nil
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateSuccess || snap.RoomID != "room-2" {
		t.Fatalf("expected success in room-2, got %s room=%s err=%s", snap.State, snap.RoomID, snap.Error)
	}
	_, _, create := backend.counts()
	if create != 2 {
		t.Errorf("expected 2 create calls, got %d", create)
	}
}

func TestFlow_PollExhaustionFails(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			return ConfirmOutcome{}, &gateway.Error{Code: gateway.CodeProcessing}
		},
		statusFn: func(int) (models.Order, error) {
			return models.Order{ID: "order-1", Status: models.OrderStatusPending}, nil
		},
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if snap.Error != msgDelayed {
		t.Errorf("expected delayed-processing message, got %q", snap.Error)
	}
	confirm, _, _ := backend.counts()
	if confirm != 1 {
		t.Errorf("expected 1 confirm call, got %d", confirm)
	}
}

func TestFlow_TransientErrorsRetryThenSucceed(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(call int) (ConfirmOutcome, error) {
			if call <= 2 {
				return ConfirmOutcome{}, errors.New("connection reset")
			}
			return ConfirmOutcome{Status: models.OrderStatusPaid, RoomID: "room-1"}, nil
		},
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateSuccess {
		t.Fatalf("expected success after retries, got %s (%s)", snap.State, snap.Error)
	}
	confirm, _, _ := backend.counts()
	if confirm != 3 {
		t.Errorf("expected 3 confirm calls, got %d", confirm)
	}
}

func TestFlow_TransientErrorsExhaustBudget(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			return ConfirmOutcome{}, errors.New("connection reset")
		},
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if snap.Error != msgNetwork {
		t.Errorf("expected network message, got %q", snap.Error)
	}
	// Initial attempt plus the full retry budget.
	confirm, _, _ := backend.counts()
	if confirm != 4 {
		t.Errorf("expected 4 confirm calls, got %d", confirm)
	}
}

func TestFlow_GatewayDeclineFailsImmediately(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			return ConfirmOutcome{}, &gateway.Error{Code: "REJECT_CARD_COMPANY", Message: "declined"}
		},
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if snap.Error == "" || snap.Error == msgNetwork {
		t.Errorf("expected a mapped decline message, got %q", snap.Error)
	}
	confirm, _, _ := backend.counts()
	if confirm != 1 {
		t.Errorf("authoritative errors must not retry, got %d confirm calls", confirm)
	}
}

func TestFlow_MissingParamsFailWithoutBackendCalls(t *testing.T) {
	backend := &fakeBackend{}
	flow := testFlow(backend, nil)

	snap := flow.Run(context.Background(), Params{OrderID: "order-1"})

	if snap.State != StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if snap.Error != msgMissingParams {
		t.Errorf("expected missing-params message, got %q", snap.Error)
	}
	confirm, status, create := backend.counts()
	if confirm+status+create != 0 {
		t.Errorf("expected no backend calls, got %d/%d/%d", confirm, status, create)
	}
}

func TestFlow_AlreadyPaidSkipsConfirm(t *testing.T) {
	backend := &fakeBackend{
		statusFn: func(int) (models.Order, error) {
			return models.Order{ID: "order-1", Status: models.OrderStatusPaid, CapsuleID: "room-5"}, nil
		},
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateSuccess || snap.RoomID != "room-5" {
		t.Fatalf("expected success in room-5, got %s room=%s", snap.State, snap.RoomID)
	}
	confirm, _, _ := backend.counts()
	if confirm != 0 {
		t.Errorf("paid orders must skip the confirm call, got %d", confirm)
	}
}

func TestFlow_PaidConfirmWithoutRoomFails(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			return ConfirmOutcome{Status: models.OrderStatusPaid}, nil
		},
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())

	if snap.State != StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if snap.Error != msgRoomNotFound {
		t.Errorf("expected room-not-found message, got %q", snap.Error)
	}
}

func TestFlow_RetryAfterFailure(t *testing.T) {
	backend := &fakeBackend{}
	backend.confirmFn = func(int) (ConfirmOutcome, error) {
		return ConfirmOutcome{}, &gateway.Error{Code: "INVALID_REQUEST"}
	}

	flow := testFlow(backend, nil)
	snap := flow.Run(context.Background(), validParams())
	if snap.State != StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}

	// A second Run without reset returns the recorded failure.
	again := flow.Run(context.Background(), validParams())
	if again != snap {
		t.Errorf("guarded re-run changed the snapshot: %+v", again)
	}

	backend.confirmFn = func(int) (ConfirmOutcome, error) {
		return ConfirmOutcome{Status: models.OrderStatusPaid, RoomID: "room-1"}, nil
	}
	snap = flow.Retry(context.Background(), validParams())
	if snap.State != StateSuccess {
		t.Fatalf("expected success after retry, got %s (%s)", snap.State, snap.Error)
	}

	// Reset after success is a no-op, the result sticks.
	flow.Reset()
	if got := flow.Snapshot(); got.State != StateSuccess {
		t.Errorf("reset clobbered a successful flow: %s", got.State)
	}
}

func TestFlow_OnChangeObservesTransitions(t *testing.T) {
	backend := &fakeBackend{
		confirmFn: func(int) (ConfirmOutcome, error) {
			return ConfirmOutcome{Status: models.OrderStatusPaid, RoomID: "room-1"}, nil
		},
	}

	var mu sync.Mutex
	var states []State
	flow := New(Config{
		Backend: backend,
		OnChange: func(snap Snapshot) {
			mu.Lock()
			states = append(states, snap.State)
			mu.Unlock()
		},
	})

	flow.Run(context.Background(), validParams())

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 {
		t.Fatalf("expected at least confirming and success, got %v", states)
	}
	if states[0] != StateConfirming {
		t.Errorf("expected first transition to confirming, got %s", states[0])
	}
	if states[len(states)-1] != StateSuccess {
		t.Errorf("expected final transition to success, got %s", states[len(states)-1])
	}
}
