package payment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"timecapsule/internal/gateway"
	"timecapsule/internal/models"
)

const (
	DefaultMaxNetworkRetries = 3
	DefaultRetryInterval     = 2 * time.Second
	DefaultMaxPollAttempts   = 15
	DefaultPollInterval      = 2 * time.Second
)

// User-facing messages for terminal failures. Silent failures are not
// allowed: every failed snapshot carries one of these (or a mapped gateway
// message).
const (
	msgMissingParams = "Payment parameters are missing. Please start over from the order page."
	msgRoomNotFound  = "Payment was confirmed but the room could not be found."
	msgDelayed       = "Payment is still being processed. Please check again in a moment."
	msgNetwork       = "A network error interrupted the payment confirmation. Please try again."
	msgNotPaid       = "The payment was not completed."
)

// Params is the payment-gateway callback payload. All three fields are
// required.
type Params struct {
	PaymentKey string
	OrderID    string
	Amount     int64
}

// ConfirmOutcome is what the backend's confirm operation resolves to.
type ConfirmOutcome struct {
	Status models.OrderStatus
	RoomID string
}

// Backend is the set of remote operations the flow drives. Implemented by
// the REST client in production and by fakes in tests.
type Backend interface {
	ConfirmPayment(ctx context.Context, params Params) (ConfirmOutcome, error)
	OrderStatus(ctx context.Context, orderID string) (models.Order, error)
	CreateRoom(ctx context.Context, orderID string) (string, error)
}

type Config struct {
	Backend Backend

	// Navigate is invoked exactly once, with the destination room id, when
	// the flow reaches success.
	Navigate func(roomID string)

	// OnChange observes every snapshot change. Optional.
	OnChange func(Snapshot)

	// IsConflict classifies an error as the gateway's "already processing"
	// conflict. Defaults to gateway.IsProcessingConflict.
	IsConflict func(error) bool

	MaxNetworkRetries int
	RetryInterval     time.Duration
	MaxPollAttempts   int
	PollInterval      time.Duration
}

func (c *Config) applyDefaults() {
	if c.IsConflict == nil {
		c.IsConflict = gateway.IsProcessingConflict
	}
	if c.MaxNetworkRetries == 0 {
		c.MaxNetworkRetries = DefaultMaxNetworkRetries
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxPollAttempts == 0 {
		c.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Flow confirms a payment exactly once and resolves it to a destination
// room or a user-facing error. Recovery is tiered: a gateway processing
// conflict turns into a bounded order-status poll, transient errors are
// retried on a fixed budget, everything else fails immediately.
type Flow struct {
	cfg Config

	mu        sync.Mutex
	snap      Snapshot
	processed bool
}

func New(cfg Config) *Flow {
	cfg.applyDefaults()
	return &Flow{
		cfg:  cfg,
		snap: Snapshot{State: StateIdle},
	}
}

// Snapshot returns the current flow state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

// Run executes the confirmation flow to a terminal state. It is guarded:
// only the first call per flow instance does any work, later calls return
// the current snapshot immediately.
func (f *Flow) Run(ctx context.Context, params Params) Snapshot {
	f.mu.Lock()
	if f.processed {
		snap := f.snap
		f.mu.Unlock()
		return snap
	}
	f.processed = true
	f.mu.Unlock()

	return f.run(ctx, params)
}

// Reset clears the processed guard and returns the flow to idle, making a
// manual retry possible. It has no effect while success is recorded.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap.State == StateSuccess {
		return
	}
	f.processed = false
	f.snap = Transition(f.snap, Event{Kind: EventReset})
}

// Retry resets the flow and runs it again from the top.
func (f *Flow) Retry(ctx context.Context, params Params) Snapshot {
	f.Reset()
	return f.Run(ctx, params)
}

func (f *Flow) apply(ev Event) Snapshot {
	f.mu.Lock()
	f.snap = Transition(f.snap, ev)
	snap := f.snap
	f.mu.Unlock()

	if f.cfg.OnChange != nil {
		f.cfg.OnChange(snap)
	}
	return snap
}

func (f *Flow) succeed(roomID string) Snapshot {
	snap := f.apply(Event{Kind: EventResolved, RoomID: roomID})
	if f.cfg.Navigate != nil {
		f.cfg.Navigate(roomID)
	}
	return snap
}

func (f *Flow) fail(message string) Snapshot {
	return f.apply(Event{Kind: EventFailed, Error: message})
}

func (f *Flow) run(ctx context.Context, params Params) Snapshot {
	if params.PaymentKey == "" || params.OrderID == "" || params.Amount <= 0 {
		return f.fail(msgMissingParams)
	}

	f.apply(Event{Kind: EventStart, OrderID: params.OrderID})

	// If the order is already paid the confirm call must be skipped: resolve
	// or create the destination room directly.
	if order, err := f.cfg.Backend.OrderStatus(ctx, params.OrderID); err == nil && order.Status == models.OrderStatusPaid {
		return f.resolveRoom(ctx, params.OrderID, order.CapsuleID)
	}

	for attempt := 0; ; attempt++ {
		outcome, err := f.cfg.Backend.ConfirmPayment(ctx, params)
		if err == nil {
			if outcome.Status != models.OrderStatusPaid {
				return f.fail(msgNotPaid)
			}
			if outcome.RoomID == "" {
				return f.fail(msgRoomNotFound)
			}
			return f.succeed(outcome.RoomID)
		}

		if f.cfg.IsConflict(err) {
			// The gateway is already working on this payment. Never call
			// confirm again, poll the order instead.
			return f.pollOrder(ctx, params.OrderID)
		}

		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			return f.fail(userMessage(gwErr))
		}

		// Transient transport error: bounded auto-retry with fixed backoff.
		if attempt >= f.cfg.MaxNetworkRetries {
			return f.fail(msgNetwork)
		}
		slog.Warn("confirm attempt failed, retrying",
			"order_id", params.OrderID,
			"attempt", attempt+1,
			"error", err,
		)
		if err := sleepCtx(ctx, f.cfg.RetryInterval); err != nil {
			return f.fail(msgNetwork)
		}
	}
}

// pollOrder watches the order until a destination room shows up, creating
// the room itself once the order reports paid. The poll is bounded; running
// out of attempts surfaces a "delayed processing" failure.
func (f *Flow) pollOrder(ctx context.Context, orderID string) Snapshot {
	f.apply(Event{Kind: EventConflictPoll})

	for attempt := 0; attempt < f.cfg.MaxPollAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, f.cfg.PollInterval); err != nil {
				return f.fail(msgDelayed)
			}
		}

		order, err := f.cfg.Backend.OrderStatus(ctx, orderID)
		if err != nil {
			continue
		}
		if order.CapsuleID != "" {
			return f.succeed(order.CapsuleID)
		}
		if order.Status == models.OrderStatusPaid {
			f.apply(Event{Kind: EventRoomCreating})
			roomID, err := f.cfg.Backend.CreateRoom(ctx, orderID)
			if err == nil && roomID != "" {
				return f.succeed(roomID)
			}
			// Room creation failed, keep polling.
			f.apply(Event{Kind: EventConflictPoll})
		}
	}

	return f.fail(msgDelayed)
}

func (f *Flow) resolveRoom(ctx context.Context, orderID, roomID string) Snapshot {
	if roomID != "" {
		return f.succeed(roomID)
	}

	f.apply(Event{Kind: EventRoomCreating})
	created, err := f.cfg.Backend.CreateRoom(ctx, orderID)
	if err != nil || created == "" {
		return f.fail(msgRoomNotFound)
	}
	return f.succeed(created)
}

// userMessage maps a gateway error payload to a human-readable message.
func userMessage(gwErr *gateway.Error) string {
	switch gwErr.Code {
	case "INVALID_REQUEST":
		return "The payment request was rejected. Please start over from the order page."
	case "EXCEED_MAX_AMOUNT":
		return "The payment amount exceeds the allowed limit."
	case "REJECT_CARD_COMPANY":
		return "The card issuer rejected the payment."
	}
	if gwErr.Message != "" {
		return gwErr.Message
	}
	return msgNotPaid
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
