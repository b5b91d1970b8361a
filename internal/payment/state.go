package payment

// State is the confirmation flow's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConfirming State = "confirming"
	StateCreating   State = "creating"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
)

// Snapshot is the externally visible flow state. Success and failed are
// terminal; failed is re-enterable only through an explicit reset.
type Snapshot struct {
	State   State
	OrderID string
	Error   string
	// RoomID is the destination waiting room, present only on success.
	RoomID string
}

// EventKind drives the pure transition function below.
type EventKind string

const (
	EventStart        EventKind = "start"
	EventConflictPoll EventKind = "conflict_poll"
	EventRoomCreating EventKind = "room_creating"
	EventResolved     EventKind = "resolved"
	EventFailed       EventKind = "failed"
	EventReset        EventKind = "reset"
)

type Event struct {
	Kind    EventKind
	OrderID string
	RoomID  string
	Error   string
}

// Transition applies an event to a snapshot and returns the next snapshot.
// It is pure: no I/O, no timers. Events arriving in a terminal state are
// ignored, except EventReset which returns the flow to idle.
func Transition(snap Snapshot, ev Event) Snapshot {
	if ev.Kind == EventReset {
		return Snapshot{State: StateIdle}
	}

	if snap.State == StateSuccess || snap.State == StateFailed {
		return snap
	}

	switch ev.Kind {
	case EventStart:
		snap.State = StateConfirming
		snap.OrderID = ev.OrderID
	case EventConflictPoll:
		snap.State = StateConfirming
	case EventRoomCreating:
		snap.State = StateCreating
	case EventResolved:
		snap.State = StateSuccess
		snap.RoomID = ev.RoomID
		snap.Error = ""
	case EventFailed:
		snap.State = StateFailed
		snap.Error = ev.Error
	}
	return snap
}
