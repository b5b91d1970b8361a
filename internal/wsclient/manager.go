package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"timecapsule/internal/models"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

const (
	DefaultMaxConnectAttempts   = 3
	DefaultConnectRetryInterval = 1 * time.Second
	DefaultJoinTimeout          = 10 * time.Second
	DefaultRedirectDelay        = 3 * time.Second
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrJoinTimeout      = errors.New("room join timed out")
	ErrServerDisconnect = errors.New("server forced a disconnect")
	ErrMissingEndpoint  = errors.New("socket endpoint is not configured")
	ErrMissingToken     = errors.New("auth token is missing")
	ErrConnectExhausted = errors.New("connection attempts exhausted")
	errJoinInterrupted  = errors.New("room join interrupted by disconnect")
)

// Conn is one live websocket connection. Production uses gorilla/websocket;
// tests substitute fakes.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type Dialer func(ctx context.Context, url, token string) (Conn, error)

func gorillaDialer(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Config struct {
	URL   string
	Token string

	Dial Dialer // defaults to a gorilla/websocket dialer

	// OnMessage receives every live-pushed chat message.
	OnMessage func(models.ChatMessage)
	// OnStatusChange observes status transitions. Optional.
	OnStatusChange func(Status)
	// OnRedirect fires after RedirectDelay once a fatal error is reached;
	// the owner uses it to route the user away from the feature.
	OnRedirect func()

	MaxConnectAttempts   int
	ConnectRetryInterval time.Duration
	JoinTimeout          time.Duration
	RedirectDelay        time.Duration
}

func (c *Config) applyDefaults() {
	if c.Dial == nil {
		c.Dial = gorillaDialer
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if c.ConnectRetryInterval == 0 {
		c.ConnectRetryInterval = DefaultConnectRetryInterval
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.RedirectDelay == 0 {
		c.RedirectDelay = DefaultRedirectDelay
	}
}

// Manager owns a single logical websocket connection: bounded connect
// retry, a room-join handshake with a timeout, and explicit teardown. At
// most one underlying connection object is live at any instant.
type Manager struct {
	cfg Config

	mu            sync.Mutex
	status        Status
	conn          Conn
	generation    int // bumped on every connect/disconnect; stale readers no-op
	roomID        string
	roomEntered   bool
	joinAck       chan models.ServerFrame // pending join handshake, nil when none
	redirectTimer *time.Timer
}

func New(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		status: StatusDisconnected,
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) IsRoomEntered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomEntered
}

func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

func (m *Manager) setStatus(status Status) {
	m.status = status
	if m.cfg.OnStatusChange != nil {
		go m.cfg.OnStatusChange(status)
	}
}

// Connect opens the connection, retrying a bounded number of times. Calling
// it while connecting or connected is a no-op. Missing endpoint or token is
// an immediate error: no dial is attempted.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if m.cfg.URL == "" {
		m.setStatus(StatusError)
		m.mu.Unlock()
		return ErrMissingEndpoint
	}
	if m.cfg.Token == "" {
		m.setStatus(StatusError)
		m.mu.Unlock()
		return ErrMissingToken
	}
	m.teardownLocked()
	m.setStatus(StatusConnecting)
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxConnectAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, m.cfg.ConnectRetryInterval); err != nil {
				lastErr = err
				break
			}
		}

		conn, err := m.cfg.Dial(ctx, m.cfg.URL, m.cfg.Token)
		if err != nil {
			lastErr = err
			slog.Warn("socket connect failed", "attempt", attempt+1, "error", err)
			continue
		}

		m.mu.Lock()
		if m.generation != gen {
			// Disconnected while dialing; this connection must not survive.
			m.mu.Unlock()
			_ = conn.Close()
			return errors.New("connection cancelled")
		}
		m.conn = conn
		m.setStatus(StatusConnected)
		m.mu.Unlock()

		go m.readLoop(conn, gen)
		return nil
	}

	m.mu.Lock()
	m.setStatus(StatusError)
	m.scheduleRedirectLocked()
	m.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrConnectExhausted, lastErr)
}

// Reconnect tears the connection down and connects again with a fresh retry
// budget.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	return m.Connect(ctx)
}

// Disconnect is idempotent: it closes the connection, cancels pending
// timers and the in-flight join handshake, and resets all derived state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.setStatus(StatusDisconnected)
}

// teardownLocked releases the connection and derived state. Callers hold mu
// and set the follow-up status themselves.
func (m *Manager) teardownLocked() {
	m.generation++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.redirectTimer != nil {
		m.redirectTimer.Stop()
		m.redirectTimer = nil
	}
	m.settleJoinLocked(models.ServerFrame{Type: models.ServerFrameTypeError, Error: errJoinInterrupted.Error()})
	m.roomEntered = false
	m.roomID = ""
}

// JoinRoom sends the join request and waits for a single acknowledgement.
// The ack and the timeout race; whichever fires first wins and the loser is
// a no-op. Timeout or an error ack is fatal: disconnect plus a delayed
// redirect.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if m.status != StatusConnected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	gen := m.generation
	ack := make(chan models.ServerFrame, 1)
	m.joinAck = ack
	m.mu.Unlock()

	err := conn.WriteJSON(models.ClientFrame{
		Type:   models.ClientFrameTypeJoinRoom,
		RoomID: roomID,
	})
	if err != nil {
		m.failJoin()
		return fmt.Errorf("failed to send join request: %w", err)
	}

	timer := time.NewTimer(m.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case frame := <-ack:
		if frame.Type != models.ServerFrameTypeJoined {
			m.failJoin()
			if frame.Error != "" {
				return fmt.Errorf("room join rejected: %s", frame.Error)
			}
			return errJoinInterrupted
		}
		m.mu.Lock()
		if m.generation != gen {
			// Disconnected between the ack settling and this goroutine
			// waking up; the room state belongs to a dead connection.
			m.mu.Unlock()
			return errJoinInterrupted
		}
		m.roomID = roomID
		m.roomEntered = true
		m.mu.Unlock()
		return nil
	case <-timer.C:
		m.failJoin()
		return ErrJoinTimeout
	case <-ctx.Done():
		m.failJoin()
		return ctx.Err()
	}
}

// failJoin is the fatal path for a failed handshake: error status,
// teardown, delayed redirect.
func (m *Manager) failJoin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.setStatus(StatusError)
	m.scheduleRedirectLocked()
}

// settleJoinLocked resolves the pending join handshake at most once.
func (m *Manager) settleJoinLocked(frame models.ServerFrame) {
	if m.joinAck == nil {
		return
	}
	select {
	case m.joinAck <- frame:
	default:
	}
	m.joinAck = nil
}

func (m *Manager) scheduleRedirectLocked() {
	if m.cfg.OnRedirect == nil {
		return
	}
	if m.redirectTimer != nil {
		m.redirectTimer.Stop()
	}
	m.redirectTimer = time.AfterFunc(m.cfg.RedirectDelay, m.cfg.OnRedirect)
}

// readLoop drains the connection. A stale generation means the manager has
// already moved on; the loop exits without touching state.
func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		var frame models.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			m.mu.Lock()
			if m.generation != gen {
				m.mu.Unlock()
				return
			}
			// Transport-level drop: eligible for a manual reconnect.
			m.teardownLocked()
			m.setStatus(StatusDisconnected)
			m.mu.Unlock()
			return
		}

		switch frame.Type {
		case models.ServerFrameTypeJoined, models.ServerFrameTypeError:
			m.mu.Lock()
			if m.generation == gen {
				m.settleJoinLocked(frame)
			}
			m.mu.Unlock()
		case models.ServerFrameTypeDisconnect:
			// Server-forced disconnect is fatal, unlike a transport drop.
			slog.Warn("server forced disconnect", "reason", frame.Reason)
			m.mu.Lock()
			if m.generation != gen {
				m.mu.Unlock()
				return
			}
			m.teardownLocked()
			m.setStatus(StatusError)
			m.scheduleRedirectLocked()
			m.mu.Unlock()
			return
		case models.ServerFrameTypeMessage:
			if frame.Message != nil && m.cfg.OnMessage != nil {
				m.cfg.OnMessage(*frame.Message)
			}
		}
	}
}

// Send pushes a chat message to the current room.
func (m *Manager) Send(content string, attachments []models.Attachment) error {
	m.mu.Lock()
	if m.status != StatusConnected || m.conn == nil || !m.roomEntered {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	roomID := m.roomID
	m.mu.Unlock()

	return conn.WriteJSON(models.ClientFrame{
		Type:        models.ClientFrameTypeSend,
		RoomID:      roomID,
		Content:     content,
		Attachments: attachments,
	})
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
