package ws

import (
	"context"
	"errors"
	"sync"

	"timecapsule/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(userID string) chan models.ServerFrame
	Leave(userID string)
	JoinRoom(userID, roomID string) error
	Dispatch(userID string, senderType models.SenderType, frame models.ClientFrame) error
}

// Connection ties one websocket to the hub: a read pump feeding client
// frames into the main loop, which also drains the hub's delivery channel.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	senderType models.SenderType
	fromClient chan models.ClientFrame
	fromServer chan models.ServerFrame
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
	senderType models.SenderType,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		senderType: senderType,
		fromClient: make(chan models.ClientFrame),
		fromServer: hub.Join(userID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpFrames(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		var frame models.ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.fromClient:
			if err := c.processClientFrame(frame); err != nil {
				return err
			}
		case frame, ok := <-c.fromServer:
			if !ok {
				// Hub closed the session (duplicate login or shutdown).
				return nil
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientFrame handles one frame. The join_room handshake is
// acknowledged inline: joined on success, an error frame otherwise, so the
// client's handshake timeout always has something to race against.
func (c *Connection) processClientFrame(frame models.ClientFrame) error {
	switch frame.Type {
	case models.ClientFrameTypeJoinRoom:
		if err := c.hub.JoinRoom(c.userID, frame.RoomID); err != nil {
			return c.ws.WriteJSON(models.ServerFrame{
				Type:   models.ServerFrameTypeError,
				RoomID: frame.RoomID,
				Error:  err.Error(),
			})
		}
		return c.ws.WriteJSON(models.ServerFrame{
			Type:   models.ServerFrameTypeJoined,
			RoomID: frame.RoomID,
		})
	case models.ClientFrameTypeSend:
		if err := c.hub.Dispatch(c.userID, c.senderType, frame); err != nil {
			return c.ws.WriteJSON(models.ServerFrame{
				Type:   models.ServerFrameTypeError,
				RoomID: frame.RoomID,
				Error:  err.Error(),
			})
		}
	}

	return nil
}
