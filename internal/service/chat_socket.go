package service

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/taskhive/taskhive-api/internal/dto"
)

const socketKeepalive = 30 * time.Second

// ServeConnection runs one websocket connection until it closes. The reader
// translates client frames into gateway operations; the writer pumps the bus
// client's event queue back out. Joining a room re-checks membership so a
// connection can only subscribe to rooms it could also read over HTTP.
func (s *chatService) ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	client := s.bus.Connect(opts.UserID)
	session := &chatSocket{
		conn:    conn,
		client:  client,
		service: s,
		baseCtx: baseCtx,
	}

	go session.writer()
	session.reader()
}

type chatSocket struct {
	conn    *websocket.Conn
	client  *BusClient
	service *chatService
	baseCtx context.Context
}

func (c *chatSocket) reader() {
	defer c.close()

	for {
		var frame dto.SocketRequest
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.service.logger.Debug().Err(err).Msg("chat socket read loop ended")
			return
		}

		if err := c.service.validator.Struct(frame); err != nil {
			c.pushError(frame.RoomID, "invalid frame")
			continue
		}

		switch frame.Action {
		case "joinRoom":
			if _, err := c.service.memberRoom(c.baseCtx, frame.RoomID, c.client.UserID); err != nil {
				c.pushError(frame.RoomID, err.Error())
				continue
			}
			c.service.bus.Join(c.client, frame.RoomID)
		case "sendMessage":
			_, err := c.service.Send(c.baseCtx, frame.RoomID, c.client.UserID, dto.SendMessageRequest{
				Content:     frame.Content,
				Attachments: frame.Attachments,
			})
			if err != nil {
				c.pushError(frame.RoomID, err.Error())
			}
		}
	}
}

func (c *chatSocket) writer() {
	defer c.close()

	for {
		select {
		case <-c.client.Done():
			return
		case event := <-c.client.Events:
			if err := c.conn.WriteJSON(event); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat socket write loop ended")
				return
			}
		case <-time.After(socketKeepalive):
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat socket ping failed")
				return
			}
		}
	}
}

// pushError reports a failed frame back on this connection only.
func (c *chatSocket) pushError(roomID, message string) {
	select {
	case <-c.client.Done():
		return
	default:
	}
	select {
	case c.client.Events <- dto.SocketEvent{Event: "error", RoomID: roomID, Error: message}:
	default:
	}
}

func (c *chatSocket) close() {
	c.client.Close()
	_ = c.conn.Close()
}
