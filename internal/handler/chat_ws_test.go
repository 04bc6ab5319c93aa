package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/taskhive/taskhive-api/internal/dto"
	"github.com/taskhive/taskhive-api/internal/middleware"
	"github.com/taskhive/taskhive-api/internal/models"
	"github.com/taskhive/taskhive-api/internal/repository"
	"github.com/taskhive/taskhive-api/internal/service"
)

type chatStack struct {
	app   *fiber.App
	db    *gorm.DB
	rooms repository.RoomRepository
}

// newChatStack wires the full gateway against an in-memory database. The test
// middleware authenticates via the X-User-ID header so each websocket dial can
// present a different identity.
func newChatStack(t *testing.T) *chatStack {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Room{}, &models.Message{}, &models.MessageReceipt{}))

	rooms := repository.NewRoomRepository(db)
	messages := repository.NewMessageRepository(db)
	users := repository.NewUserRepository(db)
	bus := service.NewDeliveryBus(nil, nil, "", zerolog.Nop())
	validate := validator.New(validator.WithRequiredStructEnabled())
	svc := service.NewChatService(rooms, messages, users, bus, validate, zerolog.Nop())

	app := fiber.New()
	app.Use(middleware.CorrelationID())
	group := app.Group("/api/v1", func(c *fiber.Ctx) error {
		if id := strings.TrimSpace(c.Get("X-User-ID")); id != "" {
			c.Locals("user_id", id)
		}
		return c.Next()
	})
	NewChatHandler(svc, validate, zerolog.Nop()).Register(group)

	return &chatStack{app: app, db: db, rooms: rooms}
}

func (s *chatStack) createUser(t *testing.T, name string) string {
	t.Helper()
	user := models.User{ID: uuid.NewString(), FullName: name, Email: uuid.NewString() + "@example.com"}
	require.NoError(t, s.db.Create(&user).Error)
	return user.ID
}

func startChatServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	shutdown := func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}

	return "http://" + listener.Addr().String(), shutdown
}

func dialChat(t *testing.T, baseURL, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v1/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(url, http.Header{"X-User-ID": {userID}})
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) dto.SocketEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event dto.SocketEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestChatWebsocketFanOut(t *testing.T) {
	stack := newChatStack(t)

	alice := stack.createUser(t, "Alice Johnson")
	bob := stack.createUser(t, "Bob Stone")
	carol := stack.createUser(t, "Carol Diaz")
	room, err := stack.rooms.CreateGroup(context.Background(), []string{alice, bob, carol}, nil, nil)
	require.NoError(t, err)

	baseURL, shutdown := startChatServer(t, stack.app)
	defer shutdown()

	bobConn := dialChat(t, baseURL, bob)
	carolConn := dialChat(t, baseURL, carol)

	join := dto.SocketRequest{Action: "joinRoom", RoomID: room.ID}
	require.NoError(t, bobConn.WriteJSON(join))
	require.NoError(t, carolConn.WriteJSON(join))
	// The join frames are handled asynchronously by each connection's reader.
	time.Sleep(100 * time.Millisecond)

	body, _ := json.Marshal(dto.SendMessageRequest{Content: "standup moved to 10am"})
	req := httptest.NewRequest(fiber.MethodPost, "/api/v1/rooms/"+room.ID+"/messages", bytes.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set("X-User-ID", alice)
	resp, err := stack.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	for _, conn := range []*websocket.Conn{bobConn, carolConn} {
		event := readEvent(t, conn)
		require.Equal(t, service.BusEventNewMessage, event.Event)
		require.Equal(t, room.ID, event.RoomID)
		require.NotNil(t, event.Message)
		require.Equal(t, "standup moved to 10am", event.Message.Content)
		require.True(t, event.Message.IsUnread, "push render defaults to unread for receivers")
	}
}

func TestChatWebsocketSendMessage(t *testing.T) {
	stack := newChatStack(t)

	alice := stack.createUser(t, "Alice Johnson")
	bob := stack.createUser(t, "Bob Stone")
	room, err := stack.rooms.CreateGroup(context.Background(), []string{alice, bob}, nil, nil)
	require.NoError(t, err)

	baseURL, shutdown := startChatServer(t, stack.app)
	defer shutdown()

	aliceConn := dialChat(t, baseURL, alice)
	bobConn := dialChat(t, baseURL, bob)

	require.NoError(t, aliceConn.WriteJSON(dto.SocketRequest{Action: "joinRoom", RoomID: room.ID}))
	require.NoError(t, bobConn.WriteJSON(dto.SocketRequest{Action: "joinRoom", RoomID: room.ID}))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, aliceConn.WriteJSON(dto.SocketRequest{Action: "sendMessage", RoomID: room.ID, Content: "hello"}))

	// Both subscribed connections see the broadcast, the author included.
	bobEvent := readEvent(t, bobConn)
	require.Equal(t, service.BusEventNewMessage, bobEvent.Event)
	require.Equal(t, "hello", bobEvent.Message.Content)

	aliceEvent := readEvent(t, aliceConn)
	require.Equal(t, service.BusEventNewMessage, aliceEvent.Event)
}

func TestChatWebsocketJoinRequiresMembership(t *testing.T) {
	stack := newChatStack(t)

	alice := stack.createUser(t, "Alice Johnson")
	mallory := stack.createUser(t, "Mallory Reyes")
	room, err := stack.rooms.CreateGroup(context.Background(), []string{alice}, nil, nil)
	require.NoError(t, err)

	baseURL, shutdown := startChatServer(t, stack.app)
	defer shutdown()

	malloryConn := dialChat(t, baseURL, mallory)
	require.NoError(t, malloryConn.WriteJSON(dto.SocketRequest{Action: "joinRoom", RoomID: room.ID}))

	event := readEvent(t, malloryConn)
	require.Equal(t, "error", event.Event)
	require.NotEmpty(t, event.Error)
}
