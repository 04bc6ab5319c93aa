package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/taskhive/taskhive-api/internal/dto"
	"github.com/taskhive/taskhive-api/internal/middleware"
	"github.com/taskhive/taskhive-api/internal/service"
	"github.com/taskhive/taskhive-api/internal/utils"
)

// ChatHandler wires the chat endpoints including the websocket upgrade.
type ChatHandler struct {
	service   service.ChatService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group. The direct-room
// route is registered before the parameterised room routes so "direct" never
// binds as a room id.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.handleConnection))

	sendLimiter := middleware.RateLimit("chat_send", 20, time.Second)

	router.Get("/rooms/direct/:projectId/:peerId", h.directRoom)
	router.Post("/rooms", h.createRoom)
	router.Get("/rooms/:roomId", h.room)
	router.Get("/rooms/:roomId/messages", h.history)
	router.Post("/rooms/:roomId/messages", sendLimiter, h.send)
	router.Post("/rooms/:roomId/participants", h.addParticipant)
	router.Post("/messages/read", h.markReadBatch)
	router.Post("/messages/:messageId/read", h.markRead)
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusUnauthorized, "user id missing"))
		_ = conn.Close()
		return
	}

	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	opts := service.ChatConnectionOptions{
		UserID:        userID,
		CorrelationID: correlation,
		Context:       baseCtx,
	}

	h.logger.Info().Str("user_id", userID).Msg("chat websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", userID).Msg("chat websocket disconnected")
}

func (h *ChatHandler) room(c *fiber.Ctx) error {
	callerID := userIDFromContext(c)
	if callerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	room, err := h.service.Room(requestContext(c), c.Params("roomId"), callerID)
	if err != nil {
		return h.sendServiceError(c, err)
	}
	return utils.SendSuccess(c, "room detail", room)
}

func (h *ChatHandler) createRoom(c *fiber.Ctx) error {
	callerID := userIDFromContext(c)
	if callerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var req dto.CreateRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	room, err := h.service.CreateGroup(requestContext(c), callerID, req)
	if err != nil {
		return h.sendServiceError(c, err)
	}
	return utils.SendCreated(c, "room created", room)
}

func (h *ChatHandler) addParticipant(c *fiber.Ctx) error {
	callerID := userIDFromContext(c)
	if callerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var req dto.AddParticipantRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	room, err := h.service.AddParticipant(requestContext(c), c.Params("roomId"), callerID, req)
	if err != nil {
		return h.sendServiceError(c, err)
	}
	return utils.SendSuccess(c, "participant added", room)
}

func (h *ChatHandler) directRoom(c *fiber.Ctx) error {
	callerID := userIDFromContext(c)
	if callerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var projectID *string
	if raw := strings.TrimSpace(c.Params("projectId")); raw != "" && raw != "-" {
		projectID = &raw
	}

	room, err := h.service.DirectRoom(requestContext(c), callerID, c.Params("peerId"), projectID)
	if err != nil {
		return h.sendServiceError(c, err)
	}
	return utils.SendSuccess(c, "direct room", room)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	callerID := userIDFromContext(c)
	if callerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	query := dto.HistoryQuery{}
	if before := c.Query("before"); before != "" {
		parsed, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
		}
		query.Before = &parsed
	}
	if limitRaw := c.Query("limit"); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
		}
		query.Limit = parsed
	}

	messages, err := h.service.History(requestContext(c), c.Params("roomId"), callerID, query)
	if err != nil {
		return h.sendServiceError(c, err)
	}
	return utils.SendSuccess(c, "room messages", messages)
}

func (h *ChatHandler) send(c *fiber.Ctx) error {
	callerID := userIDFromContext(c)
	if callerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	message, err := h.service.Send(requestContext(c), c.Params("roomId"), callerID, req)
	if err != nil {
		return h.sendServiceError(c, err)
	}
	return utils.SendCreated(c, "message sent", message)
}

func (h *ChatHandler) markRead(c *fiber.Ctx) error {
	callerID := userIDFromContext(c)
	if callerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	messageID, err := strconv.ParseUint(c.Params("messageId"), 10, 64)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid message id")
	}

	if err := h.service.MarkRead(requestContext(c), callerID, []uint{uint(messageID)}); err != nil {
		return h.sendServiceError(c, err)
	}
	return utils.SendSuccess(c, "message read", nil)
}

func (h *ChatHandler) markReadBatch(c *fiber.Ctx) error {
	callerID := userIDFromContext(c)
	if callerID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var req dto.MarkReadRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.MarkRead(requestContext(c), callerID, req.MessageIDs); err != nil {
		return h.sendServiceError(c, err)
	}
	return utils.SendSuccess(c, "messages read", nil)
}

// sendServiceError maps gateway sentinels onto the response taxonomy.
func (h *ChatHandler) sendServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrRoomNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrUserNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotParticipant):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrDirectRoomSealed),
		isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("chat request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal error")
	}
}

func websocketUserID(conn *websocket.Conn) string {
	if value := conn.Locals("user_id"); value != nil {
		if id, ok := value.(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
