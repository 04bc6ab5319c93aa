package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/taskhive/taskhive-api/internal/dto"
	"github.com/taskhive/taskhive-api/internal/models"
	"github.com/taskhive/taskhive-api/internal/observability"
	"github.com/taskhive/taskhive-api/internal/repository"
)

// Sentinel errors mapped to caller-facing responses by the handler layer.
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrNotParticipant   = errors.New("caller is not a participant of the room")
	ErrEmptyMessage     = errors.New("message requires content or at least one attachment")
	ErrDirectRoomSealed = errors.New("direct rooms have a fixed participant pair")
)

// ChatConnectionOptions wraps metadata extracted during the websocket upgrade.
type ChatConnectionOptions struct {
	UserID        string
	CorrelationID string
	Context       context.Context
}

// ChatService is the gateway core: it translates requests and socket events
// into room-directory and message-store operations and wires successful sends
// to the delivery bus.
type ChatService interface {
	Room(ctx context.Context, roomID, callerID string) (dto.RoomResponse, error)
	CreateGroup(ctx context.Context, callerID string, req dto.CreateRoomRequest) (dto.RoomResponse, error)
	AddParticipant(ctx context.Context, roomID, callerID string, req dto.AddParticipantRequest) (dto.RoomResponse, error)
	DirectRoom(ctx context.Context, callerID, peerID string, projectID *string) (dto.RoomResponse, error)
	History(ctx context.Context, roomID, callerID string, query dto.HistoryQuery) ([]dto.MessageResponse, error)
	Send(ctx context.Context, roomID, callerID string, req dto.SendMessageRequest) (dto.MessageResponse, error)
	MarkRead(ctx context.Context, callerID string, messageIDs []uint) error
	ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions)
}

type chatService struct {
	rooms     repository.RoomRepository
	messages  repository.MessageRepository
	users     repository.UserRepository
	bus       *DeliveryBus
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewChatService constructs the gateway service.
func NewChatService(rooms repository.RoomRepository, messages repository.MessageRepository, users repository.UserRepository, bus *DeliveryBus, validate *validator.Validate, logger zerolog.Logger) ChatService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &chatService{
		rooms:     rooms,
		messages:  messages,
		users:     users,
		bus:       bus,
		validator: validate,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "chat_service").Logger(),
		tracer:    otel.Tracer("github.com/taskhive/taskhive-api/internal/service/chat"),
	}
}

func (s *chatService) Room(ctx context.Context, roomID, callerID string) (dto.RoomResponse, error) {
	room, err := s.memberRoom(ctx, roomID, callerID)
	if err != nil {
		return dto.RoomResponse{}, err
	}
	return s.roomResponse(ctx, room)
}

func (s *chatService) CreateGroup(ctx context.Context, callerID string, req dto.CreateRoomRequest) (dto.RoomResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.RoomResponse{}, err
	}

	participants := append([]string{callerID}, req.Participants...)
	room, err := s.rooms.CreateGroup(ctx, participants, req.ProjectID, req.TaskID)
	if err != nil {
		return dto.RoomResponse{}, err
	}
	return s.roomResponse(ctx, room)
}

func (s *chatService) AddParticipant(ctx context.Context, roomID, callerID string, req dto.AddParticipantRequest) (dto.RoomResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.RoomResponse{}, err
	}

	current, err := s.memberRoom(ctx, roomID, callerID)
	if err != nil {
		return dto.RoomResponse{}, err
	}
	if current.Kind == models.RoomKindDirect {
		return dto.RoomResponse{}, ErrDirectRoomSealed
	}
	if _, err := s.users.Get(ctx, req.UserID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RoomResponse{}, ErrUserNotFound
		}
		return dto.RoomResponse{}, err
	}

	room, err := s.rooms.AddParticipant(ctx, roomID, req.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RoomResponse{}, ErrRoomNotFound
		}
		return dto.RoomResponse{}, err
	}
	return s.roomResponse(ctx, room)
}

func (s *chatService) DirectRoom(ctx context.Context, callerID, peerID string, projectID *string) (dto.RoomResponse, error) {
	if peerID == callerID {
		return dto.RoomResponse{}, ErrUserNotFound
	}
	if _, err := s.users.Get(ctx, peerID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RoomResponse{}, ErrUserNotFound
		}
		return dto.RoomResponse{}, err
	}

	room, err := s.rooms.GetOrCreateDirect(ctx, callerID, peerID, projectID)
	if err != nil {
		return dto.RoomResponse{}, err
	}
	return s.roomResponse(ctx, room)
}

func (s *chatService) History(ctx context.Context, roomID, callerID string, query dto.HistoryQuery) ([]dto.MessageResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	if _, err := s.memberRoom(ctx, roomID, callerID); err != nil {
		return nil, err
	}

	before := time.Time{}
	if query.Before != nil {
		before = *query.Before
	}
	messages, err := s.messages.ListByRoom(ctx, roomID, before, query.Limit)
	if err != nil {
		return nil, err
	}
	return s.annotate(ctx, messages, callerID)
}

func (s *chatService) Send(ctx context.Context, roomID, callerID string, req dto.SendMessageRequest) (dto.MessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.MessageResponse{}, err
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	attachments := normalizeAttachments(req.Attachments)
	if content == "" && len(attachments) == 0 {
		return dto.MessageResponse{}, ErrEmptyMessage
	}

	room, err := s.memberRoom(ctx, roomID, callerID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.sender_id", callerID),
	))
	defer span.End()

	message := models.Message{
		RoomID:      room.ID,
		AuthorID:    callerID,
		Content:     content,
		Attachments: attachments,
	}
	if err := s.messages.Append(spanCtx, &message); err != nil {
		span.RecordError(err)
		return dto.MessageResponse{}, err
	}

	author, err := s.users.Get(spanCtx, callerID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.MessageResponse{}, err
	}
	response := dto.NewMessageResponse(message, author, []string{callerID}, callerID)

	// The broadcast copy carries the receiver view: only the author has read
	// the message at this point, so everyone else renders it unread.
	broadcast := dto.NewMessageResponse(message, author, []string{callerID}, "")
	s.bus.Publish(spanCtx, room.ID, dto.SocketEvent{
		Event:   BusEventNewMessage,
		Message: &broadcast,
	})

	kind := "text"
	if len(attachments) > 0 && content == "" {
		kind = "attachment"
	}
	observability.ChatMessagesSent().WithLabelValues(kind).Inc()

	return response, nil
}

func (s *chatService) MarkRead(ctx context.Context, callerID string, messageIDs []uint) error {
	if len(messageIDs) == 0 {
		return nil
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.mark_read", trace.WithAttributes(
		attribute.String("chat.viewer_id", callerID),
		attribute.Int("chat.message_count", len(messageIDs)),
	))
	defer span.End()

	// Acknowledgements count only for rooms the caller belongs to. Ids that
	// resolve to no message are skipped; ids in foreign rooms are refused.
	roomByMessage, err := s.messages.RoomIDs(spanCtx, messageIDs)
	if err != nil {
		span.RecordError(err)
		return err
	}

	membership := make(map[string]bool)
	known := make([]uint, 0, len(roomByMessage))
	for messageID, roomID := range roomByMessage {
		allowed, seen := membership[roomID]
		if !seen {
			room, err := s.rooms.Get(spanCtx, roomID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrRoomNotFound
				}
				span.RecordError(err)
				return err
			}
			allowed = room.HasParticipant(callerID)
			membership[roomID] = allowed
		}
		if !allowed {
			return ErrNotParticipant
		}
		known = append(known, messageID)
	}
	if len(known) == 0 {
		return nil
	}

	if err := s.messages.MarkRead(spanCtx, known, callerID); err != nil {
		span.RecordError(err)
		return err
	}
	observability.ChatReceipts().Inc()
	return nil
}

// memberRoom loads a room and enforces that the caller belongs to it.
func (s *chatService) memberRoom(ctx context.Context, roomID, callerID string) (models.Room, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Room{}, ErrRoomNotFound
		}
		return models.Room{}, err
	}
	if !room.HasParticipant(callerID) {
		return models.Room{}, ErrNotParticipant
	}
	return room, nil
}

func (s *chatService) roomResponse(ctx context.Context, room models.Room) (dto.RoomResponse, error) {
	users, err := s.users.GetBatch(ctx, room.Participants)
	if err != nil {
		return dto.RoomResponse{}, err
	}
	return dto.NewRoomResponse(room, users), nil
}

func (s *chatService) annotate(ctx context.Context, messages []models.Message, viewerID string) ([]dto.MessageResponse, error) {
	ids := make([]uint, 0, len(messages))
	authorIDs := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
		authorIDs = append(authorIDs, message.AuthorID)
	}

	readSets, err := s.messages.ReadBy(ctx, ids)
	if err != nil {
		return nil, err
	}
	authors, err := s.users.GetBatch(ctx, authorIDs)
	if err != nil {
		return nil, err
	}

	out := make([]dto.MessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, dto.NewMessageResponse(message, authors[message.AuthorID], readSets[message.ID], viewerID))
	}
	return out, nil
}

// normalizeAttachments drops empty entries and normalises declared media
// types against the known registry, falling back to octet-stream.
func normalizeAttachments(payloads []dto.AttachmentPayload) []models.Attachment {
	if len(payloads) == 0 {
		return nil
	}

	out := make([]models.Attachment, 0, len(payloads))
	for _, payload := range payloads {
		if strings.TrimSpace(payload.URL) == "" {
			continue
		}
		mediaType := strings.TrimSpace(payload.MediaType)
		if detected := mimetype.Lookup(mediaType); detected != nil {
			mediaType = detected.String()
		} else if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		out = append(out, models.Attachment{
			URL:       payload.URL,
			Filename:  payload.Filename,
			MediaType: mediaType,
			Size:      payload.Size,
		})
	}
	return out
}
