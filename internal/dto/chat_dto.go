package dto

import (
	"time"

	"github.com/taskhive/taskhive-api/internal/models"
)

// AttachmentPayload describes a file reference submitted with a message.
type AttachmentPayload struct {
	URL       string `json:"url" validate:"required,url,max=2048"`
	Filename  string `json:"filename" validate:"required,max=255"`
	MediaType string `json:"media_type" validate:"omitempty,max=128"`
	Size      int64  `json:"size" validate:"omitempty,min=0"`
}

// SendMessageRequest is the payload for posting a message into a room. A
// message must carry content or at least one attachment; that cross-field rule
// is enforced by the chat service.
type SendMessageRequest struct {
	Content     string              `json:"content" validate:"omitempty,max=4000"`
	Attachments []AttachmentPayload `json:"attachments" validate:"omitempty,max=10,dive"`
}

// MarkReadRequest acknowledges a batch of messages for the caller.
type MarkReadRequest struct {
	MessageIDs []uint `json:"message_ids" validate:"required,min=1,max=500,dive,min=1"`
}

// CreateRoomRequest creates a group room, typically on behalf of the project
// or task collaborator that owns the member list.
type CreateRoomRequest struct {
	Participants []string `json:"participants" validate:"required,min=1,max=100,dive,uuid4"`
	ProjectID    *string  `json:"project_id" validate:"omitempty,uuid4"`
	TaskID       *string  `json:"task_id" validate:"omitempty,uuid4"`
}

// AddParticipantRequest joins a user to an existing group room, e.g. when an
// accepted invite lands them on the project team.
type AddParticipantRequest struct {
	UserID string `json:"user_id" validate:"required,uuid4"`
}

// HistoryQuery filters a room's message history.
type HistoryQuery struct {
	Before *time.Time `query:"before"`
	Limit  int        `query:"limit" validate:"omitempty,min=1,max=200"`
}

// ParticipantResponse is the resolved display projection for a user id.
type ParticipantResponse struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// RoomResponse is the serialized representation of a room.
type RoomResponse struct {
	ID           string                `json:"id"`
	Kind         string                `json:"kind"`
	Participants []ParticipantResponse `json:"participants"`
	ProjectID    *string               `json:"project_id,omitempty"`
	TaskID       *string               `json:"task_id,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// MessageResponse is the serialized representation of a message, annotated
// with the viewer-specific unread flag.
type MessageResponse struct {
	ID          uint                `json:"id"`
	RoomID      string              `json:"room_id"`
	Author      ParticipantResponse `json:"author"`
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	IsUnread    bool                `json:"is_unread"`
	CreatedAt   time.Time           `json:"created_at"`
}

// SocketRequest is an inbound websocket frame.
type SocketRequest struct {
	Action      string              `json:"action" validate:"required,oneof=joinRoom sendMessage"`
	RoomID      string              `json:"room_id" validate:"required,uuid4"`
	Content     string              `json:"content" validate:"omitempty,max=4000"`
	Attachments []AttachmentPayload `json:"attachments" validate:"omitempty,max=10,dive"`
}

// SocketEvent is an outbound websocket frame pushed to room subscribers.
type SocketEvent struct {
	Event   string           `json:"event"`
	RoomID  string           `json:"room_id"`
	Message *MessageResponse `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// NewParticipantResponse converts a user model into its display projection.
func NewParticipantResponse(user models.User) ParticipantResponse {
	return ParticipantResponse{
		ID:       user.ID,
		FullName: user.FullName,
		Email:    user.Email,
	}
}

// NewRoomResponse converts a room model into a DTO, resolving participants
// against the supplied user projection. Unknown ids keep their id as the only
// display field rather than disappearing from the set.
func NewRoomResponse(room models.Room, users map[string]models.User) RoomResponse {
	participants := make([]ParticipantResponse, 0, len(room.Participants))
	for _, id := range room.Participants {
		if user, ok := users[id]; ok {
			participants = append(participants, NewParticipantResponse(user))
			continue
		}
		participants = append(participants, ParticipantResponse{ID: id})
	}

	return RoomResponse{
		ID:           room.ID,
		Kind:         room.Kind,
		Participants: participants,
		ProjectID:    room.ProjectID,
		TaskID:       room.TaskID,
		CreatedAt:    room.CreatedAt,
		UpdatedAt:    room.UpdatedAt,
	}
}

// NewMessageResponse converts a message model into a DTO for one viewer.
func NewMessageResponse(message models.Message, author models.User, readBy []string, viewerID string) MessageResponse {
	unread := true
	for _, reader := range readBy {
		if reader == viewerID {
			unread = false
			break
		}
	}
	if author.ID == "" {
		author.ID = message.AuthorID
	}

	return MessageResponse{
		ID:          message.ID,
		RoomID:      message.RoomID,
		Author:      NewParticipantResponse(author),
		Content:     message.Content,
		Attachments: message.Attachments,
		IsUnread:    unread,
		CreatedAt:   message.CreatedAt,
	}
}
