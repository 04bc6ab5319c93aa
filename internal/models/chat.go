package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Room kinds. Direct rooms hold exactly two participants and are deduplicated
// per (pair, project scope); group rooms carry no uniqueness constraint.
const (
	RoomKindDirect = "direct"
	RoomKindGroup  = "group"
)

// Room is a chat context grouping a participant set and a message log. The
// participant set is embedded as a value; messages reference the room by id.
type Room struct {
	ID           string                      `gorm:"primaryKey;size:36" json:"id"`
	Kind         string                      `gorm:"size:16;not null;index" json:"kind"`
	Participants datatypes.JSONSlice[string] `gorm:"type:json" json:"participants"`
	ProjectID    *string                     `gorm:"size:36;index" json:"project_id,omitempty"`
	TaskID       *string                     `gorm:"size:36;index" json:"task_id,omitempty"`
	DirectKey    *string                     `gorm:"size:128;uniqueIndex" json:"-"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

// BeforeCreate assigns the room identity when the caller did not.
func (r *Room) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// HasParticipant reports whether the user belongs to the room.
func (r *Room) HasParticipant(userID string) bool {
	for _, participant := range r.Participants {
		if participant == userID {
			return true
		}
	}
	return false
}

// DirectRoomKey derives the uniqueness key for a direct room: the sorted user
// pair plus the project scope. The database enforces one row per key, which is
// what collapses concurrent first-contact requests onto a single room.
func DirectRoomKey(userA, userB string, projectID *string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	scope := ""
	if projectID != nil {
		scope = *projectID
	}
	return strings.Join([]string{pair[0], pair[1], scope}, ":")
}

// Attachment describes a file reference carried by a message. The bytes live
// elsewhere; the chat core stores metadata only.
type Attachment struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Size      int64  `json:"size"`
}

// Message is one entry in a room's append-only log. The auto-increment id
// doubles as the tie-breaker for messages created in the same instant, so
// insertion order is the causal order within a room.
type Message struct {
	ID          uint                            `gorm:"primaryKey" json:"id"`
	RoomID      string                          `gorm:"size:36;not null;index:idx_messages_room_created" json:"room_id"`
	AuthorID    string                          `gorm:"size:36;not null;index" json:"author_id"`
	Content     string                          `gorm:"type:text" json:"content"`
	Attachments datatypes.JSONSlice[Attachment] `gorm:"type:json" json:"attachments,omitempty"`
	CreatedAt   time.Time                       `gorm:"index:idx_messages_room_created" json:"created_at"`
}

// MessageReceipt records that a user has acknowledged a message. Rows are only
// ever inserted, never updated or deleted, so the read set grows monotonically.
type MessageReceipt struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	UserID    string    `gorm:"primaryKey;size:36" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
