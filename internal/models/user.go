package models

import "time"

// User is the identity collaborator's projection of an account. The chat core
// only reads this table to resolve display data; account lifecycle belongs to
// the identity service.
type User struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	FullName  string    `gorm:"size:255;not null" json:"full_name"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
