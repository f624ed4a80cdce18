package models

import "time"

// User is a profile synced from the identity provider.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Picture   string    `json:"picture,omitempty"`
	UID       string    `json:"uid"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	UserStatusCreated = "created"
	UserStatusExists  = "exists"
)
