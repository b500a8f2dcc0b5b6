package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account that can submit code tasks.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}
