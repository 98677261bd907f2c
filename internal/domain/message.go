package domain

import (
	"time"
)

// UserMessage is free-text input submitted by the user mid-session.
type UserMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Processed bool      `json:"processed"`
}
