package model

import "time"

// OutboundMessage is the body of POST /message
type OutboundMessage struct {
	Message string `json:"message" validate:"required"`
}

// Message represents a chat message accepted by the server
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatEvent is used for WebSocket notifications
type ChatEvent struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
