package models

import "time"

type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleSystemError Role = "system_error"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystemError:
		return true
	}
	return false
}

// FromAssistant is true for rows rendered on the agent side of the conversation.
func (r Role) FromAssistant() bool {
	return r == RoleAssistant || r == RoleSystemError
}

// RoomMessage is one immutable row of a room's log. SenderEmail is the
// partition key: a participant only ever sees rows carrying their own email.
type RoomMessage struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Before orders messages by creation time, breaking ties by id.
func (m RoomMessage) Before(o RoomMessage) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// NewMessage is the input of an append.
type NewMessage struct {
	RoomID      string
	SenderName  string
	SenderEmail string
	Role        Role
	Content     string
}

// WebSocket frame exchanged with a participant connection.
type WSMessage struct {
	Event string `json:"event"` // pin, identify, send, retry, resync, ping / state, history, message, presence, error, pong

	// client -> server
	Pin   string `json:"pin,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Text  string `json:"text,omitempty"`

	// server -> client
	State     *SessionView  `json:"state,omitempty"`
	Message   *RoomMessage  `json:"message,omitempty"`
	History   []RoomMessage `json:"history,omitempty"`
	Count     *int          `json:"count,omitempty"`
	Error     string        `json:"error,omitempty"`
	Kind      string        `json:"kind,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// SessionView is the render model of one participant session.
type SessionView struct {
	Phase          string       `json:"phase"`
	Pin            string       `json:"pin,omitempty"`
	Room           *RoomSummary `json:"room,omitempty"`
	Name           string       `json:"name,omitempty"`
	Email          string       `json:"email,omitempty"`
	AgentExpired   bool         `json:"agent_expired"`
	AgentMissing   bool         `json:"agent_missing"`
	Sending        bool         `json:"sending"`
	Pending        string       `json:"pending,omitempty"`
	RetryAvailable bool         `json:"retry_available"`
	Presence       int          `json:"presence"`
	LastError      string       `json:"last_error,omitempty"`
}

type HistoryResponse struct {
	RoomID   string        `json:"room_id"`
	Email    string        `json:"email"`
	Messages []RoomMessage `json:"messages"`
}
