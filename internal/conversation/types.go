package conversation

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultMode is used when a message is stored without a mode.
const DefaultMode = "chat"

// Conversation is a titled thread of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored utterance.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Tokens         int       `json:"tokens"`
	Mode           string    `json:"mode"`
}

// Listener is called with every message after it is committed.
type Listener func(Message)
