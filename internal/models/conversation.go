package models

import (
	"encoding/json"
	"time"
)

const (
	DefaultTitle = "New Chat"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID        int64     `json:"id"`
	ConvID    int64     `json:"conversation_id"`
	Role      string    `json:"role"` // user or assistant, stored as free text
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ModelSource is the backend configuration attached to a single conversation.
// APIKey is stored in plaintext and returned verbatim in views.
type ModelSource struct {
	ID      int64
	ConvID  int64
	Name    string
	Host    *string
	Model   *string
	APIKey  *string
	IsLocal bool
}

type Conversation struct {
	ID          int64
	Title       string
	CreatedAt   time.Time
	Messages    []Message
	ModelSource *ModelSource
}

// ModelSourceInput describes a model source as supplied by callers and as
// projected back in views. Absent optional fields are nil.
type ModelSourceInput struct {
	Name    string  `json:"name" binding:"required"`
	Host    *string `json:"host"`
	Model   *string `json:"model"`
	APIKey  *string `json:"api_key"`
	IsLocal bool    `json:"is_local"`
}

// UnmarshalJSON defaults is_local to true when the field is omitted.
func (m *ModelSourceInput) UnmarshalJSON(b []byte) error {
	type alias ModelSourceInput
	a := alias{IsLocal: true}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*m = ModelSourceInput(a)
	return nil
}

// HostValue returns the host or "" when unset.
func (m *ModelSourceInput) HostValue() string { return deref(m.Host) }

func (m *ModelSourceInput) ModelValue() string { return deref(m.Model) }

func (m *ModelSourceInput) APIKeyValue() string { return deref(m.APIKey) }

type MessageInput struct {
	Content string `json:"content" binding:"required"`
	Role    string `json:"role"`
}

type ChatRequest struct {
	ConversationID *int64            `json:"conversation_id"`
	Message        MessageInput      `json:"message"`
	ModelSource    *ModelSourceInput `json:"model_source"`
}

// Normalize fills request defaults: role falls back to "user".
func (r *ChatRequest) Normalize() {
	if r.Message.Role == "" {
		r.Message.Role = RoleUser
	}
}

type MessageView struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type ConversationView struct {
	ID          int64             `json:"id"`
	Title       string            `json:"title"`
	CreatedAt   time.Time         `json:"created_at"`
	Messages    []MessageView     `json:"messages"`
	ModelSource *ModelSourceInput `json:"model_source"`
}

type ChatResponse struct {
	Conversation ConversationView `json:"conversation"`
	Reply        MessageView      `json:"reply"`
}

func NewMessageView(m Message) MessageView {
	return MessageView{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
