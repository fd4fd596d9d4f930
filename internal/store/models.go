package store

import "time"

type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"` // Subject claim issued by the identity provider
	CreatedAt      time.Time `json:"created_at"`
}

type Chat struct {
	ID        string    `json:"id"` // Using UUID for external ID
	UserID    int64     `json:"user_id,omitempty"`
	Title     string    `json:"title"`
	Subject   string    `json:"subject,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// LastMessage returns the newest message, or nil for a chat without any.
func (c *Chat) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Clone returns a copy that shares no message storage with c.
func (c Chat) Clone() Chat {
	c.Messages = append([]Message(nil), c.Messages...)
	return c
}

type Message struct {
	ID        string    `json:"id"` // Using UUID for external ID
	ChatID    string    `json:"chat_id,omitempty"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Material struct {
	ID            int64     `json:"id"`
	Subject       string    `json:"subject"`
	Unit          string    `json:"unit"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"-"` // Don't marshal to JSON response, internal
	EmbeddingJSON string    `json:"-"` // Store as JSON string for DB
}
