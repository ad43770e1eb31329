// Package chat holds the data model shared by the session engine: sessions,
// agent configurations, memory entries, stream events and the contracts of
// the collaborators the engine depends on.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a memory entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// AuthenticatedUser is the identity the transport resolved for a connection.
type AuthenticatedUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// AgentConfig is the resolved configuration of the agent answering in a session.
type AgentConfig struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name,omitempty" yaml:"name"`
	ModelID      string   `json:"modelId" yaml:"model"`
	SystemPrompt string   `json:"systemPrompt,omitempty" yaml:"system_prompt"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	MaxTokens    int      `json:"maxTokens,omitempty" yaml:"max_tokens"`
	Collections  []string `json:"collections,omitempty" yaml:"collections"`
	Tools        []string `json:"tools,omitempty" yaml:"tools"`
}

// Session is the in-process view of a conversation. It is created on create
// or lazily loaded on join; Agent changes on agent switch.
type Session struct {
	ID           string
	OwnerID      string
	Title        string
	AgentID      string
	Agent        *AgentConfig
	CreatedAt    time.Time
	LastActivity time.Time
}

// SessionRecord is the persisted form of a session kept by the chat store.
type SessionRecord struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MemoryEntry is one immutable message of a conversation.
type MemoryEntry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMemoryEntry creates an entry with a fresh id and the current time.
func NewMemoryEntry(role Role, text string) MemoryEntry {
	return MemoryEntry{
		ID:        uuid.New().String(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// Attachment references content uploaded alongside a message. Only its
// extracted text participates in generation.
type Attachment struct {
	Name string `json:"name"`
	Text string `json:"text,omitempty"`
}

// GenerationTask is a single user message accepted for generation.
type GenerationTask struct {
	ID          string
	SessionID   string
	UserID      string
	Message     string
	Agent       AgentConfig
	Attachments []Attachment
}

// Validate checks that the task can be dispatched.
func (t *GenerationTask) Validate() error {
	if t.SessionID == "" {
		return NewValidationError("session id is required")
	}
	if t.UserID == "" {
		return NewValidationError("user id is required")
	}
	if t.Message == "" && len(t.Attachments) == 0 {
		return NewValidationError("message cannot be empty")
	}
	return nil
}

// Usage reports token accounting for a completed generation.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}
