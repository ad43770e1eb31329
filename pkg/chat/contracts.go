package chat

import "context"

// ChatStore persists sessions and their messages. Implementations must
// return ErrSessionNotFound for unknown sessions.
type ChatStore interface {
	CreateSession(ctx context.Context, ownerID, title, agentID string) (*SessionRecord, error)
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	GetOwner(ctx context.Context, sessionID string) (string, error)
	SetSessionAgent(ctx context.Context, sessionID, agentID string) error
	AppendMessage(ctx context.Context, sessionID string, entry MemoryEntry) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]MemoryEntry, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// AgentResolver maps an agent id to its configuration. Implementations must
// return ErrAgentNotFound for unknown agents.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, agentID string) (*AgentConfig, error)
}
