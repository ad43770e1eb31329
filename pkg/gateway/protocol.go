package gateway

import (
	"strings"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

// Inbound event types.
const (
	TypeJoin        = "join"
	TypeCreate      = "create"
	TypeMessage     = "message"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypeStop        = "stop"
	TypeClearMemory = "clear_memory"
	TypeLeave       = "leave"
)

// Outbound event types.
const (
	TypeConnected     = "connected"
	TypeRoomJoined    = "room_joined"
	TypeRoomCreated   = "room_created"
	TypeAccepted      = "accepted"
	TypeChunk         = "chunk"
	TypeToolStart     = "tool-start"
	TypeToolResult    = "tool-result"
	TypeToolError     = "tool-error"
	TypeStreamEnd     = "stream-end"
	TypeStreamError   = "stream-error"
	TypeUserTyping    = "user-typing"
	TypeMemoryCleared = "memory_cleared"
	TypeLeft          = "left"
	TypeError         = "error"
)

// Inbound is a client request.
type Inbound struct {
	Type        string            `json:"type"`
	RequestID   string            `json:"requestId,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	AgentID     string            `json:"agentId,omitempty"`
	Title       string            `json:"title,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
}

// Outbound is a message sent to a client.
type Outbound struct {
	Type         string         `json:"type"`
	RequestID    string         `json:"requestId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	AgentID      string         `json:"agentId,omitempty"`
	Title        string         `json:"title,omitempty"`
	TaskID       string         `json:"taskId,omitempty"`
	Seq          int            `json:"seq,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	Text         string         `json:"text,omitempty"`
	Tool         *chat.ToolInfo `json:"tool,omitempty"`
	Usage        *chat.Usage    `json:"usage,omitempty"`
	Typing       bool           `json:"typing,omitempty"`
	Error        string         `json:"error,omitempty"`
	Code         string         `json:"code,omitempty"`
}

var eventTypes = map[chat.EventKind]string{
	chat.EventChunk:      TypeChunk,
	chat.EventToolStart:  TypeToolStart,
	chat.EventToolResult: TypeToolResult,
	chat.EventToolError:  TypeToolError,
	chat.EventEnd:        TypeStreamEnd,
	chat.EventError:      TypeStreamError,
	chat.EventTyping:     TypeUserTyping,

	chat.EventSessionDeleted: TypeLeft,
}

// outboundFromEvent converts a relay event. It returns false for kinds the
// protocol does not carry.
func outboundFromEvent(ev chat.Event) (Outbound, bool) {
	typ, ok := eventTypes[ev.Kind]
	if !ok {
		return Outbound{}, false
	}
	return Outbound{
		Type:      typ,
		SessionID: ev.SessionID,
		TaskID:    ev.TaskID,
		Seq:       ev.Seq,
		UserID:    ev.UserID,
		Text:      ev.Text,
		Tool:      ev.Tool,
		Usage:     ev.Usage,
		Typing:    ev.Typing,
		Error:     ev.Error,
		Code:      ev.ErrorCode,
	}, true
}

// errorOutbound reports a failed request to the connection that made it.
func errorOutbound(req Inbound, err error) Outbound {
	return Outbound{
		Type:      TypeError,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Error:     chat.PublicMessage(err),
		Code:      string(chat.CodeOf(err)),
	}
}

// sanitize strips control characters other than newline, tab and carriage
// return from the free-text fields of a request.
func (in *Inbound) sanitize() {
	in.Text = sanitizeText(in.Text)
	in.Title = sanitizeText(in.Title)
	for i := range in.Attachments {
		in.Attachments[i].Name = sanitizeText(in.Attachments[i].Name)
		in.Attachments[i].Text = sanitizeText(in.Attachments[i].Text)
	}
}

func sanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.Map(func(r rune) rune {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		return -1
	}, s)
}
