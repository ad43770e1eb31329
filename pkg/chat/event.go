package chat

import "encoding/json"

// EventKind tags an Event.
type EventKind string

const (
	EventChunk      EventKind = "chunk"
	EventToolStart  EventKind = "tool_start"
	EventToolResult EventKind = "tool_result"
	EventToolError  EventKind = "tool_error"
	EventEnd        EventKind = "end"
	EventError      EventKind = "error"

	// EventTyping carries typing indicators through the relay. It is not
	// produced by generation.
	EventTyping EventKind = "typing"

	// EventSessionDeleted tells every process to drop a deleted session.
	EventSessionDeleted EventKind = "session_deleted"
)

// Terminal reports whether the kind ends a generation stream.
func (k EventKind) Terminal() bool {
	return k == EventEnd || k == EventError
}

// ToolInfo describes a tool invocation carried by tool events.
type ToolInfo struct {
	CallID    string `json:"callId,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is a unit published to every subscriber of a session.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"sessionId"`
	TaskID    string    `json:"taskId,omitempty"`
	Seq       int       `json:"seq,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tool      *ToolInfo `json:"tool,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`

	// Origin is the connection that caused a typing event.
	Origin string `json:"origin,omitempty"`
	UserID string `json:"userId,omitempty"`
	Typing bool   `json:"typing,omitempty"`
}

// Encode serializes the event for a broker.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a broker payload.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
