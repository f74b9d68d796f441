package ws

import (
	"encoding/json"
	"time"
)

// Inbound event types.
const (
	EventJoinWorkspace  = "join-workspace"
	EventLeaveWorkspace = "leave-workspace"
	EventCodeChange     = "code-change"
	EventCursorUpdate   = "cursor-update"
	EventFileOperation  = "file-operation"
	EventTerminalInput  = "terminal-input"
	EventTerminalOutput = "terminal-output"
	EventChatMessage    = "chat-message"
)

// Outbound event types.
const (
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventWorkspaceUsers = "workspace-users"
	EventError          = "error"
)

// relayEvents are forwarded to room members without re-authorization.
// chat-message is the one type echoed back to its sender.
var relayEvents = map[string]bool{
	EventCodeChange:     true,
	EventCursorUpdate:   true,
	EventFileOperation:  true,
	EventTerminalInput:  true,
	EventTerminalOutput: true,
	EventChatMessage:    true,
}

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Username    string          `json:"username,omitempty"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Message     string          `json:"message,omitempty"`
	Users       []RoomUser      `json:"users,omitempty"`
}

// RoomUser is one entry of a workspace-users roster.
type RoomUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func encode(env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return data
}

func errorFrame(message string) []byte {
	return encode(Envelope{Type: EventError, Message: message})
}
