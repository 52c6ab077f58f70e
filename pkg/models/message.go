package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ThreadType classifies how a thread was created and who drives it.
type ThreadType string

const (
	// ThreadChat is an interactive conversation thread.
	ThreadChat ThreadType = "chat"
	// ThreadManual is created programmatically for a one-shot run.
	ThreadManual ThreadType = "manual"
	// ThreadScheduled is driven by the cron scheduler.
	ThreadScheduled ThreadType = "scheduled"
	// ThreadSuper is the single long-lived supervisor thread per user.
	ThreadSuper ThreadType = "super"
)

// Thread is an ordered, append-only message log belonging to one agent.
// Message 0 is the thread's system message.
type Thread struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	OwnerID   string         `json:"owner_id"`
	Type      ThreadType     `json:"type"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Message is one entry in a thread. Messages are totally ordered by ID;
// timestamps are advisory only.
type Message struct {
	ID         int64      `json:"id"`
	ThreadID   string     `json:"thread_id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ParentID   int64      `json:"parent_id,omitempty"`
	Processed  bool       `json:"processed"`
	SentAt     time.Time  `json:"sent_at"`
}
