package models

import "time"

// AgentStatus is secondary telemetry about an agent; run exclusivity is
// enforced by advisory locks, not this field.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentError   AgentStatus = "error"
)

// Agent is the configuration for an LLM-backed actor.
type Agent struct {
	ID                 string `json:"id"`
	OwnerID            string `json:"owner_id"`
	Name               string `json:"name"`
	Model              string `json:"model"`
	SystemInstructions string `json:"system_instructions,omitempty"`
	TaskInstructions   string `json:"task_instructions,omitempty"`
	// AllowedTools narrows the tool set exposed to the LLM. Empty means all.
	AllowedTools []string       `json:"allowed_tools,omitempty"`
	Schedule     string         `json:"schedule,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Status       AgentStatus    `json:"status"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// IsSupervisor reports whether the agent is the per-user supervisor.
func (a *Agent) IsSupervisor() bool {
	if a == nil || a.Config == nil {
		return false
	}
	v, ok := a.Config["is_supervisor"].(bool)
	return ok && v
}

// User is the owner of agents, threads, and workers.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	DisplayName        string    `json:"display_name,omitempty"`
	IsAdmin            bool      `json:"is_admin,omitempty"`
	CustomInstructions string    `json:"custom_instructions,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
