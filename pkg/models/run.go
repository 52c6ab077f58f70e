package models

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerManual   RunTrigger = "manual"
	TriggerSchedule RunTrigger = "schedule"
	TriggerChat     RunTrigger = "chat"
	TriggerAPI      RunTrigger = "api"
	TriggerWebhook  RunTrigger = "webhook"
)

// Usage aggregates provider-reported token counts. Values are never
// estimated; they come strictly from provider metadata.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Run is one execution attempt of an agent. Runs are immutable once
// finished.
type Run struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	ThreadID    string     `json:"thread_id"`
	OwnerID     string     `json:"owner_id"`
	Status      RunStatus  `json:"status"`
	Trigger     RunTrigger `json:"trigger"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	TotalTokens int        `json:"total_tokens,omitempty"`
	CostUSD     float64    `json:"cost_usd,omitempty"`
	Error       string     `json:"error,omitempty"`
	Summary     string     `json:"summary,omitempty"`
}
