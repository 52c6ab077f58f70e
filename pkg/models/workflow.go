package models

import "time"

// NodeType identifies the behavior of a workflow node.
type NodeType string

const (
	NodeTrigger     NodeType = "trigger"
	NodeTool        NodeType = "tool"
	NodeAgent       NodeType = "agent"
	NodeConditional NodeType = "conditional"
)

// Node is one vertex of a workflow canvas. Positional and visual attributes
// are irrelevant to the engine and are not modeled.
type Node struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge connects two nodes. Branch tags ("true"/"false") are meaningful only
// on edges leaving a conditional node.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Branch string `json:"branch,omitempty"`
}

// Workflow is a user-authored DAG of typed nodes.
type Workflow struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Schedule  string    `json:"schedule,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Phase is the execution phase of a workflow execution or a single node.
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseRunning  Phase = "running"
	PhaseFinished Phase = "finished"
)

// Result is set when a phase reaches finished.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailure   Result = "failure"
	ResultCancelled Result = "cancelled"
)

// OutputMeta describes how a node output was produced.
type OutputMeta struct {
	Phase        Phase          `json:"phase"`
	Result       Result         `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// NodeOutput is the envelope every executed node produces. Downstream
// variable resolution reads it.
type NodeOutput struct {
	Value any        `json:"value"`
	Meta  OutputMeta `json:"meta"`
}

// NodeExecutionState tracks one node within a workflow execution.
type NodeExecutionState struct {
	NodeID     string      `json:"node_id"`
	Phase      Phase       `json:"phase"`
	Result     Result      `json:"result,omitempty"`
	Output     *NodeOutput `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
}

// WorkflowExecution is one run of a workflow. Once Phase is finished,
// Result is set and the timestamps are frozen.
type WorkflowExecution struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	OwnerID    string    `json:"owner_id"`
	Phase      Phase     `json:"phase"`
	Result     Result    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Trigger is a persisted hook (email, webhook, cron). Watermark carries
// high-water marks for pollable sources, e.g. a gmail history id.
type Trigger struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Type       string         `json:"type"`
	Config     map[string]any `json:"config,omitempty"`
	Watermark  map[string]any `json:"watermark,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
