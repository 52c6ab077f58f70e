// Package store persists core metadata: agents, threads, messages, runs,
// workflows, executions, and triggers. Two implementations exist: an
// in-memory store for tests and single-process use, and a Postgres store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stewardhq/steward/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on id collisions and duplicate names.
	ErrConflict = errors.New("conflict")
)

// AgentStore persists agent configuration.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	// FindSupervisorAgent returns the unique agent with config.is_supervisor
	// for the owner, or ErrNotFound.
	FindSupervisorAgent(ctx context.Context, ownerID string) (*models.Agent, error)
	// ListScheduledAgents returns agents with a non-empty cron schedule.
	ListScheduledAgents(ctx context.Context) ([]*models.Agent, error)
}

// ThreadStore persists threads and their messages. Message ids are assigned
// at insert and are strictly ascending within a thread; id ordering is
// authoritative, timestamps are advisory.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	TouchThread(ctx context.Context, id string, at time.Time) error
	// FindSuperThread returns the single thread of type super for the agent.
	FindSuperThread(ctx context.Context, agentID string) (*models.Thread, error)

	// AppendMessage assigns the message id and appends it.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// AppendMessages appends a batch and marks the consumed user messages
	// processed in the same transaction.
	AppendMessages(ctx context.Context, msgs []*models.Message, processedIDs []int64) error
	// History returns all messages of a thread in ascending id order.
	History(ctx context.Context, threadID string) ([]*models.Message, error)
	// UnprocessedUserMessages returns user messages with processed=false in
	// ascending id order.
	UnprocessedUserMessages(ctx context.Context, threadID string) ([]*models.Message, error)
}

// RunStore persists run rows. Runs are immutable once finished.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	// CountRunsStartedToday counts the owner's runs started in the current
	// UTC calendar day.
	CountRunsStartedToday(ctx context.Context, ownerID string, now time.Time) (int, error)
	// CostTodayUSD sums run cost for the UTC day, for one owner or, with
	// empty ownerID, globally.
	CostTodayUSD(ctx context.Context, ownerID string, now time.Time) (float64, error)
}

// WorkflowStore persists workflow canvases and executions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListScheduledWorkflows(ctx context.Context) ([]*models.Workflow, error)

	CreateExecution(ctx context.Context, ex *models.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, ex *models.WorkflowExecution) error
	UpsertNodeState(ctx context.Context, executionID string, state *models.NodeExecutionState) error
	NodeStates(ctx context.Context, executionID string) (map[string]*models.NodeExecutionState, error)
}

// TriggerStore persists trigger rows and their high-water marks.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, tr *models.Trigger) error
	GetTrigger(ctx context.Context, id string) (*models.Trigger, error)
	// UpdateWatermark replaces the trigger's high-water mark map.
	UpdateWatermark(ctx context.Context, id string, watermark map[string]any) error
}

// UserStore resolves run owners.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	PutUser(ctx context.Context, user *models.User) error
}

// AgentLocker provides cross-process advisory locking for agent-run
// exclusivity. The lock, not the agent status field, is the source of truth
// for the at-most-one-running-run invariant.
type AgentLocker interface {
	// TryLockAgent acquires the agent's advisory lock without blocking.
	// It returns a release func on success and ok=false when the lock is
	// already held.
	TryLockAgent(ctx context.Context, agentID string) (release func(), ok bool, err error)
}

// Store aggregates every persistence concern the core needs.
type Store interface {
	AgentStore
	ThreadStore
	RunStore
	WorkflowStore
	TriggerStore
	UserStore
	AgentLocker
}
