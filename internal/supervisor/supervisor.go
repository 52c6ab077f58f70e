// Package supervisor manages the per-user orchestrating agent: exactly one
// long-lived agent and one thread of type super per user, driving workers
// through the worker management tools.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/runctx"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/internal/turn"
	"github.com/stewardhq/steward/pkg/models"
)

const defaultTimeout = 15 * time.Minute

// supervisorPromptTemplate is the static part of the supervisor system
// prompt. The user-specific context is appended at compose time.
const supervisorPromptTemplate = `You are a supervisor agent. You delegate long or parallel work to
workers with spawn_worker and track them with list_workers,
read_worker_result, read_worker_file, grep_workers, and
get_worker_metadata. Workers run in the background; spawn them and keep
going. Check prior worker results before repeating work. Answer directly
when no delegation is needed.`

// utilityToolNames extends the worker management set with common
// utilities.
var utilityToolNames = []string{"get_current_time", "http_request"}

// Result is the outcome of one supervisor run.
type Result struct {
	RunID      string `json:"run_id"`
	ThreadID   string `json:"thread_id"`
	Status     string `json:"status"`
	Result     string `json:"result"`
	DurationMS int64  `json:"duration_ms"`
}

// Service owns supervisor agents, threads, and runs.
type Service struct {
	store  store.Store
	engine *turn.Engine
	bus    *bus.Bus
	logger *slog.Logger

	model   string
	timeout time.Duration
	now     func() time.Time
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithModel sets the supervisor agent model.
func WithModel(model string) ServiceOption {
	return func(s *Service) {
		if model != "" {
			s.model = model
		}
	}
}

// WithTimeout sets the default run timeout.
func WithTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger configures the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the service clock; for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a supervisor service.
func NewService(st store.Store, engine *turn.Engine, b *bus.Bus, opts ...ServiceOption) *Service {
	s := &Service{
		store:   st,
		engine:  engine,
		bus:     b,
		logger:  slog.Default().With("component", "supervisor"),
		model:   "claude-sonnet-4-5",
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateAgent returns the user's unique supervisor agent, creating it
// on first use. The system prompt is recomposed from the current user
// context on every create.
func (s *Service) GetOrCreateAgent(ctx context.Context, ownerID string) (*models.Agent, error) {
	agent, err := s.store.FindSupervisorAgent(ctx, ownerID)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find supervisor: %w", err)
	}

	now := s.now()
	agent = &models.Agent{
		ID:                 uuid.NewString(),
		OwnerID:            ownerID,
		Name:               "supervisor",
		Model:              s.model,
		SystemInstructions: s.composePrompt(ctx, ownerID),
		AllowedTools:       supervisorToolset(),
		Config:             map[string]any{"is_supervisor": true},
		Status:             models.AgentIdle,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		// Lost a create race: the winner's agent is the supervisor.
		if errors.Is(err, store.ErrConflict) {
			return s.store.FindSupervisorAgent(ctx, ownerID)
		}
		return nil, fmt.Errorf("create supervisor: %w", err)
	}
	return agent, nil
}

// GetOrCreateThread returns the user's single super thread, creating it on
// first use. The thread accumulates supervisor context across sessions.
func (s *Service) GetOrCreateThread(ctx context.Context, ownerID string) (*models.Thread, error) {
	agent, err := s.GetOrCreateAgent(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	thread, err := s.store.FindSuperThread(ctx, agent.ID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find super thread: %w", err)
	}
	thread = &models.Thread{
		ID:      uuid.NewString(),
		AgentID: agent.ID,
		OwnerID: ownerID,
		Type:    models.ThreadSuper,
		Title:   "Supervisor",
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.store.FindSuperThread(ctx, agent.ID)
		}
		return nil, fmt.Errorf("create super thread: %w", err)
	}
	// The thread owns its system message as message 0.
	if err := s.store.AppendMessage(ctx, &models.Message{
		ThreadID:  thread.ID,
		Role:      models.RoleSystem,
		Content:   turn.SystemPrompt(agent),
		Processed: true,
		SentAt:    s.now(),
	}); err != nil {
		return nil, fmt.Errorf("seed system message: %w", err)
	}
	return thread, nil
}

// Run executes one supervisor task on the user's long-lived thread. A
// non-empty runID reuses a reserved run row instead of creating one.
func (s *Service) Run(ctx context.Context, ownerID, task, runID string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}
	agent, err := s.GetOrCreateAgent(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	thread, err := s.GetOrCreateThread(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendMessage(ctx, &models.Message{
		ThreadID: thread.ID,
		Role:     models.RoleUser,
		Content:  task,
		SentAt:   s.now(),
	}); err != nil {
		return nil, fmt.Errorf("append task: %w", err)
	}

	run, err := s.openRun(ctx, agent.ID, thread.ID, ownerID, runID)
	if err != nil {
		return nil, err
	}
	started := s.now()
	s.bus.PublishAsync(bus.EventSupervisorStarted, map[string]any{
		"run_id":    run.ID,
		"thread_id": thread.ID,
		"owner_id":  ownerID,
		"task":      task,
	})

	s.markAgent(ctx, agent, models.AgentRunning, "")

	// Workers spawned during this turn are attributed to the run.
	turnCtx := runctx.WithSupervisorRun(ctx, run.ID)
	if runctx.Resolver(turnCtx) == nil {
		turnCtx = runctx.WithResolver(turnCtx, &runctx.StaticResolver{Owner: ownerID})
	}
	turnCtx = runctx.WithStream(turnCtx, runctx.StreamContext{
		ThreadID: thread.ID,
		UserID:   ownerID,
		RunID:    run.ID,
	})
	turnCtx, cancel := context.WithTimeout(turnCtx, timeout)
	defer cancel()

	turnResult, turnErr := s.engine.Run(turnCtx, agent, thread.ID, true)
	duration := int64(s.now().Sub(started) / time.Millisecond)

	if turnErr != nil {
		s.markAgent(ctx, agent, models.AgentError, turnErr.Error())
		s.closeRun(ctx, run, models.RunFailed, models.Usage{}, turnErr.Error(), duration)
		s.bus.PublishAsync(bus.EventError, map[string]any{
			"run_id":    run.ID,
			"thread_id": thread.ID,
			"error":     turnErr.Error(),
		})
		return nil, fmt.Errorf("supervisor run %s: %w", run.ID, turnErr)
	}

	result := lastAssistantContent(turnResult.Messages)
	s.markAgent(ctx, agent, models.AgentIdle, "")
	s.closeRun(ctx, run, models.RunSuccess, turnResult.Usage, "", duration)
	s.bus.PublishAsync(bus.EventSupervisorComplete, map[string]any{
		"run_id":      run.ID,
		"thread_id":   thread.ID,
		"status":      string(models.RunSuccess),
		"result":      result,
		"duration_ms": duration,
		"debug_url":   "/runs/" + run.ID,
	})
	return &Result{
		RunID:      run.ID,
		ThreadID:   thread.ID,
		Status:     string(models.RunSuccess),
		Result:     result,
		DurationMS: duration,
	}, nil
}

// openRun reuses a reserved run row when runID is set, otherwise creates
// one. Either way the run leaves here in running state.
func (s *Service) openRun(ctx context.Context, agentID, threadID, ownerID, runID string) (*models.Run, error) {
	now := s.now()
	if runID != "" {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("reserved run %s: %w", runID, err)
		}
		run.Status = models.RunRunning
		run.ThreadID = threadID
		run.StartedAt = now
		if err := s.store.UpdateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("start reserved run: %w", err)
		}
		return run, nil
	}
	run := &models.Run{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		ThreadID:  threadID,
		OwnerID:   ownerID,
		Status:    models.RunRunning,
		Trigger:   models.TriggerAPI,
		StartedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// markAgent records the supervisor's status transition and, on failure, the
// last error.
func (s *Service) markAgent(ctx context.Context, agent *models.Agent, status models.AgentStatus, lastError string) {
	agent.Status = status
	agent.LastError = lastError
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Warn("agent status update failed", "agent_id", agent.ID, "error", err)
	}
}

func (s *Service) closeRun(ctx context.Context, run *models.Run, status models.RunStatus, usage models.Usage, errStr string, duration int64) {
	run.Status = status
	run.FinishedAt = s.now()
	run.DurationMS = duration
	run.TotalTokens = usage.TotalTokens
	run.Error = errStr
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("run close failed", "run_id", run.ID, "error", err)
	}
}

// composePrompt renders the supervisor system prompt from the template and
// the user's current context.
func (s *Service) composePrompt(ctx context.Context, ownerID string) string {
	var b strings.Builder
	b.WriteString(supervisorPromptTemplate)
	user, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return b.String()
	}
	if user.DisplayName != "" {
		fmt.Fprintf(&b, "\n\nUser: %s", user.DisplayName)
	}
	if user.CustomInstructions != "" {
		fmt.Fprintf(&b, "\n\nUser instructions:\n%s", user.CustomInstructions)
	}
	return b.String()
}

func supervisorToolset() []string {
	set := append([]string(nil), tools.WorkerToolNames...)
	return append(set, utilityToolNames...)
}

func lastAssistantContent(msgs []*models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	return ""
}
