// Package scheduler fires cron-scheduled agents and workflows and owns the
// run registry: every run is recorded from queued through terminal with
// provider-reported usage and priced cost.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/turn"
	"github.com/stewardhq/steward/pkg/models"
)

var (
	// ErrAgentBusy means the agent's advisory lock is held by another run.
	// The lock, not agent status, decides this.
	ErrAgentBusy = errors.New("agent busy")
	// ErrQuotaExceeded means the owner hit the daily run cap.
	ErrQuotaExceeded = errors.New("daily run quota exceeded")
	// ErrSchedulingDisabled means the kill switch refused the run.
	ErrSchedulingDisabled = errors.New("scheduling disabled")
)

// WorkflowRunner starts reserved workflow executions; the workflow engine
// implements it.
type WorkflowRunner interface {
	Reserve(ctx context.Context, workflowID, ownerID string) (*models.WorkflowExecution, error)
	Run(ctx context.Context, executionID string) error
}

// Scheduler drives cron entries and gates every run it fires.
type Scheduler struct {
	store     store.Store
	turns     *turn.Engine
	workflows WorkflowRunner
	bus       *bus.Bus
	metrics   *observability.Metrics
	logger    *slog.Logger
	cfg       config.SchedulerConfig

	cron *cron.Cron
	now  func() time.Time
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithMetrics wires the Prometheus run collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the scheduler clock; for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
func New(st store.Store, turns *turn.Engine, workflows WorkflowRunner, b *bus.Bus, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     st,
		turns:     turns,
		workflows: workflows,
		bus:       b,
		logger:    slog.Default().With("component", "scheduler"),
		cfg:       cfg,
		cron:      cron.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers every scheduled agent and workflow with cron and starts
// ticking. A malformed cron expression skips that entry with a log line
// instead of failing startup.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled by config")
		return nil
	}

	agents, err := s.store.ListScheduledAgents(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled agents: %w", err)
	}
	for _, agent := range agents {
		agent := agent
		if _, err := s.cron.AddFunc(agent.Schedule, func() {
			if _, err := s.FireAgent(context.Background(), agent.ID); err != nil {
				s.logger.Warn("scheduled agent run refused", "agent_id", agent.ID, "error", err)
			}
		}); err != nil {
			s.logger.Warn("bad agent schedule", "agent_id", agent.ID,
				"schedule", agent.Schedule, "error", err)
		}
	}

	workflows, err := s.store.ListScheduledWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled workflows: %w", err)
	}
	for _, wf := range workflows {
		wf := wf
		if _, err := s.cron.AddFunc(wf.Schedule, func() {
			if err := s.FireWorkflow(context.Background(), wf.ID); err != nil {
				s.logger.Warn("scheduled workflow run failed", "workflow_id", wf.ID, "error", err)
			}
		}); err != nil {
			s.logger.Warn("bad workflow schedule", "workflow_id", wf.ID,
				"schedule", wf.Schedule, "error", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "agents", len(agents), "workflows", len(workflows))
	return nil
}

// Stop halts cron and waits for entries in flight.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// FireAgent runs one scheduled agent now, applying the gates in order:
// advisory lock, kill switch, daily quota. The lock is held for the full
// run.
func (s *Scheduler) FireAgent(ctx context.Context, agentID string) (*models.Run, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	release, ok, err := s.store.TryLockAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("agent lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, ErrAgentBusy)
	}
	defer release()

	admin := s.isAdmin(ctx, agent.OwnerID)
	if err := s.gate(ctx, agent.OwnerID, admin); err != nil {
		return nil, err
	}
	return s.executeAgentRun(ctx, agent)
}

// gate applies the kill switch and the per-user daily quota. Admins
// bypass both.
func (s *Scheduler) gate(ctx context.Context, ownerID string, admin bool) error {
	if admin {
		return nil
	}
	if s.cfg.Disabled {
		return ErrSchedulingDisabled
	}
	if s.cfg.MaxRunsPerUserPerDay > 0 {
		count, err := s.store.CountRunsStartedToday(ctx, ownerID, s.now())
		if err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		if count >= s.cfg.MaxRunsPerUserPerDay {
			return fmt.Errorf("owner %s: %w", ownerID, ErrQuotaExceeded)
		}
	}
	return nil
}

// executeAgentRun drives a run row queued -> running -> terminal and prices
// the usage.
func (s *Scheduler) executeAgentRun(ctx context.Context, agent *models.Agent) (*models.Run, error) {
	run := &models.Run{
		ID:      uuid.NewString(),
		AgentID: agent.ID,
		OwnerID: agent.OwnerID,
		Status:  models.RunQueued,
		Trigger: models.TriggerSchedule,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.bus.PublishAsync(bus.EventRunCreated, map[string]any{
		"run_id": run.ID, "agent_id": agent.ID, "trigger": string(run.Trigger),
	})

	started := s.now()
	run.Status = models.RunRunning
	run.StartedAt = started
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	s.markAgent(ctx, agent, models.AgentRunning, "")

	thread := &models.Thread{
		ID:      uuid.NewString(),
		AgentID: agent.ID,
		OwnerID: agent.OwnerID,
		Type:    models.ThreadScheduled,
		Title:   agent.Name + " (scheduled)",
	}
	var turnResult *turn.Result
	runErr := func() error {
		if err := s.store.CreateThread(ctx, thread); err != nil {
			return fmt.Errorf("create thread: %w", err)
		}
		if prompt := turn.SystemPrompt(agent); prompt != "" {
			if err := s.store.AppendMessage(ctx, &models.Message{
				ThreadID:  thread.ID,
				Role:      models.RoleSystem,
				Content:   prompt,
				Processed: true,
				SentAt:    s.now(),
			}); err != nil {
				return fmt.Errorf("seed system message: %w", err)
			}
		}
		task := agent.TaskInstructions
		if task == "" {
			task = "Run your scheduled task."
		}
		if err := s.store.AppendMessage(ctx, &models.Message{
			ThreadID: thread.ID,
			Role:     models.RoleUser,
			Content:  task,
			SentAt:   s.now(),
		}); err != nil {
			return fmt.Errorf("seed thread: %w", err)
		}
		var err error
		turnResult, err = s.turns.Run(ctx, agent, thread.ID, false)
		return err
	}()

	run.ThreadID = thread.ID
	run.FinishedAt = s.now()
	run.DurationMS = run.FinishedAt.Sub(started).Milliseconds()
	if runErr != nil {
		run.Status = models.RunFailed
		run.Error = runErr.Error()
		s.markAgent(ctx, agent, models.AgentError, runErr.Error())
	} else {
		run.Status = models.RunSuccess
		run.TotalTokens = turnResult.Usage.TotalTokens
		run.CostUSD = llm.Cost(agent.Model, turnResult.Usage)
		run.Summary = runSummary(turnResult.Messages)
		s.markAgent(ctx, agent, models.AgentIdle, "")
	}
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("run close failed", "run_id", run.ID, "error", err)
	}
	s.observeRun(run)
	s.bus.PublishAsync(bus.EventRunUpdated, map[string]any{
		"run_id": run.ID, "status": string(run.Status), "cost_usd": run.CostUSD,
	})
	if runErr != nil {
		return run, fmt.Errorf("run %s: %w", run.ID, runErr)
	}
	return run, nil
}

// markAgent records the agent status transition. Advisory locks stay the
// source of truth for exclusivity; this is the telemetry view.
func (s *Scheduler) markAgent(ctx context.Context, agent *models.Agent, status models.AgentStatus, lastError string) {
	agent.Status = status
	agent.LastError = lastError
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Warn("agent status update failed", "agent_id", agent.ID, "error", err)
	}
}

// FireWorkflow reserves and runs one scheduled workflow execution.
func (s *Scheduler) FireWorkflow(ctx context.Context, workflowID string) error {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	if err := s.gate(ctx, wf.OwnerID, s.isAdmin(ctx, wf.OwnerID)); err != nil {
		return err
	}
	ex, err := s.workflows.Reserve(ctx, wf.ID, wf.OwnerID)
	if err != nil {
		return err
	}
	return s.workflows.Run(ctx, ex.ID)
}

// runSummary clips the last non-empty assistant message to 150 chars.
func runSummary(msgs []*models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleAssistant {
			continue
		}
		text := strings.TrimSpace(msgs[i].Content)
		if text == "" {
			continue
		}
		if len(text) > 150 {
			text = text[:150]
		}
		return text
	}
	return ""
}

func (s *Scheduler) isAdmin(ctx context.Context, ownerID string) bool {
	user, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return false
	}
	return user.IsAdmin
}

func (s *Scheduler) observeRun(run *models.Run) {
	if s.metrics == nil {
		return
	}
	s.metrics.RunCounter.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
	s.metrics.RunDuration.WithLabelValues(string(run.Trigger)).
		Observe(float64(run.DurationMS) / 1000)
}

// OpsSummary reports today's scheduling posture: run volume, spend, and
// budget burn, globally and for one owner. Budgets are tracked post-hoc;
// the summary is where the percentages surface.
type OpsSummary struct {
	Date              string  `json:"date"`
	SchedulingEnabled bool    `json:"scheduling_enabled"`
	KillSwitchActive  bool    `json:"kill_switch_active"`
	CostTodayCents    float64 `json:"cost_today_cents"`
	DailyBudgetCents  int     `json:"daily_budget_cents,omitempty"`
	BudgetUsedPercent float64 `json:"budget_used_percent,omitempty"`

	OwnerID                string  `json:"owner_id,omitempty"`
	OwnerCostTodayCents    float64 `json:"owner_cost_today_cents,omitempty"`
	OwnerDailyBudgetCents  int     `json:"owner_daily_budget_cents,omitempty"`
	OwnerBudgetUsedPercent float64 `json:"owner_budget_used_percent,omitempty"`
}

// Summary computes the ops summary for the current UTC day. A non-empty
// ownerID adds that owner's spend against the per-user budget.
func (s *Scheduler) Summary(ctx context.Context, ownerID string) (*OpsSummary, error) {
	now := s.now()
	cost, err := s.store.CostTodayUSD(ctx, "", now)
	if err != nil {
		return nil, fmt.Errorf("cost today: %w", err)
	}
	summary := &OpsSummary{
		Date:              now.UTC().Format("2006-01-02"),
		SchedulingEnabled: s.cfg.Enabled,
		KillSwitchActive:  s.cfg.Disabled,
		CostTodayCents:    cost * 100,
		DailyBudgetCents:  s.cfg.DailyCostBudgetCents,
	}
	if s.cfg.DailyCostBudgetCents > 0 {
		summary.BudgetUsedPercent = summary.CostTodayCents / float64(s.cfg.DailyCostBudgetCents) * 100
	}
	if ownerID != "" {
		ownerCost, err := s.store.CostTodayUSD(ctx, ownerID, now)
		if err != nil {
			return nil, fmt.Errorf("owner cost today: %w", err)
		}
		summary.OwnerID = ownerID
		summary.OwnerCostTodayCents = ownerCost * 100
		summary.OwnerDailyBudgetCents = s.cfg.UserDailyCostBudgetCents
		if s.cfg.UserDailyCostBudgetCents > 0 {
			summary.OwnerBudgetUsedPercent = summary.OwnerCostTodayCents / float64(s.cfg.UserDailyCostBudgetCents) * 100
		}
	}
	return summary, nil
}
