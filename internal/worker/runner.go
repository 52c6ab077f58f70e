// Package worker runs one-shot agent executions with full on-disk capture:
// every thread message, every tool output, a result file, and a short
// post-terminal summary.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/artifacts"
	"github.com/stewardhq/steward/internal/runctx"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/turn"
	"github.com/stewardhq/steward/pkg/models"
)

const (
	defaultTimeout = 10 * time.Minute
	// noResultPlaceholder keeps result.txt non-empty when the agent
	// produced no assistant text.
	noResultPlaceholder = "(No result generated)"
)

// defaultToolset is the infrastructure tool set granted to temporary
// worker agents.
var defaultToolset = []string{"exec_command", "http_request", "get_current_time"}

// Job describes one worker execution.
type Job struct {
	OwnerID string
	Task    string
	// AgentID selects an existing agent. Empty means a temporary agent is
	// created for this job and removed afterwards.
	AgentID string
	Config  map[string]any
	Timeout time.Duration
	// OnStart, when set, receives the worker id as soon as the worker
	// record exists.
	OnStart func(workerID string)
}

// CancelError marks a cooperative cancellation and carries its reason.
type CancelError struct {
	Reason string
}

func (e *CancelError) Error() string {
	return "worker cancelled: " + e.Reason
}

// Result is what the caller of Run receives.
type Result struct {
	WorkerID   string                 `json:"worker_id"`
	Status     artifacts.WorkerStatus `json:"status"`
	Result     string                 `json:"result"`
	Summary    string                 `json:"summary,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
}

// Runner executes worker jobs.
type Runner struct {
	store      store.Store
	artifacts  *artifacts.Store
	engine     *turn.Engine
	summarizer *Summarizer
	logger     *slog.Logger

	defaultModel string
	now          func() time.Time
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithSummarizer enables LLM summaries; without it every worker gets the
// truncation fallback.
func WithSummarizer(s *Summarizer) RunnerOption {
	return func(r *Runner) { r.summarizer = s }
}

// WithDefaultModel sets the model for temporary worker agents.
func WithDefaultModel(model string) RunnerOption {
	return func(r *Runner) {
		if model != "" {
			r.defaultModel = model
		}
	}
}

// WithLogger configures the runner logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunnerClock overrides the runner clock; for tests.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a worker runner.
func NewRunner(s store.Store, art *artifacts.Store, engine *turn.Engine, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:        s,
		artifacts:    art,
		engine:       engine,
		logger:       slog.Default().With("component", "worker"),
		defaultModel: "claude-sonnet-4-5",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the job to a terminal worker state. The returned error
// covers infrastructure failures only; an agent that fails its task still
// yields a Result with status failed.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	if job.OwnerID == "" {
		return nil, fmt.Errorf("worker job requires an owner")
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	config := map[string]any{}
	for k, v := range job.Config {
		config[k] = v
	}
	config["owner_id"] = job.OwnerID

	workerID, err := r.artifacts.CreateWorker(job.Task, config)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	logger := r.logger.With("worker_id", workerID)
	if err := r.artifacts.StartWorker(workerID); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	if job.OnStart != nil {
		job.OnStart(workerID)
	}
	started := r.now()

	agent, temporary, err := r.resolveAgent(ctx, job)
	if err != nil {
		return r.finish(ctx, workerID, job.Task, started, "", err)
	}
	if temporary {
		defer func() {
			if err := r.store.DeleteAgent(context.Background(), agent.ID); err != nil {
				logger.Warn("temporary agent cleanup failed", "agent_id", agent.ID, "error", err)
			}
		}()
	}

	thread := &models.Thread{
		ID:      uuid.NewString(),
		AgentID: agent.ID,
		OwnerID: job.OwnerID,
		Type:    models.ThreadManual,
		Title:   job.Task,
	}
	if err := r.store.CreateThread(ctx, thread); err != nil {
		return r.finish(ctx, workerID, job.Task, started, "", fmt.Errorf("create thread: %w", err))
	}
	if prompt := turn.SystemPrompt(agent); prompt != "" {
		if err := r.store.AppendMessage(ctx, &models.Message{
			ThreadID:  thread.ID,
			Role:      models.RoleSystem,
			Content:   prompt,
			Processed: true,
			SentAt:    r.now(),
		}); err != nil {
			return r.finish(ctx, workerID, job.Task, started, "", fmt.Errorf("seed system message: %w", err))
		}
	}
	if err := r.store.AppendMessage(ctx, &models.Message{
		ThreadID: thread.ID,
		Role:     models.RoleUser,
		Content:  job.Task,
		SentAt:   r.now(),
	}); err != nil {
		return r.finish(ctx, workerID, job.Task, started, "", fmt.Errorf("seed thread: %w", err))
	}

	turnErr := r.runTurn(ctx, agent, thread.ID, job.OwnerID, timeout)

	// Capture whatever the turn produced, even on failure.
	history, histErr := r.store.History(ctx, thread.ID)
	if histErr != nil {
		logger.Warn("history capture failed", "error", histErr)
	}
	r.capture(workerID, history, logger)

	result := lastAssistantContent(history)
	return r.finish(ctx, workerID, job.Task, started, result, turnErr)
}

// runTurn executes one turn bounded by the job timeout. The turn keeps the
// runner's credential context so tools resolve the job owner.
func (r *Runner) runTurn(ctx context.Context, agent *models.Agent, threadID, ownerID string, timeout time.Duration) error {
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if runctx.Resolver(turnCtx) == nil {
		turnCtx = runctx.WithResolver(turnCtx, &runctx.StaticResolver{Owner: ownerID})
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.engine.Run(turnCtx, agent, threadID, false)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-turnCtx.Done():
		if turnCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("worker timed out after %s", timeout)
		}
		reason := "caller cancelled"
		if cause := context.Cause(turnCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			reason = cause.Error()
		}
		return &CancelError{Reason: reason}
	}
}

func (r *Runner) resolveAgent(ctx context.Context, job Job) (*models.Agent, bool, error) {
	if job.AgentID != "" {
		agent, err := r.store.GetAgent(ctx, job.AgentID)
		if err != nil {
			return nil, false, fmt.Errorf("resolve agent: %w", err)
		}
		return agent, false, nil
	}
	now := r.now()
	agent := &models.Agent{
		ID:           uuid.NewString(),
		OwnerID:      job.OwnerID,
		Name:         "worker-" + now.UTC().Format("20060102T150405"),
		Model:        r.defaultModel,
		AllowedTools: append([]string(nil), defaultToolset...),
		Config:       map[string]any{"temporary": true},
		Status:       models.AgentIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, false, fmt.Errorf("create temporary agent: %w", err)
	}
	return agent, true, nil
}

// capture persists the thread transcript and the individual tool outputs
// under the worker directory.
func (r *Runner) capture(workerID string, history []*models.Message, logger *slog.Logger) {
	sequence := 0
	for _, msg := range history {
		if err := r.artifacts.SaveMessage(workerID, msg); err != nil {
			logger.Warn("transcript write failed", "error", err)
			return
		}
		if msg.Role == models.RoleTool {
			sequence++
			name := msg.ToolName
			if name == "" {
				name = "tool"
			}
			if err := r.artifacts.SaveToolOutput(workerID, name, msg.Content, sequence); err != nil {
				logger.Warn("tool output write failed", "tool", name, "error", err)
			}
		}
	}
}

// finish drives the worker to its terminal state, then summarises. The
// terminal transition always precedes summarisation so status is visible
// immediately.
func (r *Runner) finish(ctx context.Context, workerID, task string, started time.Time, result string, runErr error) (*Result, error) {
	if strings.TrimSpace(result) == "" {
		result = noResultPlaceholder
	}
	if err := r.artifacts.SaveResult(workerID, result); err != nil {
		r.logger.Warn("result write failed", "worker_id", workerID, "error", err)
	}

	status := artifacts.StatusSuccess
	errStr := ""
	if runErr != nil {
		status = artifacts.StatusFailed
		var cancelled *CancelError
		if errors.As(runErr, &cancelled) {
			status = artifacts.StatusCancelled
		}
		errStr = runErr.Error()
	}
	if err := r.artifacts.CompleteWorker(workerID, status, errStr); err != nil {
		return nil, fmt.Errorf("complete worker: %w", err)
	}

	summary := r.summarize(ctx, workerID, task, result)

	duration := int64(r.now().Sub(started) / time.Millisecond)
	return &Result{
		WorkerID:   workerID,
		Status:     status,
		Result:     result,
		Summary:    summary,
		Error:      errStr,
		DurationMS: duration,
	}, nil
}

// summarize runs post-terminal. Any summariser failure falls back to
// truncating the result.
func (r *Runner) summarize(ctx context.Context, workerID, task, result string) string {
	meta := artifacts.SummaryMeta{Version: 1, GeneratedAt: r.now()}
	summary := ""
	if r.summarizer != nil {
		meta.Model = r.summarizer.Model()
		var err error
		summary, err = r.summarizer.Summarize(ctx, task, result)
		if err != nil {
			r.logger.Warn("summariser failed, falling back to truncation",
				"worker_id", workerID, "error", err)
			meta.Error = err.Error()
			summary = ""
		}
	}
	if summary == "" {
		summary = FallbackSummary(result)
	}
	if err := r.artifacts.UpdateSummary(workerID, summary, meta); err != nil {
		r.logger.Warn("summary write failed", "worker_id", workerID, "error", err)
	}
	return summary
}

func lastAssistantContent(history []*models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant && strings.TrimSpace(history[i].Content) != "" {
			return history[i].Content
		}
	}
	return ""
}
