// Package turn implements the ReAct loop: one turn consumes every
// unprocessed user message on a thread, alternates LLM calls with parallel
// tool execution, and persists the new messages atomically.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/gateway"
	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/runctx"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

// defaultMaxIterations bounds the tool loop for one turn.
const defaultMaxIterations = 30

// Publisher is the websocket fan-out the engine streams through.
type Publisher interface {
	Publish(env gateway.Envelope)
}

// Result is the outcome of one turn.
type Result struct {
	// Messages are the newly appended messages in thread order, with ids
	// assigned.
	Messages []*models.Message
	// Usage aggregates provider-reported tokens across all LLM calls of
	// the turn.
	Usage models.Usage
}

// Engine runs agent turns.
type Engine struct {
	store    store.ThreadStore
	registry *tools.Registry
	provider llm.Provider
	topics   Publisher
	metrics  *observability.Metrics
	logger   *slog.Logger

	maxIterations int
	now           func() time.Time

	cacheMu sync.Mutex
	cache   map[runnableKey]*runnable
	order   []runnableKey
}

// runnableCacheSize bounds the memoised runnable set.
const runnableCacheSize = 64

type runnableKey struct {
	agentID   string
	updatedAt int64
	stream    bool
}

// runnable is the compiled, reusable part of a turn: the bound tool
// definitions for an agent revision.
type runnable struct {
	defs []llm.ToolDef
}

// Option configures the engine.
type Option func(*Engine)

// WithTopics wires the websocket fan-out for token streaming.
func WithTopics(p Publisher) Option {
	return func(e *Engine) { e.topics = p }
}

// WithMetrics wires the Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger configures the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxIterations caps LLM round trips per turn.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithClock overrides the engine clock; for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a turn engine.
func NewEngine(s store.ThreadStore, registry *tools.Registry, provider llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		registry:      registry,
		provider:      provider,
		logger:        slog.Default().With("component", "turn"),
		maxIterations: defaultMaxIterations,
		now:           time.Now,
		cache:         make(map[runnableKey]*runnable),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one turn for the agent on the thread. With no unprocessed
// user messages it returns an empty result and does nothing else. The
// stream flag enables token streaming through the topic manager.
func (e *Engine) Run(ctx context.Context, agent *models.Agent, threadID string, stream bool) (*Result, error) {
	history, err := e.store.History(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	unprocessed, err := e.store.UnprocessedUserMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load unprocessed: %w", err)
	}
	if len(unprocessed) == 0 {
		return &Result{}, nil
	}
	processedIDs := make([]int64, 0, len(unprocessed))
	for _, msg := range unprocessed {
		processedIDs = append(processedIDs, msg.ID)
	}

	rn := e.runnableFor(agent, stream)
	onToken := e.tokenCallback(ctx, stream)
	e.emitStream(ctx, stream, gateway.TypeStreamStart, map[string]any{
		"thread_id": threadID,
		"agent_id":  agent.ID,
	})

	var (
		newMsgs []*models.Message
		usage   models.Usage
	)
	runErr := func() error {
		for iteration := 0; iteration < e.maxIterations; iteration++ {
			completion, err := e.complete(ctx, agent, history, rn.defs, onToken)
			if err != nil {
				return err
			}
			usage.Add(completion.Usage)

			assistant := &models.Message{
				ThreadID:  threadID,
				Role:      models.RoleAssistant,
				Content:   completion.Content,
				ToolCalls: redactToolCalls(completion.ToolCalls),
				Processed: true,
				SentAt:    e.now(),
			}
			newMsgs = append(newMsgs, assistant)
			history = append(history, assistant)

			if len(completion.ToolCalls) == 0 {
				return nil
			}

			toolMsgs := e.executeTools(ctx, threadID, completion.ToolCalls, stream)
			newMsgs = append(newMsgs, toolMsgs...)
			history = append(history, toolMsgs...)
		}
		return fmt.Errorf("turn exceeded %d iterations", e.maxIterations)
	}()

	if runErr != nil {
		e.countTurn("error")
		e.emitStream(ctx, stream, gateway.TypeStreamEnd, map[string]any{
			"thread_id": threadID,
			"error":     runErr.Error(),
		})
		return nil, runErr
	}
	if len(newMsgs) == 0 {
		e.countTurn("error")
		return nil, fmt.Errorf("turn consumed %d user messages but produced none", len(unprocessed))
	}

	if err := e.store.AppendMessages(ctx, newMsgs, processedIDs); err != nil {
		e.countTurn("error")
		return nil, fmt.Errorf("persist turn: %w", err)
	}
	if err := e.store.TouchThread(ctx, threadID, e.now()); err != nil {
		e.logger.Warn("touch thread", "thread_id", threadID, "error", err)
	}

	if last := lastAssistant(newMsgs); last != nil {
		e.emitStream(ctx, stream, gateway.TypeAssistantID, map[string]any{
			"thread_id":  threadID,
			"message_id": last.ID,
		})
	}
	e.emitStream(ctx, stream, gateway.TypeStreamEnd, map[string]any{"thread_id": threadID})

	e.countTurn("success")
	if e.metrics != nil {
		e.metrics.LLMTokensUsed.WithLabelValues(e.provider.Name(), agent.Model, "prompt").Add(float64(usage.PromptTokens))
		e.metrics.LLMTokensUsed.WithLabelValues(e.provider.Name(), agent.Model, "completion").Add(float64(usage.CompletionTokens))
	}
	return &Result{Messages: newMsgs, Usage: usage}, nil
}

func (e *Engine) complete(ctx context.Context, agent *models.Agent, history []*models.Message, defs []llm.ToolDef, onToken func(string)) (*llm.Completion, error) {
	start := e.now()
	completion, err := e.provider.Complete(ctx, &llm.Request{
		Model:    agent.Model,
		System:   SystemPrompt(agent),
		Messages: history,
		Tools:    defs,
		OnToken:  onToken,
	})
	if e.metrics != nil {
		e.metrics.LLMRequestDuration.
			WithLabelValues(e.provider.Name(), agent.Model).
			Observe(e.now().Sub(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}
	return completion, nil
}

// redactToolCalls copies the calls with redaction-set values scrubbed. The
// provider's raw arguments still execute; only the history the store sees
// carries the redacted form.
func redactToolCalls(calls []models.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(calls))
	for i, call := range calls {
		out[i] = call
		raw, err := json.Marshal(tools.RedactedArgs(call.Input))
		if err != nil {
			continue
		}
		out[i].Input = raw
	}
	return out
}

// executeTools runs every tool call of one assistant message in parallel
// and returns the tool messages in call order. A failing tool never fails
// the turn; its message carries the error envelope.
func (e *Engine) executeTools(ctx context.Context, threadID string, calls []models.ToolCall, stream bool) []*models.Message {
	msgs := make([]*models.Message, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, call := range calls {
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			start := e.now()
			result := e.registry.Execute(ctx, call.Name, call.Input)
			e.observeTool(call.Name, result.OK, e.now().Sub(start))

			content := result.Encode()
			if !result.OK {
				content = tools.ToolErrorPrefix + " " + content
			}
			msgs[i] = &models.Message{
				ThreadID:   threadID,
				Role:       models.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Processed:  true,
				SentAt:     e.now(),
			}
			e.emitStream(ctx, stream, gateway.TypeStreamChunk, map[string]any{
				"thread_id": threadID,
				"tool_name": call.Name,
				"ok":        result.OK,
			})
		}(i, call)
	}
	wg.Wait()
	return msgs
}

// tokenCallback builds the OnToken hook. It resolves the publish target
// from the streaming context at call time, so the same runnable serves
// every thread.
func (e *Engine) tokenCallback(ctx context.Context, stream bool) func(string) {
	if !stream || e.topics == nil {
		return nil
	}
	sc, ok := runctx.Stream(ctx)
	if !ok || sc.UserID == "" {
		return nil
	}
	return func(text string) {
		e.topics.Publish(gateway.NewEnvelope(gateway.TypeStreamChunk, gateway.UserTopic(sc.UserID), map[string]any{
			"thread_id": sc.ThreadID,
			"content":   text,
		}))
	}
}

func (e *Engine) emitStream(ctx context.Context, stream bool, t gateway.MessageType, data map[string]any) {
	if !stream || e.topics == nil {
		return
	}
	sc, ok := runctx.Stream(ctx)
	if !ok || sc.UserID == "" {
		return
	}
	e.topics.Publish(gateway.NewEnvelope(t, gateway.UserTopic(sc.UserID), data))
}

// runnableFor returns the memoised tool bindings for an agent revision.
// The cache key includes updated_at so editing an agent invalidates its
// entry, and the stream flag so streaming and non-streaming callers never
// share state.
func (e *Engine) runnableFor(agent *models.Agent, stream bool) *runnable {
	key := runnableKey{agentID: agent.ID, updatedAt: agent.UpdatedAt.UnixNano(), stream: stream}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if rn, ok := e.cache[key]; ok {
		return rn
	}

	toolset := e.registry.ToolsFor(agent.AllowedTools)
	defs := make([]llm.ToolDef, 0, len(toolset))
	for _, tool := range toolset {
		defs = append(defs, llm.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	rn := &runnable{defs: defs}

	if len(e.order) >= runnableCacheSize {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.cache, oldest)
	}
	e.cache[key] = rn
	e.order = append(e.order, key)
	return rn
}

func (e *Engine) countTurn(status string) {
	if e.metrics != nil {
		e.metrics.TurnCounter.WithLabelValues(status).Inc()
	}
}

func (e *Engine) observeTool(name string, ok bool, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	e.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// SystemPrompt composes the prompt sent as the provider's system field. The
// same composition seeds a new thread's system message.
func SystemPrompt(agent *models.Agent) string {
	if agent.TaskInstructions == "" {
		return agent.SystemInstructions
	}
	if agent.SystemInstructions == "" {
		return agent.TaskInstructions
	}
	return agent.SystemInstructions + "\n\n" + agent.TaskInstructions
}

// lastAssistant returns the final assistant message of the batch.
func lastAssistant(msgs []*models.Message) *models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i]
		}
	}
	return nil
}
