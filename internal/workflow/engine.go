// Package workflow compiles user-authored canvases into executable graphs
// and runs them under the waiting/running/finished state machine.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/internal/turn"
	"github.com/stewardhq/steward/pkg/models"
)

// Engine executes workflows.
type Engine struct {
	store    store.Store
	registry *tools.Registry
	turns    *turn.Engine
	bus      *bus.Bus
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithMetrics wires the Prometheus node counter.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger configures the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the engine clock; for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a workflow engine.
func NewEngine(st store.Store, registry *tools.Registry, turns *turn.Engine, b *bus.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    st,
		registry: registry,
		turns:    turns,
		bus:      b,
		logger:   slog.Default().With("component", "workflow"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reserve creates an execution row in waiting without running anything.
// Clients reserve first so they can subscribe to the execution topic before
// the first event fires.
func (e *Engine) Reserve(ctx context.Context, workflowID, ownerID string) (*models.WorkflowExecution, error) {
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, fmt.Errorf("reserve execution: %w", err)
	}
	ex := &models.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		OwnerID:    ownerID,
		Phase:      models.PhaseWaiting,
		CreatedAt:  e.now(),
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("reserve execution: %w", err)
	}
	return ex, nil
}

// Start transitions a reserved execution to running and runs it in the
// background. It returns the execution's actual current state: starting an
// already-started execution reports that state instead of failing or
// re-running it.
func (e *Engine) Start(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.Phase != models.PhaseWaiting {
		return ex, nil
	}
	go func() {
		if err := e.Run(context.Background(), executionID); err != nil {
			e.logger.Error("execution failed", "execution_id", executionID, "error", err)
		}
	}()
	ex.Phase = models.PhaseRunning
	return ex, nil
}

// Run executes one reserved execution to its terminal state.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	wf, err := e.store.GetWorkflow(ctx, ex.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}

	started := e.now()
	ex.Phase = models.PhaseRunning
	ex.StartedAt = started
	if err := e.store.UpdateExecution(ctx, ex); err != nil {
		return fmt.Errorf("start execution: %w", err)
	}

	order, err := topoOrder(wf)
	if err != nil {
		return e.finish(ctx, ex, started, models.ResultFailure, err.Error())
	}

	outputs := make(map[string]any, len(wf.Nodes))
	executed := make(map[string]bool, len(wf.Nodes))
	// disabledEdges holds conditional branches that were not taken.
	disabledEdges := make(map[int]bool)

	for _, node := range order {
		if !e.reachable(wf, node.ID, executed, disabledEdges) {
			continue
		}

		// Cancellation is cooperative: the row is re-read before every
		// node and an external cancel aborts the walk.
		current, err := e.store.GetExecution(ctx, ex.ID)
		if err == nil && current.Result == models.ResultCancelled {
			return e.finish(ctx, ex, started, models.ResultCancelled, "execution cancelled")
		}

		output, nodeErr := e.runNode(ctx, ex, wf, node, outputs)
		executed[node.ID] = true
		outputs[node.ID] = output
		if nodeErr != nil {
			return e.finish(ctx, ex, started, models.ResultFailure,
				fmt.Sprintf("node %s: %v", node.ID, nodeErr))
		}

		if node.Type == models.NodeConditional {
			branch, _ := output.Value.(map[string]any)["branch"].(string)
			for i, edge := range wf.Edges {
				if edge.Source == node.ID && edge.Branch != branch {
					disabledEdges[i] = true
				}
			}
		}
	}
	return e.finish(ctx, ex, started, models.ResultSuccess, "")
}

// Cancel requests cooperative cancellation of a running execution.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	ex.Result = models.ResultCancelled
	return e.store.UpdateExecution(ctx, ex)
}

// reachable reports whether a node should execute: it is a root, or at
// least one of its enabled incoming edges comes from an executed node.
func (e *Engine) reachable(wf *models.Workflow, nodeID string, executed map[string]bool, disabledEdges map[int]bool) bool {
	hasIncoming := false
	for i, edge := range wf.Edges {
		if edge.Target != nodeID {
			continue
		}
		hasIncoming = true
		if !disabledEdges[i] && executed[edge.Source] {
			return true
		}
	}
	return !hasIncoming
}

// runNode drives one node through running to finished, emitting a state
// event at each transition. The returned error marks node failure; the
// envelope is recorded either way.
func (e *Engine) runNode(ctx context.Context, ex *models.WorkflowExecution, wf *models.Workflow, node models.Node, outputs map[string]any) (*models.NodeOutput, error) {
	started := e.now()
	state := &models.NodeExecutionState{
		NodeID:    node.ID,
		Phase:     models.PhaseRunning,
		StartedAt: started,
	}
	e.saveNodeState(ctx, ex.ID, state)

	value, extra, nodeErr := e.execute(ctx, ex, node, outputs)

	result := models.ResultSuccess
	errMsg := ""
	if nodeErr != nil {
		result = models.ResultFailure
		errMsg = nodeErr.Error()
	}
	output := &models.NodeOutput{
		Value: value,
		Meta: models.OutputMeta{
			Phase:        models.PhaseFinished,
			Result:       result,
			ErrorMessage: errMsg,
			Extra:        extra,
		},
	}

	finished := e.now()
	state.Phase = models.PhaseFinished
	state.Result = result
	state.Output = output
	state.Error = errMsg
	state.FinishedAt = finished
	state.DurationMS = finished.Sub(started).Milliseconds()
	e.saveNodeState(ctx, ex.ID, state)

	if e.metrics != nil {
		e.metrics.NodeCounter.WithLabelValues(string(node.Type), string(result)).Inc()
	}
	return output, nodeErr
}

func (e *Engine) execute(ctx context.Context, ex *models.WorkflowExecution, node models.Node, outputs map[string]any) (any, map[string]any, error) {
	resolver := NewResolver(outputs, e.logger)
	switch node.Type {
	case models.NodeTrigger:
		return e.runTrigger(node)
	case models.NodeTool:
		return e.runTool(ctx, node, resolver)
	case models.NodeAgent:
		return e.runAgent(ctx, ex, node, resolver)
	case models.NodeConditional:
		return e.runConditional(node, resolver)
	default:
		return nil, nil, fmt.Errorf("unknown node type %q", node.Type)
	}
}

func (e *Engine) runTrigger(node models.Node) (any, map[string]any, error) {
	extra := map[string]any{}
	if t, ok := node.Config["trigger_type"]; ok {
		extra["trigger_type"] = t
	}
	if c, ok := node.Config["trigger_config"]; ok {
		extra["trigger_config"] = c
	}
	return map[string]any{"triggered": true}, extra, nil
}

func (e *Engine) runTool(ctx context.Context, node models.Node, resolver *Resolver) (any, map[string]any, error) {
	toolName, ok := node.Config["tool_name"].(string)
	if !ok || toolName == "" {
		return nil, nil, fmt.Errorf("tool node misconfigured: tool_name is required")
	}
	params, _ := node.Config["static_params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	resolved, err := resolver.ResolveParams(params)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve params: %w", err)
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, nil, fmt.Errorf("encode params: %w", err)
	}

	result := e.registry.Execute(ctx, toolName, raw)
	extra := map[string]any{"tool_name": toolName}
	if !result.OK {
		return nil, extra, fmt.Errorf("%s: %s", result.ErrorType, result.UserMessage)
	}
	return result.Data, extra, nil
}

// runAgent posts the resolved message on a fresh thread of the referenced
// agent and runs one turn. A null or missing agent_id is a canvas
// misconfiguration, reported as such rather than as a lookup failure.
func (e *Engine) runAgent(ctx context.Context, ex *models.WorkflowExecution, node models.Node, resolver *Resolver) (any, map[string]any, error) {
	agentID, ok := node.Config["agent_id"].(string)
	if !ok || agentID == "" {
		return nil, nil, fmt.Errorf("agent node misconfigured: agent_id is required")
	}
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("agent %s: %w", agentID, err)
	}

	message := "Run your configured task."
	if raw, ok := node.Config["message"].(string); ok && raw != "" {
		resolved, err := resolver.ResolveString(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve message: %w", err)
		}
		message = stringify(resolved)
	}

	thread := &models.Thread{
		ID:      uuid.NewString(),
		AgentID: agent.ID,
		OwnerID: ex.OwnerID,
		Type:    models.ThreadManual,
		Title:   "workflow " + ex.WorkflowID,
	}
	if err := e.store.CreateThread(ctx, thread); err != nil {
		return nil, nil, fmt.Errorf("create thread: %w", err)
	}
	if err := e.store.AppendMessage(ctx, &models.Message{
		ThreadID: thread.ID,
		Role:     models.RoleUser,
		Content:  message,
		SentAt:   e.now(),
	}); err != nil {
		return nil, nil, fmt.Errorf("seed thread: %w", err)
	}

	turnResult, err := e.turns.Run(ctx, agent, thread.ID, false)
	if err != nil {
		return nil, nil, fmt.Errorf("agent turn: %w", err)
	}

	// Serialise messages through JSON so downstream variable paths walk
	// plain maps.
	raw, err := json.Marshal(turnResult.Messages)
	if err != nil {
		return nil, nil, fmt.Errorf("encode messages: %w", err)
	}
	var messages []any
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, nil, fmt.Errorf("decode messages: %w", err)
	}
	extra := map[string]any{"agent_id": agent.ID, "thread_id": thread.ID}
	return map[string]any{"messages": messages}, extra, nil
}

func (e *Engine) runConditional(node models.Node, resolver *Resolver) (any, map[string]any, error) {
	condition, ok := node.Config["condition"].(string)
	if !ok || condition == "" {
		return nil, nil, fmt.Errorf("conditional node misconfigured: condition is required")
	}
	expr, err := resolver.ResolveConditionExpr(condition)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve condition: %w", err)
	}
	result, err := EvalCondition(expr, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate condition: %w", err)
	}
	branch := "false"
	if result {
		branch = "true"
	}
	return map[string]any{"result": result, "branch": branch}, nil, nil
}

func (e *Engine) saveNodeState(ctx context.Context, executionID string, state *models.NodeExecutionState) {
	if err := e.store.UpsertNodeState(ctx, executionID, state); err != nil {
		e.logger.Warn("node state write failed", "execution_id", executionID,
			"node_id", state.NodeID, "error", err)
	}
	e.bus.PublishAsync(bus.EventNodeStateChanged, map[string]any{
		"execution_id": executionID,
		"node_id":      state.NodeID,
		"phase":        string(state.Phase),
		"result":       string(state.Result),
	})
}

func (e *Engine) finish(ctx context.Context, ex *models.WorkflowExecution, started time.Time, result models.Result, errMsg string) error {
	finished := e.now()
	ex.Phase = models.PhaseFinished
	ex.Result = result
	ex.Error = errMsg
	ex.FinishedAt = finished
	ex.DurationMS = finished.Sub(started).Milliseconds()
	if err := e.store.UpdateExecution(ctx, ex); err != nil {
		e.logger.Warn("execution finish write failed", "execution_id", ex.ID, "error", err)
	}
	e.bus.PublishAsync(bus.EventExecutionFinished, map[string]any{
		"execution_id": ex.ID,
		"workflow_id":  ex.WorkflowID,
		"result":       string(result),
		"error":        errMsg,
		"duration_ms":  ex.DurationMS,
	})
	if result == models.ResultFailure {
		return fmt.Errorf("execution %s failed: %s", ex.ID, errMsg)
	}
	return nil
}

// topoOrder returns the nodes in dependency order, failing on cycles.
func topoOrder(wf *models.Workflow) ([]models.Node, error) {
	indegree := make(map[string]int, len(wf.Nodes))
	for _, node := range wf.Nodes {
		indegree[node.ID] = 0
	}
	for _, edge := range wf.Edges {
		if _, ok := indegree[edge.Target]; ok {
			indegree[edge.Target]++
		}
	}

	var queue []string
	for _, node := range wf.Nodes {
		if indegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	byID := make(map[string]models.Node, len(wf.Nodes))
	for _, node := range wf.Nodes {
		byID[node.ID] = node
	}

	var order []models.Node
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, byID[id])
		for _, edge := range wf.Edges {
			if edge.Source != id {
				continue
			}
			if _, ok := indegree[edge.Target]; !ok {
				continue
			}
			indegree[edge.Target]--
			if indegree[edge.Target] == 0 {
				queue = append(queue, edge.Target)
			}
		}
	}
	if len(order) != len(wf.Nodes) {
		return nil, fmt.Errorf("workflow graph contains a cycle")
	}
	return order, nil
}
