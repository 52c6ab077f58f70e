package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/runctx"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/internal/turn"
	"github.com/stewardhq/steward/pkg/models"
)

type scriptedProvider struct {
	mu          sync.Mutex
	completions []*llm.Completion
	err         error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(context.Context, *llm.Request) (*llm.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if len(p.completions) == 0 {
		return &llm.Completion{Content: "ok"}, nil
	}
	next := p.completions[0]
	p.completions = p.completions[1:]
	return next, nil
}

type runCaptureTool struct {
	mu    sync.Mutex
	runID string
}

func (t *runCaptureTool) Name() string        { return "capture_run" }
func (t *runCaptureTool) Description() string { return "records the active supervisor run" }
func (t *runCaptureTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *runCaptureTool) Invoke(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	t.mu.Lock()
	t.runID = runctx.SupervisorRun(ctx)
	t.mu.Unlock()
	return tools.Success(map[string]any{"captured": true}), nil
}

func newTestService(t *testing.T, provider llm.Provider, extra ...tools.Tool) (*Service, *store.Memory, *bus.Bus) {
	t.Helper()
	mem := store.NewMemory()
	registry := tools.NewRegistry()
	for _, tool := range extra {
		registry.MustRegister(tool)
	}
	engine := turn.NewEngine(mem, registry, provider)
	b := bus.New()
	return NewService(mem, engine, b), mem, b
}

func collectEvents(b *bus.Bus, types ...bus.EventType) func() []bus.Event {
	var mu sync.Mutex
	var events []bus.Event
	for _, t := range types {
		b.Subscribe(t, func(_ context.Context, ev bus.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
	}
	return func() []bus.Event {
		b.Drain(2 * time.Second)
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.Event(nil), events...)
	}
}

func TestGetOrCreateAgentIsSingleton(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedProvider{})
	ctx := context.Background()

	first, err := svc.GetOrCreateAgent(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreateAgent: %v", err)
	}
	if !first.IsSupervisor() {
		t.Fatalf("agent config = %+v", first.Config)
	}
	allowed := map[string]bool{}
	for _, name := range first.AllowedTools {
		allowed[name] = true
	}
	for _, name := range tools.WorkerToolNames {
		if !allowed[name] {
			t.Fatalf("missing worker tool %s in %v", name, first.AllowedTools)
		}
	}

	second, err := svc.GetOrCreateAgent(ctx, "u1")
	if err != nil {
		t.Fatalf("second GetOrCreateAgent: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("two supervisors created: %s and %s", first.ID, second.ID)
	}
}

func TestGetOrCreateThreadIsSingleton(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedProvider{})
	ctx := context.Background()

	first, err := svc.GetOrCreateThread(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	if first.Type != models.ThreadSuper {
		t.Fatalf("type = %s", first.Type)
	}
	second, err := svc.GetOrCreateThread(ctx, "u1")
	if err != nil {
		t.Fatalf("second GetOrCreateThread: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("super thread duplicated")
	}
}

func TestSuperThreadOwnsSystemMessage(t *testing.T) {
	svc, mem, _ := newTestService(t, &scriptedProvider{})
	ctx := context.Background()

	thread, err := svc.GetOrCreateThread(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	history, err := mem.History(ctx, thread.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Role != models.RoleSystem {
		t.Fatalf("history = %+v, want exactly the system message", history)
	}
	if !strings.Contains(history[0].Content, "supervisor") {
		t.Fatalf("system message = %q", history[0].Content)
	}

	// Re-fetching the thread must not seed a second system message.
	if _, err := svc.GetOrCreateThread(ctx, "u1"); err != nil {
		t.Fatalf("second GetOrCreateThread: %v", err)
	}
	history, _ = mem.History(ctx, thread.ID)
	if len(history) != 1 {
		t.Fatalf("system message duplicated: %+v", history)
	}
}

func TestPromptIncludesUserContext(t *testing.T) {
	svc, mem, _ := newTestService(t, &scriptedProvider{})
	ctx := context.Background()
	if err := mem.PutUser(ctx, &models.User{
		ID:                 "u1",
		DisplayName:        "Ada",
		CustomInstructions: "Prefer terse answers.",
	}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	agent, err := svc.GetOrCreateAgent(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreateAgent: %v", err)
	}
	prompt := agent.SystemInstructions
	if !strings.Contains(prompt, "Ada") || !strings.Contains(prompt, "Prefer terse answers.") {
		t.Fatalf("prompt = %q", prompt)
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	svc, mem, b := newTestService(t, &scriptedProvider{completions: []*llm.Completion{
		{Content: "handled it"},
	}})
	drain := collectEvents(b, bus.EventSupervisorStarted, bus.EventSupervisorComplete)

	result, err := svc.Run(context.Background(), "u1", "do the rounds", "", time.Minute)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Result != "handled it" || result.Status != string(models.RunSuccess) {
		t.Fatalf("result = %+v", result)
	}

	run, err := mem.GetRun(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != models.RunSuccess {
		t.Fatalf("run status = %s", run.Status)
	}

	events := drain()
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	byType := map[bus.EventType]bus.Event{}
	for _, ev := range events {
		byType[ev.Type] = ev
	}
	complete, ok := byType[bus.EventSupervisorComplete]
	if !ok {
		t.Fatalf("no complete event in %+v", events)
	}
	if complete.Data["run_id"] != result.RunID || complete.Data["result"] != "handled it" {
		t.Fatalf("complete data = %+v", complete.Data)
	}
}

func TestRunFailureMarksRunFailed(t *testing.T) {
	svc, mem, b := newTestService(t, &scriptedProvider{err: errors.New("provider down")})
	drain := collectEvents(b, bus.EventError)

	_, err := svc.Run(context.Background(), "u1", "doomed", "", time.Minute)
	if err == nil {
		t.Fatal("expected error")
	}
	events := drain()
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}

	agent, err := mem.FindSupervisorAgent(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FindSupervisorAgent: %v", err)
	}
	if agent.Status != models.AgentError {
		t.Fatalf("agent status = %s, want error", agent.Status)
	}
	if !strings.Contains(agent.LastError, "provider down") {
		t.Fatalf("last error = %q", agent.LastError)
	}
}

func TestRunReusesReservedRun(t *testing.T) {
	svc, mem, _ := newTestService(t, &scriptedProvider{})
	ctx := context.Background()

	reserved := &models.Run{
		ID:      "run-reserved",
		OwnerID: "u1",
		Status:  models.RunQueued,
		Trigger: models.TriggerAPI,
	}
	if err := mem.CreateRun(ctx, reserved); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	result, err := svc.Run(ctx, "u1", "reserved task", "run-reserved", time.Minute)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RunID != "run-reserved" {
		t.Fatalf("run id = %s", result.RunID)
	}
	run, err := mem.GetRun(ctx, "run-reserved")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != models.RunSuccess || run.ThreadID == "" {
		t.Fatalf("run = %+v", run)
	}
}

func TestRunCorrelatesSpawnedWork(t *testing.T) {
	capture := &runCaptureTool{}
	svc, _, _ := newTestService(t, &scriptedProvider{completions: []*llm.Completion{
		{ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "capture_run", Input: json.RawMessage(`{}`)}}},
		{Content: "spawned"},
	}}, capture)

	result, err := svc.Run(context.Background(), "u1", "delegate", "", time.Minute)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	capture.mu.Lock()
	seen := capture.runID
	capture.mu.Unlock()
	if seen != result.RunID {
		t.Fatalf("tool saw run %q, want %q", seen, result.RunID)
	}
}
