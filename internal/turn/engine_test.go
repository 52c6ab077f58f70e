package turn

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/gateway"
	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/runctx"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

type scriptedProvider struct {
	mu          sync.Mutex
	completions []*llm.Completion
	err         error
	calls       int
	lastRequest *llm.Request
	tokens      []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *llm.Request) (*llm.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastRequest = req
	if p.err != nil {
		return nil, p.err
	}
	if req.OnToken != nil {
		for _, tok := range p.tokens {
			req.OnToken(tok)
		}
	}
	if len(p.completions) == 0 {
		return &llm.Completion{Content: "done"}, nil
	}
	next := p.completions[0]
	p.completions = p.completions[1:]
	return next, nil
}

type fakeTool struct {
	name   string
	invoke func(ctx context.Context, args map[string]any) (*tools.Result, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool" }
func (t *fakeTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *fakeTool) Invoke(ctx context.Context, args map[string]any) (*tools.Result, error) {
	return t.invoke(ctx, args)
}

func testFixture(t *testing.T, provider *scriptedProvider, opts ...Option) (*Engine, *store.Memory, *models.Agent, string) {
	t.Helper()
	mem := store.NewMemory()
	registry := tools.NewRegistry()
	registry.MustRegister(&fakeTool{name: "echo", invoke: func(_ context.Context, args map[string]any) (*tools.Result, error) {
		return tools.Success(map[string]any{"echo": args["text"]}), nil
	}})
	registry.MustRegister(&fakeTool{name: "boom", invoke: func(context.Context, map[string]any) (*tools.Result, error) {
		return nil, errors.New("kaput")
	}})

	ctx := context.Background()
	agent := &models.Agent{ID: "a1", OwnerID: "u1", Name: "tester", Model: "claude-sonnet-4-5", UpdatedAt: time.Now()}
	if err := mem.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	thread := &models.Thread{ID: "t1", AgentID: agent.ID, OwnerID: "u1", Type: models.ThreadManual}
	if err := mem.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return NewEngine(mem, registry, provider, opts...), mem, agent, thread.ID
}

func appendUser(t *testing.T, mem *store.Memory, threadID, content string) *models.Message {
	t.Helper()
	msg := &models.Message{ThreadID: threadID, Role: models.RoleUser, Content: content, SentAt: time.Now()}
	if err := mem.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return msg
}

func TestRunNoUnprocessedMessagesIsNoop(t *testing.T) {
	provider := &scriptedProvider{}
	engine, _, agent, threadID := testFixture(t, provider)

	result, err := engine.Run(context.Background(), agent, threadID, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Messages) != 0 {
		t.Fatalf("messages = %d, want 0", len(result.Messages))
	}
	if provider.calls != 0 {
		t.Fatalf("provider called %d times on empty turn", provider.calls)
	}
}

func TestRunSimpleTurnPersistsAndMarksProcessed(t *testing.T) {
	provider := &scriptedProvider{completions: []*llm.Completion{
		{Content: "hi there", Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}}
	engine, mem, agent, threadID := testFixture(t, provider)
	user := appendUser(t, mem, threadID, "hello")

	result, err := engine.Run(context.Background(), agent, threadID, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Messages) != 1 || result.Messages[0].Content != "hi there" {
		t.Fatalf("messages = %+v", result.Messages)
	}
	if result.Messages[0].ID <= user.ID {
		t.Fatalf("assistant id %d not after user id %d", result.Messages[0].ID, user.ID)
	}
	if result.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", result.Usage)
	}

	remaining, err := mem.UnprocessedUserMessages(context.Background(), threadID)
	if err != nil {
		t.Fatalf("UnprocessedUserMessages: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("user message still unprocessed: %+v", remaining)
	}
}

func TestRunToolLoop(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "tc-1", Name: "echo", Input: json.RawMessage(`{"text":"ping"}`)},
		{ID: "tc-2", Name: "boom", Input: json.RawMessage(`{}`)},
	}
	provider := &scriptedProvider{completions: []*llm.Completion{
		{Content: "let me check", ToolCalls: calls},
		{Content: "all done"},
	}}
	engine, mem, agent, threadID := testFixture(t, provider)
	appendUser(t, mem, threadID, "do the thing")

	result, err := engine.Run(context.Background(), agent, threadID, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// assistant + 2 tool messages + final assistant
	if len(result.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(result.Messages))
	}
	byCallID := map[string]*models.Message{}
	for _, msg := range result.Messages {
		if msg.Role == models.RoleTool {
			byCallID[msg.ToolCallID] = msg
		}
	}
	okMsg, failMsg := byCallID["tc-1"], byCallID["tc-2"]
	if okMsg == nil || failMsg == nil {
		t.Fatalf("tool messages missing: %+v", byCallID)
	}
	if !strings.Contains(okMsg.Content, `"ok":true`) {
		t.Fatalf("echo content = %q", okMsg.Content)
	}
	if !strings.HasPrefix(failMsg.Content, tools.ToolErrorPrefix) {
		t.Fatalf("boom content = %q", failMsg.Content)
	}
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.calls)
	}
	// The second request must include the tool results.
	if len(provider.lastRequest.Messages) < 4 {
		t.Fatalf("second request history = %d messages", len(provider.lastRequest.Messages))
	}
}

func TestRunPersistsToolCallArgsRedacted(t *testing.T) {
	secret := "sk-SUPER-SECRET"
	calls := []models.ToolCall{
		{ID: "tc-1", Name: "echo", Input: json.RawMessage(`{"api_key":"` + secret + `","text":"hi"}`)},
	}
	provider := &scriptedProvider{completions: []*llm.Completion{
		{Content: "looking it up", ToolCalls: calls},
		{Content: "done"},
	}}

	var seen sync.Map
	mem := store.NewMemory()
	registry := tools.NewRegistry()
	registry.MustRegister(&fakeTool{name: "echo", invoke: func(_ context.Context, args map[string]any) (*tools.Result, error) {
		seen.Store("api_key", args["api_key"])
		return tools.Success(map[string]any{"ok": true}), nil
	}})
	ctx := context.Background()
	agent := &models.Agent{ID: "a1", OwnerID: "u1", Name: "tester", Model: "claude-sonnet-4-5", UpdatedAt: time.Now()}
	if err := mem.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	thread := &models.Thread{ID: "t1", AgentID: agent.ID, OwnerID: "u1", Type: models.ThreadManual}
	if err := mem.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	engine := NewEngine(mem, registry, provider)
	appendUser(t, mem, thread.ID, "use my key")

	if _, err := engine.Run(ctx, agent, thread.ID, false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The tool body receives the raw arguments.
	if got, _ := seen.Load("api_key"); got != secret {
		t.Fatalf("tool saw api_key = %v, want the raw value", got)
	}

	// The stored history never does.
	history, err := mem.History(ctx, thread.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, msg := range history {
		for _, call := range msg.ToolCalls {
			if strings.Contains(string(call.Input), secret) {
				t.Fatalf("persisted args leak the secret: %s", call.Input)
			}
			if !strings.Contains(string(call.Input), tools.Redacted) {
				t.Fatalf("persisted args not redacted: %s", call.Input)
			}
			if !strings.Contains(string(call.Input), `"text":"hi"`) {
				t.Fatalf("benign args must survive redaction: %s", call.Input)
			}
		}
	}
}

func TestRunProviderErrorPersistsNothing(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("rate limited")}
	engine, mem, agent, threadID := testFixture(t, provider)
	appendUser(t, mem, threadID, "hello")

	if _, err := engine.Run(context.Background(), agent, threadID, false); err == nil {
		t.Fatal("expected error")
	}
	history, err := mem.History(context.Background(), threadID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d messages, want just the user message", len(history))
	}
	remaining, _ := mem.UnprocessedUserMessages(context.Background(), threadID)
	if len(remaining) != 1 {
		t.Fatal("user message must stay unprocessed after a failed turn")
	}
}

func TestRunIterationCap(t *testing.T) {
	looping := &llm.Completion{ToolCalls: []models.ToolCall{
		{ID: "tc", Name: "echo", Input: json.RawMessage(`{}`)},
	}}
	provider := &scriptedProvider{completions: []*llm.Completion{looping, looping, looping}}
	engine, mem, agent, threadID := testFixture(t, provider, WithMaxIterations(2))
	appendUser(t, mem, threadID, "loop forever")

	_, err := engine.Run(context.Background(), agent, threadID, false)
	if err == nil || !strings.Contains(err.Error(), "iterations") {
		t.Fatalf("err = %v", err)
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	frames []gateway.Envelope
}

func (p *capturePublisher) Publish(env gateway.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, env)
}

func (p *capturePublisher) types() []gateway.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]gateway.MessageType, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f.Type)
	}
	return out
}

func TestRunStreamingFrames(t *testing.T) {
	provider := &scriptedProvider{
		completions: []*llm.Completion{{Content: "streamed reply"}},
		tokens:      []string{"streamed ", "reply"},
	}
	pub := &capturePublisher{}
	engine, mem, agent, threadID := testFixture(t, provider, WithTopics(pub))
	appendUser(t, mem, threadID, "hello")

	ctx := runctx.WithStream(context.Background(), runctx.StreamContext{
		ThreadID: threadID,
		UserID:   "u1",
	})
	result, err := engine.Run(ctx, agent, threadID, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := pub.types()
	want := []gateway.MessageType{
		gateway.TypeStreamStart,
		gateway.TypeStreamChunk,
		gateway.TypeStreamChunk,
		gateway.TypeAssistantID,
		gateway.TypeStreamEnd,
	}
	if len(got) != len(want) {
		t.Fatalf("frames = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
	pub.mu.Lock()
	idFrame := pub.frames[3]
	pub.mu.Unlock()
	if idFrame.Topic != gateway.UserTopic("u1") {
		t.Fatalf("topic = %s", idFrame.Topic)
	}
	if idFrame.Data["message_id"] != result.Messages[0].ID {
		t.Fatalf("assistant_id frame = %+v, messages = %+v", idFrame.Data, result.Messages[0])
	}
}

func TestRunnableCacheInvalidatesOnUpdate(t *testing.T) {
	provider := &scriptedProvider{}
	engine, _, agent, _ := testFixture(t, provider)

	first := engine.runnableFor(agent, false)
	again := engine.runnableFor(agent, false)
	if first != again {
		t.Fatal("same revision must share a runnable")
	}

	agent.AllowedTools = []string{"echo"}
	agent.UpdatedAt = agent.UpdatedAt.Add(time.Second)
	updated := engine.runnableFor(agent, false)
	if updated == first {
		t.Fatal("updated agent must not reuse the stale runnable")
	}
	if len(updated.defs) != 1 || updated.defs[0].Name != "echo" {
		t.Fatalf("defs = %+v", updated.defs)
	}

	streaming := engine.runnableFor(agent, true)
	if streaming == updated {
		t.Fatal("stream flag must key a distinct runnable")
	}
}
