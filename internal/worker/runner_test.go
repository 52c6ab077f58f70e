package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/artifacts"
	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/internal/turn"
	"github.com/stewardhq/steward/pkg/models"
)

type scriptedProvider struct {
	mu          sync.Mutex
	completions []*llm.Completion
	err         error
	block       chan struct{}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, _ *llm.Request) (*llm.Completion, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-time.After(5 * time.Second):
		}
		return nil, errors.New("unblocked")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if len(p.completions) == 0 {
		return &llm.Completion{Content: "done"}, nil
	}
	next := p.completions[0]
	p.completions = p.completions[1:]
	return next, nil
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (echoTool) Invoke(_ context.Context, args map[string]any) (*tools.Result, error) {
	return tools.Success(args), nil
}

func newTestRunner(t *testing.T, provider llm.Provider, opts ...RunnerOption) (*Runner, *store.Memory, *artifacts.Store) {
	t.Helper()
	mem := store.NewMemory()
	art, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	registry := tools.NewRegistry()
	registry.MustRegister(echoTool{})
	engine := turn.NewEngine(mem, registry, provider)
	return NewRunner(mem, art, engine, opts...), mem, art
}

func TestRunWorkerSuccess(t *testing.T) {
	provider := &scriptedProvider{completions: []*llm.Completion{
		{Content: "checked 3 hosts, all healthy"},
	}}
	runner, _, art := newTestRunner(t, provider)

	result, err := runner.Run(context.Background(), Job{OwnerID: "u1", Task: "check hosts"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != artifacts.StatusSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Result != "checked 3 hosts, all healthy" {
		t.Fatalf("result = %q", result.Result)
	}
	if result.Summary == "" {
		t.Fatal("summary missing")
	}

	meta, err := art.GetMetadata(result.WorkerID, "u1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Status != artifacts.StatusSuccess || meta.Summary == "" {
		t.Fatalf("metadata = %+v", meta)
	}
	saved, err := art.GetResult(result.WorkerID)
	if err != nil || saved != result.Result {
		t.Fatalf("GetResult = %q, %v", saved, err)
	}
	transcript, err := art.ReadWorkerFile(result.WorkerID, "thread.jsonl")
	if err != nil {
		t.Fatalf("ReadWorkerFile: %v", err)
	}
	if !strings.Contains(transcript, "check hosts") {
		t.Fatalf("transcript = %q", transcript)
	}
}

func TestRunWorkerCapturesToolOutputs(t *testing.T) {
	provider := &scriptedProvider{completions: []*llm.Completion{
		{Content: "", ToolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`)},
		}},
		{Content: "echoed"},
	}}
	runner, _, art := newTestRunner(t, provider)

	result, err := runner.Run(context.Background(), Job{OwnerID: "u1", Task: "echo something"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out, err := art.ReadWorkerFile(result.WorkerID, "tool_calls/001_echo.txt")
	if err != nil {
		t.Fatalf("tool output missing: %v", err)
	}
	if !strings.Contains(out, `"ok":true`) {
		t.Fatalf("tool output = %q", out)
	}
}

func TestRunWorkerTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	runner, _, art := newTestRunner(t, &scriptedProvider{block: block})

	result, err := runner.Run(context.Background(), Job{
		OwnerID: "u1",
		Task:    "never finishes",
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != artifacts.StatusFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Fatalf("error = %q", result.Error)
	}
	if result.Result != noResultPlaceholder {
		t.Fatalf("result = %q", result.Result)
	}
	meta, err := art.GetMetadata(result.WorkerID, "u1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Status != artifacts.StatusFailed || !strings.Contains(meta.Error, "timed out") {
		t.Fatalf("metadata = %+v", meta)
	}
}

type recordingStore struct {
	*store.Memory
	created []string
	deleted []string
}

func (s *recordingStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	s.created = append(s.created, agent.ID)
	return s.Memory.CreateAgent(ctx, agent)
}

func (s *recordingStore) DeleteAgent(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return s.Memory.DeleteAgent(ctx, id)
}

func TestRunWorkerCleansUpTemporaryAgent(t *testing.T) {
	rec := &recordingStore{Memory: store.NewMemory()}
	art, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	engine := turn.NewEngine(rec.Memory, tools.NewRegistry(), &scriptedProvider{})
	runner := NewRunner(rec, art, engine)

	if _, err := runner.Run(context.Background(), Job{OwnerID: "u1", Task: "one shot"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.created) != 1 || len(rec.deleted) != 1 || rec.created[0] != rec.deleted[0] {
		t.Fatalf("created = %v, deleted = %v", rec.created, rec.deleted)
	}
	if _, err := rec.GetAgent(context.Background(), rec.created[0]); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("temporary agent still present: %v", err)
	}
}

func TestRunWorkerKeepsExplicitAgent(t *testing.T) {
	runner, mem, _ := newTestRunner(t, &scriptedProvider{})
	agent := &models.Agent{ID: "a-keep", OwnerID: "u1", Name: "keeper", Model: "claude-sonnet-4-5"}
	if err := mem.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	result, err := runner.Run(context.Background(), Job{OwnerID: "u1", Task: "reuse", AgentID: "a-keep"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != artifacts.StatusSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	if _, err := mem.GetAgent(context.Background(), "a-keep"); err != nil {
		t.Fatalf("explicit agent was removed: %v", err)
	}
}

type failingSummaryProvider struct{}

func (failingSummaryProvider) Name() string { return "failing" }
func (failingSummaryProvider) Complete(context.Context, *llm.Request) (*llm.Completion, error) {
	return nil, errors.New("summary provider down")
}

func TestSummaryFallbackOnSummarizerFailure(t *testing.T) {
	provider := &scriptedProvider{completions: []*llm.Completion{
		{Content: strings.Repeat("x", 400)},
	}}
	summarizer := NewSummarizer(failingSummaryProvider{}, "gpt-4o-mini")
	runner, _, art := newTestRunner(t, provider, WithSummarizer(summarizer))

	result, err := runner.Run(context.Background(), Job{OwnerID: "u1", Task: "long output"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Summary) > 150 {
		t.Fatalf("summary length = %d", len(result.Summary))
	}
	meta, err := art.GetMetadata(result.WorkerID, "u1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.SummaryMeta == nil || meta.SummaryMeta.Error == "" {
		t.Fatalf("summary meta = %+v", meta.SummaryMeta)
	}
}

func TestQueueEnqueueReturnsImmediately(t *testing.T) {
	block := make(chan struct{})
	runner, _, _ := newTestRunner(t, &scriptedProvider{block: block})
	queue := NewQueue(runner, 2)

	start := time.Now()
	jobID, err := queue.Enqueue(context.Background(), "u1", "slow task", map[string]any{
		"timeout_seconds": 0.05,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if jobID == "" {
		t.Fatal("empty job id")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("enqueue blocked for %s", elapsed)
	}
	close(block)
	queue.Drain(2 * time.Second)
}
