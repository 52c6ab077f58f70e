package roundabout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/llm"
)

type decisionProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	hang      bool
	calls     int
	requests  []*llm.Request
}

func (p *decisionProvider) Name() string { return "router" }

func (p *decisionProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	p.mu.Lock()
	p.calls++
	p.requests = append(p.requests, req)
	hang, err := p.hang, p.err
	var response string
	if len(p.responses) > 0 {
		response = p.responses[0]
		p.responses = p.responses[1:]
	} else {
		response = "wait"
	}
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &llm.Completion{Content: response}, nil
}

func snap(jobID string) *Snapshot {
	return &Snapshot{
		JobID:          jobID,
		Status:         "running",
		ElapsedSeconds: 42,
		Counts:         Counts{Total: 4, Completed: 3, Failed: 1},
	}
}

// drive runs enough skip polls to pass the interval gate.
func drive(t *testing.T, m *Monitor, s *Snapshot) Outcome {
	t.Helper()
	for i := 0; i < 10; i++ {
		out := m.Poll(context.Background(), s)
		if !out.Skipped {
			return out
		}
	}
	t.Fatal("never passed the interval gate")
	return Outcome{}
}

func TestIntervalGateSkipsFirstPolls(t *testing.T) {
	provider := &decisionProvider{}
	m := NewMonitor(provider, "gpt-4o-mini")

	first := m.Poll(context.Background(), snap("j1"))
	second := m.Poll(context.Background(), snap("j1"))
	if !first.Skipped || !second.Skipped {
		t.Fatalf("first polls = %+v, %+v", first, second)
	}
	if first.Decision != DecisionWait {
		t.Fatalf("skip decision = %s", first.Decision)
	}
	third := m.Poll(context.Background(), snap("j1"))
	if third.Skipped {
		t.Fatal("third poll should reach the LLM")
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d", provider.calls)
	}

	stats := m.Stats()
	if stats.CallsSkippedInterval != 2 || stats.CallsMade != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestBudgetGateStopsCalls(t *testing.T) {
	provider := &decisionProvider{}
	m := NewMonitor(provider, "gpt-4o-mini", WithInterval(1), WithBudget(2))

	made := 0
	for i := 0; i < 12; i++ {
		if out := m.Poll(context.Background(), snap("j1")); !out.Skipped {
			made++
		}
	}
	if made != 2 || provider.calls != 2 {
		t.Fatalf("made = %d, provider calls = %d", made, provider.calls)
	}
	stats := m.Stats()
	if stats.CallsSkippedBudget == 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSkipCountersVisibleWithoutCalls(t *testing.T) {
	m := NewMonitor(&decisionProvider{}, "gpt-4o-mini", WithBudget(1))
	m.callsUsed = 1 // budget already spent elsewhere

	m.Poll(context.Background(), snap("j1"))
	m.Poll(context.Background(), snap("j1"))
	m.Poll(context.Background(), snap("j1"))

	stats := m.Stats()
	if stats.CallsMade != 0 {
		t.Fatalf("calls made = %d", stats.CallsMade)
	}
	if stats.CallsSkippedInterval+stats.CallsSkippedBudget != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTimeoutFallsBackToWait(t *testing.T) {
	provider := &decisionProvider{hang: true}
	m := NewMonitor(provider, "gpt-4o-mini", WithTimeout(20*time.Millisecond))

	out := drive(t, m, snap("j1"))
	if out.Decision != DecisionWait || !out.Fallback {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Rationale, "timeout") {
		t.Fatalf("rationale = %q", out.Rationale)
	}
	if stats := m.Stats(); stats.CallsTimedOut != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTransportErrorFallsBackToWait(t *testing.T) {
	provider := &decisionProvider{err: errors.New("connection refused")}
	m := NewMonitor(provider, "gpt-4o-mini")

	out := drive(t, m, snap("j1"))
	if out.Decision != DecisionWait || !out.Fallback {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Rationale, "connection refused") {
		t.Fatalf("rationale = %q", out.Rationale)
	}
	if stats := m.Stats(); stats.CallsErrored != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestOutOfVocabularyFallsBackToWait(t *testing.T) {
	provider := &decisionProvider{responses: []string{"the job seems fine to me"}}
	m := NewMonitor(provider, "gpt-4o-mini")

	out := drive(t, m, snap("j1"))
	if out.Decision != DecisionWait || !out.Fallback {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Rationale, "out-of-vocabulary") {
		t.Fatalf("rationale = %q", out.Rationale)
	}
}

func TestCancelCarriesReason(t *testing.T) {
	provider := &decisionProvider{responses: []string{"cancel"}}
	m := NewMonitor(provider, "gpt-4o-mini")

	out := drive(t, m, snap("j9"))
	if out.Decision != DecisionCancel || out.Fallback {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Reason, "j9") {
		t.Fatalf("reason = %q", out.Reason)
	}
}

func TestDecisionRequestShape(t *testing.T) {
	provider := &decisionProvider{responses: []string{"Wait."}}
	m := NewMonitor(provider, "gpt-4o-mini")

	out := drive(t, m, snap("j1"))
	if out.Decision != DecisionWait || out.Fallback {
		t.Fatalf("punctuated response should still parse: %+v", out)
	}

	req := provider.requests[0]
	if req.MaxTokens != decisionMaxTokens {
		t.Fatalf("max tokens = %d", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Fatalf("temperature = %v", req.Temperature)
	}
	if req.Model != "gpt-4o-mini" {
		t.Fatalf("model = %s", req.Model)
	}
}

func TestPeekWidensNextPollOnly(t *testing.T) {
	provider := &decisionProvider{responses: []string{"peek", "wait"}}
	m := NewMonitor(provider, "gpt-4o-mini", WithInterval(1), WithBudget(10))

	out := drive(t, m, snap("j1"))
	if out.Decision != DecisionPeek {
		t.Fatalf("outcome = %+v", out)
	}
	if m.TailLimit() != peekTailLimit {
		t.Fatalf("tail limit after peek = %d", m.TailLimit())
	}

	// The follow-up poll bypasses the interval gate and resets the limit.
	next := m.Poll(context.Background(), snap("j1"))
	if next.Skipped {
		t.Fatal("peek follow-up was skipped")
	}
	if m.TailLimit() != logTailLimit {
		t.Fatalf("tail limit after follow-up = %d", m.TailLimit())
	}
}

func TestCompactPayloadBounds(t *testing.T) {
	s := snap("j1")
	s.LogTail = strings.Repeat("x", 5000)
	for i := 0; i < 8; i++ {
		s.RecentTools = append(s.RecentTools, ToolActivity{
			Name:         "exec_command",
			Status:       "failed",
			ErrorPreview: strings.Repeat("e", 300),
		})
	}

	msgs, err := compactPayload(s, false)
	if err != nil {
		t.Fatalf("compactPayload: %v", err)
	}
	content := msgs[0].Content
	if len(content) > payloadLimit {
		t.Fatalf("payload = %d bytes", len(content))
	}

	var decoded Snapshot
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if len(decoded.RecentTools) != recentToolsLimit {
		t.Fatalf("recent tools = %d", len(decoded.RecentTools))
	}
	for _, tool := range decoded.RecentTools {
		if len(tool.ErrorPreview) > errorPreviewLimit+3 {
			t.Fatalf("error preview = %d chars", len(tool.ErrorPreview))
		}
	}
	if !strings.HasPrefix(decoded.LogTail, "...") {
		t.Fatalf("tail not marked truncated: %q", decoded.LogTail[:10])
	}
}

type fakeJob struct {
	mu        sync.Mutex
	statuses  []string
	cancelled string
	tails     []int
}

func (j *fakeJob) Snapshot(_ context.Context, tailLimit int) (*Snapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tails = append(j.tails, tailLimit)
	status := "running"
	if len(j.statuses) > 0 {
		status = j.statuses[0]
		j.statuses = j.statuses[1:]
	}
	return &Snapshot{JobID: "j1", Status: status}, nil
}

func (j *fakeJob) Cancel(_ context.Context, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = reason
	return nil
}

func TestWatchExitsOnTerminalStatus(t *testing.T) {
	job := &fakeJob{statuses: []string{"running", "success"}}
	m := NewMonitor(&decisionProvider{}, "gpt-4o-mini")

	out, err := m.Watch(context.Background(), job, time.Millisecond)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if out.Decision != DecisionExit {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestWatchCancelsJob(t *testing.T) {
	job := &fakeJob{}
	provider := &decisionProvider{responses: []string{"cancel"}}
	m := NewMonitor(provider, "gpt-4o-mini", WithInterval(1))

	out, err := m.Watch(context.Background(), job, time.Millisecond)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if out.Decision != DecisionCancel {
		t.Fatalf("outcome = %+v", out)
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.cancelled == "" {
		t.Fatal("job was not cancelled")
	}
}
