// Package roundabout polls a long-running worker and gates, via a cheap
// routing model, whether to keep waiting, return early, cancel, or take a
// detailed look.
package roundabout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/pkg/models"
)

// Decision is the monitor's per-poll verdict.
type Decision string

const (
	// DecisionWait continues polling.
	DecisionWait Decision = "wait"
	// DecisionExit returns the worker's current output without cancelling.
	DecisionExit Decision = "exit"
	// DecisionCancel terminates the worker with a reason.
	DecisionCancel Decision = "cancel"
	// DecisionPeek requests a larger log tail on the next poll only.
	DecisionPeek Decision = "peek"
)

const (
	defaultInterval   = 2
	defaultBudget     = 3
	defaultTimeout    = 1500 * time.Millisecond
	decisionMaxTokens = 8

	// logTailLimit is the normal tail size; peekTailLimit applies to the
	// one poll following a peek decision.
	logTailLimit  = 600
	peekTailLimit = 2400

	errorPreviewLimit = 100
	recentToolsLimit  = 3
	payloadLimit      = 2048
)

const decisionSystemPrompt = "You monitor a background worker job. Reply with exactly one word: " +
	"wait (job is progressing), exit (output is already sufficient), " +
	"cancel (job is stuck or harmful), or peek (you need more log context)."

// ToolActivity is one entry of the recent-tool ring.
type ToolActivity struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	DurationMS   int64  `json:"duration_ms"`
	ErrorPreview string `json:"error_preview,omitempty"`
}

// Operation describes the tool call in flight.
type Operation struct {
	Tool           string  `json:"tool"`
	ArgsPreview    string  `json:"args_preview,omitempty"`
	RunningSeconds float64 `json:"running_seconds"`
}

// Counts aggregates tool activity for one job.
type Counts struct {
	Total            int `json:"total"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	MonitoringChecks int `json:"monitoring_checks"`
}

// Snapshot is the worker state carried into one decision.
type Snapshot struct {
	JobID          string         `json:"job_id"`
	Status         string         `json:"status"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
	RecentTools    []ToolActivity `json:"recent_tools,omitempty"`
	Counts         Counts         `json:"counts"`
	Current        *Operation     `json:"current,omitempty"`
	LogTail        string         `json:"log_tail,omitempty"`
}

// Stats counts what the monitor did for one job. Skip counters are
// populated even when no LLM call was ever made.
type Stats struct {
	CallsMade            int   `json:"calls_made"`
	CallsSucceeded       int   `json:"calls_succeeded"`
	CallsTimedOut        int   `json:"calls_timed_out"`
	CallsErrored         int   `json:"calls_errored"`
	CallsSkippedBudget   int   `json:"calls_skipped_budget"`
	CallsSkippedInterval int   `json:"calls_skipped_interval"`
	TotalResponseTimeMS  int64 `json:"total_response_time_ms"`
}

// Outcome is one poll's decision plus how it was reached.
type Outcome struct {
	Decision Decision
	// Fallback is set when the decision defaulted to wait on timeout,
	// transport error, or an out-of-vocabulary response.
	Fallback bool
	// Skipped is set when a guardrail suppressed the LLM call.
	Skipped bool
	// Reason carries the cancel reason for DecisionCancel.
	Reason string
	// Rationale says which guardrail or failure mode produced the
	// decision. Empty for a clean model decision.
	Rationale string
}

// Monitor is the per-job decision loop state. One monitor serves one job;
// it is not safe for concurrent polls.
type Monitor struct {
	provider llm.Provider
	model    string
	logger   *slog.Logger
	metrics  *observability.Metrics

	interval int
	budget   int
	timeout  time.Duration
	now      func() time.Time

	pollsSinceCall int
	callsUsed      int
	peekArmed      bool
	stats          Stats
}

// MonitorOption configures a monitor.
type MonitorOption func(*Monitor)

// WithInterval sets how many polls pass between LLM calls.
func WithInterval(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.interval = n
		}
	}
}

// WithBudget caps LLM calls per job.
func WithBudget(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.budget = n
		}
	}
}

// WithTimeout sets the per-call response deadline.
func WithTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMetrics wires the Prometheus decision counter.
func WithMetrics(metrics *observability.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithLogger configures the monitor logger.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the monitor clock; for tests.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor over the routing model. The model must be
// the cheap routing model, never the task model.
func NewMonitor(provider llm.Provider, model string, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		provider: provider,
		model:    model,
		logger:   slog.Default().With("component", "roundabout"),
		interval: defaultInterval,
		budget:   defaultBudget,
		timeout:  defaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stats returns a copy of the per-job counters.
func (m *Monitor) Stats() Stats { return m.stats }

// ActivitySummary renders the per-job counters as one log-friendly line.
// Skip counters are always present, so a job that never earned an LLM call
// still shows why.
func (m *Monitor) ActivitySummary() string {
	s := m.stats
	return fmt.Sprintf(
		"calls_made=%d calls_succeeded=%d calls_timed_out=%d calls_errored=%d "+
			"calls_skipped_budget=%d calls_skipped_interval=%d total_response_time_ms=%d",
		s.CallsMade, s.CallsSucceeded, s.CallsTimedOut, s.CallsErrored,
		s.CallsSkippedBudget, s.CallsSkippedInterval, s.TotalResponseTimeMS)
}

// TailLimit returns how many characters of log tail the next snapshot
// should carry. It widens for exactly one poll after a peek decision.
func (m *Monitor) TailLimit() int {
	if m.peekArmed {
		return peekTailLimit
	}
	return logTailLimit
}

// Poll decides what to do with the job right now. Guardrails run first:
// the interval gate, then the budget gate. A peek from the previous poll
// bypasses the interval gate once so the follow-up read actually happens.
func (m *Monitor) Poll(ctx context.Context, snap *Snapshot) Outcome {
	peeking := m.peekArmed
	m.peekArmed = false

	if !peeking && m.pollsSinceCall < m.interval {
		m.pollsSinceCall++
		m.stats.CallsSkippedInterval++
		m.observe("skip")
		return Outcome{Decision: DecisionWait, Skipped: true, Rationale: "interval guardrail"}
	}
	if m.callsUsed >= m.budget {
		m.stats.CallsSkippedBudget++
		m.observe("skip")
		return Outcome{Decision: DecisionWait, Skipped: true, Rationale: "call budget exhausted"}
	}
	m.pollsSinceCall = 0
	m.callsUsed++

	decision, fallback, rationale := m.decide(ctx, snap, peeking)
	if decision == DecisionPeek {
		m.peekArmed = true
	}
	if fallback {
		m.observe("fallback")
	} else {
		m.observe(string(decision))
	}

	out := Outcome{Decision: decision, Fallback: fallback, Rationale: rationale}
	if decision == DecisionCancel {
		out.Reason = fmt.Sprintf("monitor cancelled job %s after %.0fs", snap.JobID, snap.ElapsedSeconds)
	}
	return out
}

// decide calls the routing model under the response deadline. Every
// failure mode collapses to wait with the fallback flag and a rationale.
func (m *Monitor) decide(ctx context.Context, snap *Snapshot, peeking bool) (Decision, bool, string) {
	payload, err := compactPayload(snap, peeking)
	if err != nil {
		m.stats.CallsErrored++
		return DecisionWait, true, "snapshot encoding failed: " + err.Error()
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	temperature := 0.0
	start := m.now()
	completion, err := m.provider.Complete(callCtx, &llm.Request{
		Model:       m.model,
		System:      decisionSystemPrompt,
		Messages:    payload,
		MaxTokens:   decisionMaxTokens,
		Temperature: &temperature,
	})
	elapsed := m.now().Sub(start)
	m.stats.CallsMade++
	m.stats.TotalResponseTimeMS += elapsed.Milliseconds()

	if err != nil {
		rationale := "decision call failed: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			m.stats.CallsTimedOut++
			rationale = fmt.Sprintf("decision call exceeded the %s timeout", m.timeout)
		} else {
			m.stats.CallsErrored++
		}
		m.logger.Warn("decision call failed, waiting", "job_id", snap.JobID, "error", err)
		return DecisionWait, true, rationale
	}
	m.stats.CallsSucceeded++

	decision, ok := parseDecision(completion.Content)
	if !ok {
		m.logger.Warn("out-of-vocabulary decision, waiting",
			"job_id", snap.JobID, "response", completion.Content)
		return DecisionWait, true, fmt.Sprintf("out-of-vocabulary response %q", completion.Content)
	}
	return decision, false, ""
}

func (m *Monitor) observe(decision string) {
	if m.metrics != nil {
		m.metrics.MonitorDecisions.WithLabelValues(decision).Inc()
	}
}

// parseDecision maps a model response onto the closed vocabulary.
func parseDecision(raw string) (Decision, bool) {
	word := strings.ToLower(strings.TrimSpace(raw))
	word = strings.Trim(word, ".!\"'`")
	switch Decision(word) {
	case DecisionWait, DecisionExit, DecisionCancel, DecisionPeek:
		return Decision(word), true
	}
	return "", false
}

// compactPayload renders the snapshot as the single user message of the
// decision call, bounded to roughly 2 KB.
func compactPayload(snap *Snapshot, peeking bool) ([]*models.Message, error) {
	trimmed := *snap
	if len(trimmed.RecentTools) > recentToolsLimit {
		trimmed.RecentTools = trimmed.RecentTools[len(trimmed.RecentTools)-recentToolsLimit:]
	}
	tools := make([]ToolActivity, len(trimmed.RecentTools))
	for i, tool := range trimmed.RecentTools {
		tool.ErrorPreview = truncateTail(tool.ErrorPreview, errorPreviewLimit)
		tools[i] = tool
	}
	trimmed.RecentTools = tools

	limit := logTailLimit
	if peeking {
		limit = peekTailLimit
	}
	trimmed.LogTail = truncateTail(trimmed.LogTail, limit)

	raw, err := json.Marshal(&trimmed)
	if err != nil {
		return nil, err
	}
	// The tail is the dominant field; shrink it until the payload fits.
	for len(raw) > payloadLimit && len(trimmed.LogTail) > 50 {
		trimmed.LogTail = truncateTail(trimmed.LogTail, len(trimmed.LogTail)/2)
		if raw, err = json.Marshal(&trimmed); err != nil {
			return nil, err
		}
	}
	return []*models.Message{{Role: models.RoleUser, Content: string(raw)}}, nil
}

// truncateTail keeps the last max characters, marking the cut with a
// leading ellipsis.
func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
