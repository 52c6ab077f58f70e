package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/roundabout"
)

// activityRingSize bounds per-job tool history kept in memory.
const activityRingSize = 8

// jobHandle is the queue's live state for one job. It doubles as the
// turn's tool observer, so the ring and the log tail fill in while the
// worker runs, not only after capture.
type jobHandle struct {
	ownerID string
	task    string
	cancel  context.CancelCauseFunc
	started time.Time

	mu         sync.Mutex
	workerID   string
	status     string
	activities []roundabout.ToolActivity
	counts     roundabout.Counts
	current    *roundabout.Operation
	currentAt  time.Time
	lastOutput string
	result     *Result
	err        error
}

func (h *jobHandle) workerStarted(workerID string) {
	h.mu.Lock()
	h.workerID = workerID
	h.status = "running"
	h.mu.Unlock()
}

// ToolStarted implements runctx.ToolObserver.
func (h *jobHandle) ToolStarted(name, argsPreview string) {
	h.mu.Lock()
	h.current = &roundabout.Operation{Tool: name, ArgsPreview: argsPreview}
	h.currentAt = time.Now()
	h.mu.Unlock()
}

// ToolFinished implements runctx.ToolObserver.
func (h *jobHandle) ToolFinished(name string, durationMS int64, ok bool, detail string) {
	activity := roundabout.ToolActivity{Name: name, Status: "completed", DurationMS: durationMS}
	if !ok {
		activity.Status = "failed"
		activity.ErrorPreview = clip(detail, 100)
	}

	h.mu.Lock()
	h.current = nil
	h.activities = append(h.activities, activity)
	if len(h.activities) > activityRingSize {
		h.activities = h.activities[len(h.activities)-activityRingSize:]
	}
	h.counts.Total++
	if ok {
		h.counts.Completed++
		h.lastOutput = detail
	} else {
		h.counts.Failed++
	}
	h.mu.Unlock()
}

func (h *jobHandle) finish(result *Result, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	switch {
	case result != nil:
		h.status = string(result.Status)
		if strings.TrimSpace(result.Result) != "" {
			h.lastOutput = result.Result
		}
	default:
		h.status = "failed"
	}
	h.mu.Unlock()
}

// TrackedJob adapts one queued job to the monitor's JobView.
type TrackedJob struct {
	queue  *Queue
	id     string
	handle *jobHandle
}

// Snapshot implements roundabout.JobView.
func (j *TrackedJob) Snapshot(_ context.Context, tailLimit int) (*roundabout.Snapshot, error) {
	h := j.handle
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := &roundabout.Snapshot{
		JobID:          j.id,
		Status:         h.status,
		ElapsedSeconds: time.Since(h.started).Seconds(),
		RecentTools:    append([]roundabout.ToolActivity(nil), h.activities...),
		Counts:         h.counts,
		LogTail:        tail(h.lastOutput, tailLimit),
	}
	snap.Counts.MonitoringChecks++
	h.counts.MonitoringChecks++
	if h.current != nil {
		op := *h.current
		op.RunningSeconds = time.Since(h.currentAt).Seconds()
		snap.Current = &op
	}
	return snap, nil
}

// Cancel implements roundabout.JobView.
func (j *TrackedJob) Cancel(_ context.Context, reason string) error {
	return j.queue.Cancel(j.id, reason)
}

// tail keeps the last max characters, marking truncation with a "..."
// prefix.
func tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
