package roundabout

import (
	"context"
	"time"
)

// JobView adapts a running worker job for monitoring.
type JobView interface {
	// Snapshot captures current job state with at most tailLimit
	// characters of log tail.
	Snapshot(ctx context.Context, tailLimit int) (*Snapshot, error)
	// Cancel terminates the job with a reason.
	Cancel(ctx context.Context, reason string) error
}

// terminalStatuses are job states that end the watch on their own.
var terminalStatuses = map[string]bool{
	"success":   true,
	"failed":    true,
	"cancelled": true,
}

// Watch polls the job until it finishes or the monitor decides to exit or
// cancel. The returned outcome is the decision that ended the watch; a job
// that reached a terminal state on its own ends with exit.
func (m *Monitor) Watch(ctx context.Context, job JobView, pollEvery time.Duration) (Outcome, error) {
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{Decision: DecisionExit}, ctx.Err()
		case <-ticker.C:
		}

		snap, err := job.Snapshot(ctx, m.TailLimit())
		if err != nil {
			m.logger.Warn("snapshot failed", "error", err)
			continue
		}
		if terminalStatuses[snap.Status] {
			return Outcome{Decision: DecisionExit}, nil
		}

		outcome := m.Poll(ctx, snap)
		switch outcome.Decision {
		case DecisionExit:
			return outcome, nil
		case DecisionCancel:
			if err := job.Cancel(ctx, outcome.Reason); err != nil {
				m.logger.Warn("cancel failed", "job_id", snap.JobID, "error", err)
			}
			return outcome, nil
		}
	}
}
