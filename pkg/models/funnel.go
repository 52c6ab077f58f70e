package models

import "time"

// FunnelEventType is the closed set of accepted analytics event names.
type FunnelEventType string

const (
	FunnelPageView    FunnelEventType = "page_view"
	FunnelSignupStart FunnelEventType = "signup_start"
	FunnelSignupDone  FunnelEventType = "signup_complete"
	FunnelAgentCreate FunnelEventType = "agent_created"
	FunnelFirstRun    FunnelEventType = "first_run"
	FunnelUpgrade     FunnelEventType = "upgrade"
	FunnelChurn       FunnelEventType = "churn"
)

// ValidFunnelEvent reports whether the event name is in the closed set.
func ValidFunnelEvent(e FunnelEventType) bool {
	switch e {
	case FunnelPageView, FunnelSignupStart, FunnelSignupDone,
		FunnelAgentCreate, FunnelFirstRun, FunnelUpgrade, FunnelChurn:
		return true
	}
	return false
}

// FunnelEvent is an append-only analytics row. A visitor can be stitched to
// a user id in a single write that backfills prior rows.
type FunnelEvent struct {
	ID        int64           `json:"id"`
	VisitorID string          `json:"visitor_id"`
	Event     FunnelEventType `json:"event"`
	Page      string          `json:"page,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
