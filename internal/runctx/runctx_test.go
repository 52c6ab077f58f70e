package runctx

import (
	"context"
	"testing"
)

func TestResolverAbsentOutsideTurn(t *testing.T) {
	ctx := context.Background()
	if Resolver(ctx) != nil {
		t.Error("Resolver on bare context should be nil")
	}
	if OwnerID(ctx) != "" {
		t.Error("OwnerID on bare context should be empty")
	}
	if _, ok := Stream(ctx); ok {
		t.Error("Stream on bare context should report absent")
	}
	if SupervisorRun(ctx) != "" {
		t.Error("SupervisorRun on bare context should be empty")
	}
	if ObserverFor(ctx) != nil {
		t.Error("ObserverFor on bare context should be nil")
	}
}

func TestResolverRoundTrip(t *testing.T) {
	resolver := &StaticResolver{
		Owner: "user-1",
		Creds: map[string]Credentials{
			"slack": {"bot_token": "xoxb-test"},
		},
	}
	ctx := WithResolver(context.Background(), resolver)

	if got := OwnerID(ctx); got != "user-1" {
		t.Errorf("OwnerID = %q, want user-1", got)
	}
	creds, ok := Resolver(ctx).Get(ctx, "slack")
	if !ok {
		t.Fatal("slack credentials should resolve")
	}
	if creds["bot_token"] != "xoxb-test" {
		t.Errorf("bot_token = %q", creds["bot_token"])
	}
	if _, ok := Resolver(ctx).Get(ctx, "discord"); ok {
		t.Error("unconfigured connector should not resolve")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	ctx := WithStream(context.Background(), StreamContext{
		ThreadID: "thread-1",
		UserID:   "user-1",
		RunID:    "run-1",
	})
	sc, ok := Stream(ctx)
	if !ok {
		t.Fatal("stream context should be present")
	}
	if sc.ThreadID != "thread-1" || sc.UserID != "user-1" || sc.RunID != "run-1" {
		t.Errorf("stream context = %+v", sc)
	}
}

// Values scoped to a derived context never leak to the parent: leaving a
// turn restores the caller's view by construction.
func TestDerivedContextDoesNotLeak(t *testing.T) {
	parent := WithSupervisorRun(context.Background(), "run-outer")
	child := WithSupervisorRun(parent, "run-inner")

	if got := SupervisorRun(child); got != "run-inner" {
		t.Errorf("child SupervisorRun = %q, want run-inner", got)
	}
	if got := SupervisorRun(parent); got != "run-outer" {
		t.Errorf("parent SupervisorRun = %q, want run-outer", got)
	}
}
