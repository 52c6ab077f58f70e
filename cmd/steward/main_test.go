package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/gateway"
)

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	return path
}

func TestRunValidateValid(t *testing.T) {
	path := writeWorkflow(t, `{
		"id": "wf-1",
		"name": "ping",
		"nodes": [
			{"id": "trigger-1", "type": "trigger", "config": {"trigger_type": "manual"}},
			{"id": "tool-1", "type": "tool", "config": {"tool_name": "get_current_time"}}
		],
		"edges": [{"source": "trigger-1", "target": "tool-1"}]
	}`)

	var out bytes.Buffer
	if err := runValidate(&out, path); err != nil {
		t.Fatalf("runValidate: %v", err)
	}
	if !strings.Contains(out.String(), "is valid") {
		t.Errorf("output = %q, want validity confirmation", out.String())
	}
}

func TestRunValidateReportsErrors(t *testing.T) {
	path := writeWorkflow(t, `{
		"id": "wf-2",
		"name": "broken",
		"nodes": [{"id": "agent-1", "type": "agent", "config": {}}],
		"edges": [{"source": "agent-1", "target": "missing"}]
	}`)

	var out bytes.Buffer
	err := runValidate(&out, path)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out.String(), "error:") {
		t.Errorf("output = %q, want error lines", out.String())
	}
}

func TestRunValidateRejectsBadJSON(t *testing.T) {
	path := writeWorkflow(t, `{not json`)
	if err := runValidate(&bytes.Buffer{}, path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEventTopicPrefersMostSpecificScope(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"execution wins", map[string]any{"execution_id": "e1", "thread_id": "t1"}, "workflow_execution:e1"},
		{"thread over agent", map[string]any{"thread_id": "t1", "agent_id": "a1"}, "thread:t1"},
		{"agent over owner", map[string]any{"agent_id": "a1", "owner_id": "u1"}, "agent:a1"},
		{"owner", map[string]any{"owner_id": "u1"}, "user:u1"},
		{"no scope", map[string]any{"detail": "x"}, "system"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eventTopic(bus.Event{Data: tt.data})
			if got != tt.want {
				t.Errorf("eventTopic = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBridgeForwardsBusEvents(t *testing.T) {
	events := bus.New()
	topics := gateway.NewTopicManager(nil)
	stop := bridgeEvents(events, topics)
	defer stop()

	ch := topics.Subscribe("workflow_execution:e1", "client-1")
	events.Publish(t.Context(), bus.EventExecutionFinished, map[string]any{
		"execution_id": "e1",
		"result":       "success",
	})

	select {
	case env := <-ch:
		if env.Type != gateway.TypeExecutionFinished {
			t.Errorf("frame type = %q, want execution_finished", env.Type)
		}
		if env.Data["event"] != string(bus.EventExecutionFinished) {
			t.Errorf("event tag = %v", env.Data["event"])
		}
		if err := env.Validate(); err != nil {
			t.Errorf("envelope invalid: %v", err)
		}
	default:
		t.Fatal("no frame forwarded")
	}
}
