package gateway

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(TypeStreamChunk, UserTopic("u1"), map[string]any{
		"content":    "hello",
		"chunk_type": "assistant",
	})
	env.ReqID = "req-1"

	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(env, back) {
		t.Fatalf("round trip mismatch:\n  in:  %+v\n  out: %+v", env, back)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *Envelope) {}},
		{name: "wrong version", mutate: func(e *Envelope) { e.V = 2 }, wantErr: true},
		{name: "unknown type", mutate: func(e *Envelope) { e.Type = "bogus" }, wantErr: true},
		{name: "missing topic", mutate: func(e *Envelope) { e.Topic = "" }, wantErr: true},
		{name: "missing ts", mutate: func(e *Envelope) { e.TS = 0 }, wantErr: true},
		{name: "missing data", mutate: func(e *Envelope) { e.Data = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope(TypeRunUpdate, AgentTopic("a1"), map[string]any{"status": "running"})
			tt.mutate(&env)
			err := env.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTopicShapes(t *testing.T) {
	if got := UserTopic("42"); got != "user:42" {
		t.Fatalf("UserTopic = %q", got)
	}
	if got := ThreadTopic("t"); got != "thread:t" {
		t.Fatalf("ThreadTopic = %q", got)
	}
	if got := AgentTopic("a"); got != "agent:a" {
		t.Fatalf("AgentTopic = %q", got)
	}
	if got := ExecutionTopic("e"); got != "workflow_execution:e" {
		t.Fatalf("ExecutionTopic = %q", got)
	}
}

func TestValidateClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid subscribe",
			raw:  `{"v":1,"type":"subscribe","topic":"system","ts":1,"data":{"topic":"user:1"}}`,
		},
		{
			name:    "subscribe without topic",
			raw:     `{"v":1,"type":"subscribe","ts":1,"data":{}}`,
			wantErr: true,
		},
		{
			name:    "server-only type rejected",
			raw:     `{"v":1,"type":"stream_chunk","topic":"user:1","ts":1,"data":{}}`,
			wantErr: true,
		},
		{
			name:    "wrong version",
			raw:     `{"v":2,"type":"ping","ts":1,"data":{}}`,
			wantErr: true,
		},
		{
			name: "valid send_message",
			raw:  `{"v":1,"type":"send_message","ts":1,"data":{"thread_id":"t1","content":"hi"}}`,
		},
		{
			name:    "send_message empty content",
			raw:     `{"v":1,"type":"send_message","ts":1,"data":{"thread_id":"t1","content":""}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			if err := json.Unmarshal([]byte(tt.raw), &env); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			err := validateClientFrame([]byte(tt.raw), &env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateClientFrame error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
