package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeVersion is the wire protocol version carried in every frame.
const EnvelopeVersion = 1

// MessageType is the closed set of websocket frame types.
type MessageType string

const (
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
	TypeError             MessageType = "error"
	TypeSubscribe         MessageType = "subscribe"
	TypeUnsubscribe       MessageType = "unsubscribe"
	TypeSendMessage       MessageType = "send_message"
	TypeThreadMessage     MessageType = "thread_message"
	TypeStreamStart       MessageType = "stream_start"
	TypeStreamChunk       MessageType = "stream_chunk"
	TypeStreamEnd         MessageType = "stream_end"
	TypeAssistantID       MessageType = "assistant_id"
	TypeAgentEvent        MessageType = "agent_event"
	TypeThreadEvent       MessageType = "thread_event"
	TypeRunUpdate         MessageType = "run_update"
	TypeUserUpdate        MessageType = "user_update"
	TypeNodeState         MessageType = "node_state"
	TypeExecutionFinished MessageType = "execution_finished"
	TypeNodeLog           MessageType = "node_log"
)

// ValidMessageType reports whether t is in the closed set.
func ValidMessageType(t MessageType) bool {
	switch t {
	case TypePing, TypePong, TypeError, TypeSubscribe, TypeUnsubscribe,
		TypeSendMessage, TypeThreadMessage, TypeStreamStart, TypeStreamChunk,
		TypeStreamEnd, TypeAssistantID, TypeAgentEvent, TypeThreadEvent,
		TypeRunUpdate, TypeUserUpdate, TypeNodeState, TypeExecutionFinished,
		TypeNodeLog:
		return true
	}
	return false
}

// Envelope is the versioned wire frame broadcast to topic subscribers.
type Envelope struct {
	V     int            `json:"v"`
	Type  MessageType    `json:"type"`
	Topic string         `json:"topic"`
	ReqID string         `json:"req_id,omitempty"`
	TS    int64          `json:"ts"`
	Data  map[string]any `json:"data"`
}

// NewEnvelope builds a v1 frame stamped with the current unix-ms time.
func NewEnvelope(t MessageType, topic string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		V:     EnvelopeVersion,
		Type:  t,
		Topic: topic,
		TS:    time.Now().UnixMilli(),
		Data:  data,
	}
}

// Validate checks the envelope invariants: v=1, known type, topic, ts, data.
func (e Envelope) Validate() error {
	if e.V != EnvelopeVersion {
		return fmt.Errorf("unsupported envelope version %d", e.V)
	}
	if !ValidMessageType(e.Type) {
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	if e.Topic == "" {
		return fmt.Errorf("envelope missing topic")
	}
	if e.TS == 0 {
		return fmt.Errorf("envelope missing ts")
	}
	if e.Data == nil {
		return fmt.Errorf("envelope missing data")
	}
	return nil
}

// Encode marshals the envelope to JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Topic shapes. Subscribers use these helpers so topic strings stay uniform.

// UserTopic is the per-user channel, e.g. stream frames.
func UserTopic(userID string) string { return "user:" + userID }

// ThreadTopic carries per-thread message events.
func ThreadTopic(threadID string) string { return "thread:" + threadID }

// AgentTopic carries agent lifecycle events.
func AgentTopic(agentID string) string { return "agent:" + agentID }

// ExecutionTopic carries workflow execution state events.
func ExecutionTopic(executionID string) string { return "workflow_execution:" + executionID }

// SystemTopic carries system-wide status frames.
const SystemTopic = "system"
