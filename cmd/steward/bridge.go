package main

import (
	"context"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/gateway"
)

// frameTypes maps bus events to websocket frame types. Events without an
// entry use the generic agent_event frame.
var frameTypes = map[bus.EventType]gateway.MessageType{
	bus.EventThreadMessage:     gateway.TypeThreadMessage,
	bus.EventThreadCreated:     gateway.TypeThreadEvent,
	bus.EventThreadUpdated:     gateway.TypeThreadEvent,
	bus.EventThreadDeleted:     gateway.TypeThreadEvent,
	bus.EventRunCreated:        gateway.TypeRunUpdate,
	bus.EventRunUpdated:        gateway.TypeRunUpdate,
	bus.EventNodeStateChanged:  gateway.TypeNodeState,
	bus.EventExecutionFinished: gateway.TypeExecutionFinished,
	bus.EventNodeLog:           gateway.TypeNodeLog,
	bus.EventUserUpdated:       gateway.TypeUserUpdate,
	bus.EventError:             gateway.TypeError,
}

// bridgedEvents is every bus event forwarded to websocket subscribers.
var bridgedEvents = []bus.EventType{
	bus.EventAgentCreated, bus.EventAgentUpdated, bus.EventAgentDeleted,
	bus.EventThreadCreated, bus.EventThreadUpdated, bus.EventThreadDeleted,
	bus.EventThreadMessage,
	bus.EventRunCreated, bus.EventRunUpdated,
	bus.EventTriggerFired,
	bus.EventNodeStateChanged, bus.EventExecutionFinished, bus.EventNodeLog,
	bus.EventSupervisorStarted, bus.EventSupervisorThinking, bus.EventSupervisorComplete,
	bus.EventError, bus.EventSystemStatus, bus.EventUserUpdated,
}

// bridgeEvents forwards bus events to the topic manager. It returns a func
// that unsubscribes everything.
func bridgeEvents(events *bus.Bus, topics *gateway.TopicManager) func() {
	unsubs := make([]func(), 0, len(bridgedEvents))
	for _, eventType := range bridgedEvents {
		eventType := eventType
		unsub := events.Subscribe(eventType, func(_ context.Context, ev bus.Event) {
			frameType, ok := frameTypes[eventType]
			if !ok {
				frameType = gateway.TypeAgentEvent
			}
			data := make(map[string]any, len(ev.Data)+1)
			for k, v := range ev.Data {
				data[k] = v
			}
			data["event"] = string(eventType)
			topics.Publish(gateway.NewEnvelope(frameType, eventTopic(ev), data))
		})
		unsubs = append(unsubs, unsub)
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// eventTopic derives the topic from the event payload: the most specific
// scope present wins, and events with no scope land on the system topic.
func eventTopic(ev bus.Event) string {
	if id, ok := ev.Data["execution_id"].(string); ok && id != "" {
		return gateway.ExecutionTopic(id)
	}
	if id, ok := ev.Data["thread_id"].(string); ok && id != "" {
		return gateway.ThreadTopic(id)
	}
	if id, ok := ev.Data["agent_id"].(string); ok && id != "" {
		return gateway.AgentTopic(id)
	}
	if id, ok := ev.Data["owner_id"].(string); ok && id != "" {
		return gateway.UserTopic(id)
	}
	if id, ok := ev.Data["user_id"].(string); ok && id != "" {
		return gateway.UserTopic(id)
	}
	return gateway.SystemTopic
}
