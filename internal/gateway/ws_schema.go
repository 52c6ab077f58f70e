package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Client frames reuse the envelope shape; only a subset of types is
// accepted inbound. Each inbound type has a compiled data schema.

type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	byType  map[MessageType]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		frame, err := jsonschema.CompileString("ws_frame", wsFrameSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.frame = frame

		byType := map[MessageType]string{
			TypePing:        wsEmptyDataSchema,
			TypeSubscribe:   wsTopicDataSchema,
			TypeUnsubscribe: wsTopicDataSchema,
			TypeSendMessage: wsSendMessageDataSchema,
		}
		wsSchemas.byType = make(map[MessageType]*jsonschema.Schema, len(byType))
		for t, src := range byType {
			compiled, err := jsonschema.CompileString("ws_"+string(t), src)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.byType[t] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateClientFrame checks a raw inbound frame against the envelope schema
// and the per-type data schema. Types without a schema entry are rejected:
// clients may only send the request subset.
func validateClientFrame(raw []byte, env *Envelope) error {
	if err := initWSSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := wsSchemas.frame.Validate(payload); err != nil {
		return err
	}
	schema, ok := wsSchemas.byType[env.Type]
	if !ok {
		return fmt.Errorf("type %q not accepted from clients", env.Type)
	}
	var data any = map[string]any{}
	if env.Data != nil {
		data = mapToAny(env.Data)
	}
	return schema.Validate(data)
}

// mapToAny round-trips through JSON so schema validation sees plain types.
func mapToAny(m map[string]any) any {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

const wsFrameSchema = `{
  "type": "object",
  "required": ["v", "type"],
  "properties": {
    "v": { "const": 1 },
    "type": { "type": "string", "minLength": 1 },
    "topic": { "type": "string" },
    "req_id": { "type": ["string", "null"] },
    "ts": { "type": "integer" },
    "data": { "type": "object" }
  },
  "additionalProperties": true
}`

const wsEmptyDataSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const wsTopicDataSchema = `{
  "type": "object",
  "required": ["topic"],
  "properties": {
    "topic": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const wsSendMessageDataSchema = `{
  "type": "object",
  "required": ["thread_id", "content"],
  "properties": {
    "thread_id": { "type": "string", "minLength": 1 },
    "content": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`
