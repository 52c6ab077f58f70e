package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stewardhq/steward/internal/runctx"
)

// Tool is a named function with a declared input schema and the envelope
// output contract. Implementations may block; the turn engine runs them on
// their own goroutines.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description helps the LLM decide when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Invoke executes the tool. Errors the user should see go in the
	// envelope; a non-nil error return means the runtime itself broke.
	Invoke(ctx context.Context, args map[string]any) (*Result, error)
}

// Registry holds tool definitions keyed by name. It is populated at startup
// and effectively read-only afterwards; lookups take the read lock only.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  slog.Default().With("component", "tools"),
	}
}

// Register adds a tool, compiling its schema up front so a malformed schema
// fails at startup instead of mid-turn. Re-registering a name replaces the
// previous tool.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	var compiled *jsonschema.Schema
	if schema := tool.Schema(); len(schema) > 0 {
		var err error
		compiled, err = jsonschema.CompileString(name+".schema.json", string(schema))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// MustRegister registers or panics; for the startup-time builtin set.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// ToolsFor returns the tools exposed to an agent. An empty allowlist means
// all tools.
func (r *Registry) ToolsFor(allowed []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(allowed) == 0 {
		out := make([]Tool, 0, len(r.tools))
		for _, tool := range r.tools {
			out = append(out, tool)
		}
		return out
	}
	out := make([]Tool, 0, len(allowed))
	for _, name := range allowed {
		if tool, ok := r.tools[name]; ok {
			out = append(out, tool)
		}
	}
	return out
}

// Execute validates args against the tool's schema and invokes it. Every
// failure path lands in an envelope; the turn never sees a Go error from a
// tool body. A tool observer on the context sees start and finish of every
// call, validation failures included.
func (r *Registry) Execute(ctx context.Context, name string, rawArgs json.RawMessage) *Result {
	obs := runctx.ObserverFor(ctx)
	if obs == nil {
		return r.execute(ctx, name, rawArgs)
	}
	obs.ToolStarted(name, argsPreview(rawArgs))
	started := time.Now()
	result := r.execute(ctx, name, rawArgs)
	detail := result.UserMessage
	if result.OK {
		detail = result.Encode()
	}
	obs.ToolFinished(name, time.Since(started).Milliseconds(), result.OK, detail)
	return result
}

func (r *Registry) execute(ctx context.Context, name string, rawArgs json.RawMessage) *Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return Failure(ErrValidation, "unknown tool: "+name)
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return Failure(ErrValidation, fmt.Sprintf("arguments are not a JSON object: %v", err))
		}
	}
	if schema != nil {
		var payload any = args
		if err := schema.Validate(payload); err != nil {
			return Failure(ErrValidation, fmt.Sprintf("arguments failed schema validation: %v", err))
		}
	}

	result, err := func() (result *Result, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool panicked", "tool", name, "panic", rec)
				result = Failure(ErrExecution, fmt.Sprintf("tool %s panicked: %v", name, rec))
			}
		}()
		return tool.Invoke(ctx, args)
	}()
	if err != nil {
		return Failure(ErrExecution, err.Error())
	}
	if result == nil {
		return Failure(ErrExecution, "tool returned no result")
	}
	if !result.OK && !ValidErrorKind(result.ErrorType) {
		result.ErrorType = ErrExecution
	}
	return result
}

// argsPreview renders redacted arguments as a short single-line preview.
func argsPreview(rawArgs json.RawMessage) string {
	raw, err := json.Marshal(RedactedArgs(rawArgs))
	if err != nil {
		return ""
	}
	preview := string(raw)
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	return preview
}

// RedactedArgs returns the redacted form of raw tool-call arguments for
// persistence. Unparseable arguments are stored as-is under a plain key.
func RedactedArgs(rawArgs json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return map[string]any{"raw": string(rawArgs)}
		}
	}
	redacted, _ := Redact(args).(map[string]any)
	return redacted
}
