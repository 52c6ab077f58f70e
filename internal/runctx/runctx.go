// Package runctx carries per-turn scoped values: the credential resolver
// and the streaming context. Both travel on the context.Context of the turn,
// so leaving the turn (success, failure, or cancellation) automatically
// restores the caller's values. Credentials are never passed as tool
// arguments; the resolver is the only path.
package runctx

import "context"

type ctxKey int

const (
	credentialsKey ctxKey = iota
	streamingKey
	supervisorRunKey
	toolObserverKey
)

// Credentials is one connector's resolved secret material.
type Credentials map[string]string

// CredentialResolver yields connector credentials for the turn's owner.
// Precedence (agent-scoped over account-scoped) is the implementation's
// concern; callers only see the winning set.
type CredentialResolver interface {
	// OwnerID identifies the user the turn runs on behalf of.
	OwnerID() string
	// Get returns credentials for a connector type, or ok=false when the
	// connector is not configured.
	Get(ctx context.Context, connectorType string) (Credentials, bool)
}

// StreamContext tells token-stream callbacks where to publish.
type StreamContext struct {
	ThreadID string
	UserID   string
	// RunID correlates spawned workers back to a supervisor run.
	RunID string
}

// WithResolver installs the turn's credential resolver.
func WithResolver(ctx context.Context, resolver CredentialResolver) context.Context {
	return context.WithValue(ctx, credentialsKey, resolver)
}

// Resolver returns the turn's credential resolver, or nil outside a turn.
func Resolver(ctx context.Context) CredentialResolver {
	resolver, _ := ctx.Value(credentialsKey).(CredentialResolver)
	return resolver
}

// WithStream installs the turn's streaming context.
func WithStream(ctx context.Context, stream StreamContext) context.Context {
	return context.WithValue(ctx, streamingKey, stream)
}

// Stream returns the turn's streaming context. ok is false outside a turn.
func Stream(ctx context.Context) (StreamContext, bool) {
	stream, ok := ctx.Value(streamingKey).(StreamContext)
	return stream, ok
}

// OwnerID is a convenience accessor for the resolver's owner. Empty outside
// a turn.
func OwnerID(ctx context.Context) string {
	if resolver := Resolver(ctx); resolver != nil {
		return resolver.OwnerID()
	}
	return ""
}

// WithSupervisorRun tags the context with the supervisor run id so workers
// spawned during the turn can be attributed to it.
func WithSupervisorRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, supervisorRunKey, runID)
}

// SupervisorRun returns the active supervisor run id, if any.
func SupervisorRun(ctx context.Context) string {
	runID, _ := ctx.Value(supervisorRunKey).(string)
	return runID
}

// ToolObserver receives tool execution milestones during a turn. The turn
// engine runs tools in parallel; implementations must be safe for
// concurrent calls.
type ToolObserver interface {
	// ToolStarted fires before the tool body runs. argsPreview is short and
	// already redacted.
	ToolStarted(name, argsPreview string)
	// ToolFinished fires after the tool body returned. detail carries the
	// encoded envelope on success and the user message on failure.
	ToolFinished(name string, durationMS int64, ok bool, detail string)
}

// WithToolObserver installs a tool observer for the turn.
func WithToolObserver(ctx context.Context, obs ToolObserver) context.Context {
	return context.WithValue(ctx, toolObserverKey, obs)
}

// ObserverFor returns the turn's tool observer, or nil.
func ObserverFor(ctx context.Context) ToolObserver {
	obs, _ := ctx.Value(toolObserverKey).(ToolObserver)
	return obs
}

// StaticResolver is a fixed credential map, used by tests and by owners
// with no connector store.
type StaticResolver struct {
	Owner string
	Creds map[string]Credentials
}

func (r *StaticResolver) OwnerID() string { return r.Owner }

func (r *StaticResolver) Get(_ context.Context, connectorType string) (Credentials, bool) {
	creds, ok := r.Creds[connectorType]
	return creds, ok
}
