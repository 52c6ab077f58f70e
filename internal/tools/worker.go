package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardhq/steward/internal/artifacts"
	"github.com/stewardhq/steward/internal/runctx"
)

// WorkerQueue accepts worker jobs for asynchronous execution. spawn_worker
// returns the job id immediately; it never blocks the supervisor turn.
type WorkerQueue interface {
	Enqueue(ctx context.Context, ownerID, task string, config map[string]any) (jobID string, err error)
}

// WorkerToolNames is the fixed management set granted to supervisors.
var WorkerToolNames = []string{
	"spawn_worker",
	"list_workers",
	"read_worker_result",
	"read_worker_file",
	"grep_workers",
	"get_worker_metadata",
}

// RegisterWorkerTools installs the worker management tools over an artifact
// store and a worker queue.
func RegisterWorkerTools(r *Registry, store *artifacts.Store, queue WorkerQueue) {
	r.MustRegister(&spawnWorkerTool{queue: queue})
	r.MustRegister(&listWorkersTool{store: store})
	r.MustRegister(&readWorkerResultTool{store: store})
	r.MustRegister(&readWorkerFileTool{store: store})
	r.MustRegister(&grepWorkersTool{store: store})
	r.MustRegister(&workerMetadataTool{store: store})
}

// ownerFromCtx resolves the turn owner; every worker tool is owner-scoped.
func ownerFromCtx(ctx context.Context) (string, *Result) {
	owner := runctx.OwnerID(ctx)
	if owner == "" {
		return "", Failure(ErrPermission, "no owner in turn context")
	}
	return owner, nil
}

// workerAccessFailure maps artifact store errors onto the envelope.
func workerAccessFailure(err error) *Result {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, artifacts.ErrPermissionDenied):
		return Failure(ErrPermission, "Access denied: worker belongs to another user")
	case errors.Is(err, artifacts.ErrInvalidPath):
		return Failure(ErrValidation, "Invalid path: escapes the worker directory")
	case errors.Is(err, artifacts.ErrNotFound):
		return Failure(ErrExecution, "Error: worker or file not found")
	default:
		return Failure(ErrExecution, err.Error())
	}
}

type spawnWorkerTool struct {
	queue WorkerQueue
}

func (t *spawnWorkerTool) Name() string { return "spawn_worker" }

func (t *spawnWorkerTool) Description() string {
	return "Queue a background worker for a task. Returns a job id immediately; use list_workers and read_worker_result to follow up."
}

func (t *spawnWorkerTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["task"],
		"properties": {
			"task": {"type": "string", "minLength": 1},
			"config": {"type": "object"}
		}
	}`)
}

func (t *spawnWorkerTool) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	owner, fail := ownerFromCtx(ctx)
	if fail != nil {
		return fail, nil
	}
	task, _ := args["task"].(string)
	config, _ := args["config"].(map[string]any)
	if config == nil {
		config = map[string]any{}
	}
	if runID := runctx.SupervisorRun(ctx); runID != "" {
		config["supervisor_run_id"] = runID
	}
	jobID, err := t.queue.Enqueue(ctx, owner, task, config)
	if err != nil {
		return Failure(ErrExecution, fmt.Sprintf("queue worker: %v", err)), nil
	}
	return Success(map[string]any{"job_id": jobID, "status": "queued"}), nil
}

type listWorkersTool struct {
	store *artifacts.Store
}

func (t *listWorkersTool) Name() string { return "list_workers" }

func (t *listWorkersTool) Description() string {
	return "List your workers, newest first. Filter by status or a since timestamp (inclusive)."
}

func (t *listWorkersTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"limit": {"type": "integer", "minimum": 1, "maximum": 100},
			"status": {"type": "string", "enum": ["created", "running", "success", "failed"]},
			"since": {"type": "string", "description": "RFC 3339 timestamp; workers created at or after it"}
		}
	}`)
}

func (t *listWorkersTool) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	owner, fail := ownerFromCtx(ctx)
	if fail != nil {
		return fail, nil
	}
	filter := artifacts.ListFilter{Limit: 20}
	if limit, ok := args["limit"].(float64); ok {
		filter.Limit = int(limit)
	}
	if status, _ := args["status"].(string); status != "" {
		filter.Status = artifacts.WorkerStatus(status)
	}
	if since, _ := args["since"].(string); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return Failure(ErrValidation, fmt.Sprintf("bad since timestamp: %v", err)), nil
		}
		filter.Since = parsed
	}
	entries, err := t.store.ListWorkers(owner, filter)
	if err != nil {
		return workerAccessFailure(err), nil
	}
	return Success(map[string]any{"workers": entries, "count": len(entries)}), nil
}

type readWorkerResultTool struct {
	store *artifacts.Store
}

func (t *readWorkerResultTool) Name() string { return "read_worker_result" }

func (t *readWorkerResultTool) Description() string {
	return "Read a worker's final result text."
}

func (t *readWorkerResultTool) Schema() json.RawMessage {
	return workerIDSchema
}

func (t *readWorkerResultTool) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	owner, fail := ownerFromCtx(ctx)
	if fail != nil {
		return fail, nil
	}
	workerID, _ := args["worker_id"].(string)
	// Owner check first; the result file itself carries no ownership.
	if _, err := t.store.GetMetadata(workerID, owner); err != nil {
		return workerAccessFailure(err), nil
	}
	result, err := t.store.GetResult(workerID)
	if err != nil {
		return workerAccessFailure(err), nil
	}
	return Success(map[string]any{"worker_id": workerID, "result": result}), nil
}

type readWorkerFileTool struct {
	store *artifacts.Store
}

func (t *readWorkerFileTool) Name() string { return "read_worker_file" }

func (t *readWorkerFileTool) Description() string {
	return "Read a file inside a worker's directory, e.g. thread.jsonl or tool_calls/001_http-request.txt."
}

func (t *readWorkerFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["worker_id", "path"],
		"properties": {
			"worker_id": {"type": "string", "minLength": 1},
			"path": {"type": "string", "minLength": 1}
		}
	}`)
}

func (t *readWorkerFileTool) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	owner, fail := ownerFromCtx(ctx)
	if fail != nil {
		return fail, nil
	}
	workerID, _ := args["worker_id"].(string)
	path, _ := args["path"].(string)
	if _, err := t.store.GetMetadata(workerID, owner); err != nil {
		return workerAccessFailure(err), nil
	}
	content, err := t.store.ReadWorkerFile(workerID, path)
	if err != nil {
		return workerAccessFailure(err), nil
	}
	return Success(map[string]any{"worker_id": workerID, "path": path, "content": content}), nil
}

type grepWorkersTool struct {
	store *artifacts.Store
}

func (t *grepWorkersTool) Name() string { return "grep_workers" }

func (t *grepWorkersTool) Description() string {
	return "Search your workers' files with a regular expression. Returns matching lines with worker, file, and line number."
}

func (t *grepWorkersTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["pattern"],
		"properties": {
			"pattern": {"type": "string", "minLength": 1},
			"file_glob": {"type": "string"},
			"worker_ids": {"type": "array", "items": {"type": "string"}}
		}
	}`)
}

func (t *grepWorkersTool) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	owner, fail := ownerFromCtx(ctx)
	if fail != nil {
		return fail, nil
	}
	pattern, _ := args["pattern"].(string)
	fileGlob, _ := args["file_glob"].(string)
	var workerIDs []string
	if raw, ok := args["worker_ids"].([]any); ok {
		for _, item := range raw {
			if id, ok := item.(string); ok {
				workerIDs = append(workerIDs, id)
			}
		}
	}
	hits, err := t.store.SearchWorkers(pattern, fileGlob, workerIDs, owner)
	if err != nil {
		return Failure(ErrValidation, err.Error()), nil
	}
	return Success(map[string]any{"hits": hits, "count": len(hits)}), nil
}

type workerMetadataTool struct {
	store *artifacts.Store
}

func (t *workerMetadataTool) Name() string { return "get_worker_metadata" }

func (t *workerMetadataTool) Description() string {
	return "Read a worker's metadata: task, status, timestamps, duration, error, summary."
}

func (t *workerMetadataTool) Schema() json.RawMessage {
	return workerIDSchema
}

func (t *workerMetadataTool) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	owner, fail := ownerFromCtx(ctx)
	if fail != nil {
		return fail, nil
	}
	workerID, _ := args["worker_id"].(string)
	meta, err := t.store.GetMetadata(workerID, owner)
	if err != nil {
		return workerAccessFailure(err), nil
	}
	return Success(meta), nil
}

var workerIDSchema = json.RawMessage(`{
	"type": "object",
	"required": ["worker_id"],
	"properties": {
		"worker_id": {"type": "string", "minLength": 1}
	}
}`)
