package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stewardhq/steward/internal/artifacts"
	"github.com/stewardhq/steward/internal/runctx"
)

type fakeQueue struct {
	lastOwner  string
	lastTask   string
	lastConfig map[string]any
}

func (q *fakeQueue) Enqueue(_ context.Context, ownerID, task string, config map[string]any) (string, error) {
	q.lastOwner = ownerID
	q.lastTask = task
	q.lastConfig = config
	return "job-1", nil
}

func workerTestRegistry(t *testing.T) (*Registry, *artifacts.Store, *fakeQueue) {
	t.Helper()
	store, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	queue := &fakeQueue{}
	r := NewRegistry()
	RegisterWorkerTools(r, store, queue)
	return r, store, queue
}

func ownerCtx(owner string) context.Context {
	return runctx.WithResolver(context.Background(), &runctx.StaticResolver{Owner: owner})
}

func TestSpawnWorkerQueuesAndTagsRun(t *testing.T) {
	r, _, queue := workerTestRegistry(t)

	ctx := runctx.WithSupervisorRun(ownerCtx("u1"), "run-42")
	result := r.Execute(ctx, "spawn_worker", json.RawMessage(`{"task":"collect logs"}`))
	if !result.OK {
		t.Fatalf("spawn failed: %+v", result)
	}
	data := result.Data.(map[string]any)
	if data["job_id"] != "job-1" || data["status"] != "queued" {
		t.Fatalf("data = %+v", data)
	}
	if queue.lastOwner != "u1" || queue.lastTask != "collect logs" {
		t.Fatalf("queue saw owner=%s task=%s", queue.lastOwner, queue.lastTask)
	}
	if queue.lastConfig["supervisor_run_id"] != "run-42" {
		t.Fatalf("supervisor run not propagated: %+v", queue.lastConfig)
	}
}

func TestWorkerToolsRequireOwner(t *testing.T) {
	r, _, _ := workerTestRegistry(t)

	result := r.Execute(context.Background(), "list_workers", json.RawMessage(`{}`))
	if result.OK || result.ErrorType != ErrPermission {
		t.Fatalf("ownerless call = %+v", result)
	}
}

func TestReadWorkerResultOwnerIsolation(t *testing.T) {
	r, store, _ := workerTestRegistry(t)

	id, err := store.CreateWorker("User A Task", map[string]any{"owner_id": "user-a"})
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	if err := store.SaveResult(id, "done"); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	args, _ := json.Marshal(map[string]any{"worker_id": id})
	result := r.Execute(ownerCtx("user-b"), "read_worker_result", args)
	if result.OK {
		t.Fatal("cross-owner read succeeded")
	}
	if result.ErrorType != ErrPermission || !strings.Contains(result.UserMessage, "Access denied") {
		t.Fatalf("result = %+v", result)
	}

	result = r.Execute(ownerCtx("user-a"), "read_worker_result", args)
	if !result.OK {
		t.Fatalf("owner read failed: %+v", result)
	}
	if result.Data.(map[string]any)["result"] != "done" {
		t.Fatalf("data = %+v", result.Data)
	}
}

func TestReadWorkerFileTraversalRejected(t *testing.T) {
	r, store, _ := workerTestRegistry(t)

	id, err := store.CreateWorker("task", map[string]any{"owner_id": "u1"})
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	args, _ := json.Marshal(map[string]any{"worker_id": id, "path": "../../../etc/passwd"})
	result := r.Execute(ownerCtx("u1"), "read_worker_file", args)
	if result.OK {
		t.Fatal("traversal read succeeded")
	}
	if !strings.Contains(result.UserMessage, "Invalid") {
		t.Fatalf("user_message = %q", result.UserMessage)
	}
}

func TestGrepWorkersReturnsHits(t *testing.T) {
	r, store, _ := workerTestRegistry(t)

	id, err := store.CreateWorker("task", map[string]any{"owner_id": "u1"})
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	if err := store.SaveResult(id, "deploy succeeded on host alpha"); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	result := r.Execute(ownerCtx("u1"), "grep_workers", json.RawMessage(`{"pattern":"deploy.*alpha"}`))
	if !result.OK {
		t.Fatalf("grep failed: %+v", result)
	}
	data := result.Data.(map[string]any)
	if data["count"] != 1 {
		t.Fatalf("count = %v", data["count"])
	}
}
