package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stewardhq/steward/pkg/models"
)

// Memory is an in-process Store. It is safe for concurrent use and returns
// copies, never internal pointers.
type Memory struct {
	mu sync.RWMutex

	agents     map[string]*models.Agent
	threads    map[string]*models.Thread
	messages   map[string][]*models.Message // threadID -> ascending by id
	nextMsgID  map[string]int64
	runs       map[string]*models.Run
	workflows  map[string]*models.Workflow
	executions map[string]*models.WorkflowExecution
	nodeStates map[string]map[string]*models.NodeExecutionState
	triggers   map[string]*models.Trigger
	users      map[string]*models.User

	lockMu sync.Mutex
	locked map[string]bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:     make(map[string]*models.Agent),
		threads:    make(map[string]*models.Thread),
		messages:   make(map[string][]*models.Message),
		nextMsgID:  make(map[string]int64),
		runs:       make(map[string]*models.Run),
		workflows:  make(map[string]*models.Workflow),
		executions: make(map[string]*models.WorkflowExecution),
		nodeStates: make(map[string]map[string]*models.NodeExecutionState),
		triggers:   make(map[string]*models.Trigger),
		users:      make(map[string]*models.User),
		locked:     make(map[string]bool),
	}
}

var _ Store = (*Memory)(nil)

// --- agents ---

func (m *Memory) CreateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return ErrConflict
	}
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (m *Memory) UpdateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; !ok {
		return ErrNotFound
	}
	cp := *agent
	cp.UpdatedAt = time.Now().UTC()
	m.agents[agent.ID] = &cp
	agent.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *Memory) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *Memory) FindSupervisorAgent(_ context.Context, ownerID string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, agent := range m.agents {
		if agent.OwnerID == ownerID && agent.IsSupervisor() {
			cp := *agent
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListScheduledAgents(_ context.Context) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Agent
	for _, agent := range m.agents {
		if strings.TrimSpace(agent.Schedule) != "" {
			cp := *agent
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- threads and messages ---

func (m *Memory) CreateThread(_ context.Context, thread *models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[thread.ID]; ok {
		return ErrConflict
	}
	cp := *thread
	m.threads[thread.ID] = &cp
	m.nextMsgID[thread.ID] = 0
	return nil
}

func (m *Memory) GetThread(_ context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *thread
	return &cp, nil
}

func (m *Memory) TouchThread(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	thread.UpdatedAt = at
	return nil
}

func (m *Memory) FindSuperThread(_ context.Context, agentID string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, thread := range m.threads {
		if thread.AgentID == agentID && thread.Type == models.ThreadSuper {
			cp := *thread
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) AppendMessage(ctx context.Context, msg *models.Message) error {
	return m.AppendMessages(ctx, []*models.Message{msg}, nil)
}

func (m *Memory) AppendMessages(_ context.Context, msgs []*models.Message, processedIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if _, ok := m.threads[msg.ThreadID]; !ok {
			return ErrNotFound
		}
	}
	for _, msg := range msgs {
		id := m.nextMsgID[msg.ThreadID]
		m.nextMsgID[msg.ThreadID] = id + 1
		msg.ID = id
		if msg.SentAt.IsZero() {
			msg.SentAt = time.Now().UTC()
		}
		cp := *msg
		m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], &cp)
	}
	if len(processedIDs) == 0 {
		return nil
	}
	want := make(map[int64]bool, len(processedIDs))
	for _, id := range processedIDs {
		want[id] = true
	}
	// Ids are per-thread; only the threads touched by this batch are scanned.
	threads := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		threads[msg.ThreadID] = true
	}
	for threadID := range threads {
		for _, msg := range m.messages[threadID] {
			if want[msg.ID] && msg.Role == models.RoleUser {
				msg.Processed = true
			}
		}
	}
	return nil
}

func (m *Memory) History(_ context.Context, threadID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrNotFound
	}
	msgs := m.messages[threadID]
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) UnprocessedUserMessages(_ context.Context, threadID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrNotFound
	}
	var out []*models.Message
	for _, msg := range m.messages[threadID] {
		if msg.Role == models.RoleUser && !msg.Processed {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- runs ---

func (m *Memory) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return ErrConflict
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) UpdateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.Status.Terminal() {
		return ErrConflict
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func (m *Memory) CountRunsStartedToday(_ context.Context, ownerID string, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, run := range m.runs {
		if run.OwnerID == ownerID && !run.StartedAt.IsZero() && sameUTCDay(run.StartedAt, now) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CostTodayUSD(_ context.Context, ownerID string, now time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, run := range m.runs {
		if ownerID != "" && run.OwnerID != ownerID {
			continue
		}
		if !run.StartedAt.IsZero() && sameUTCDay(run.StartedAt, now) {
			total += run.CostUSD
		}
	}
	return total, nil
}

// --- workflows and executions ---

func (m *Memory) CreateWorkflow(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return ErrConflict
	}
	cp := *wf
	cp.Nodes = append([]models.Node(nil), wf.Nodes...)
	cp.Edges = append([]models.Edge(nil), wf.Edges...)
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wf
	cp.Nodes = append([]models.Node(nil), wf.Nodes...)
	cp.Edges = append([]models.Edge(nil), wf.Edges...)
	return &cp, nil
}

func (m *Memory) ListScheduledWorkflows(_ context.Context) ([]*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Workflow
	for _, wf := range m.workflows {
		if strings.TrimSpace(wf.Schedule) != "" {
			cp := *wf
			cp.Nodes = append([]models.Node(nil), wf.Nodes...)
			cp.Edges = append([]models.Edge(nil), wf.Edges...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateExecution(_ context.Context, ex *models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[ex.ID]; ok {
		return ErrConflict
	}
	cp := *ex
	m.executions[ex.ID] = &cp
	m.nodeStates[ex.ID] = make(map[string]*models.NodeExecutionState)
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*models.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (m *Memory) UpdateExecution(_ context.Context, ex *models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.executions[ex.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.Phase == models.PhaseFinished {
		return ErrConflict
	}
	cp := *ex
	m.executions[ex.ID] = &cp
	return nil
}

func (m *Memory) UpsertNodeState(_ context.Context, executionID string, state *models.NodeExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	states, ok := m.nodeStates[executionID]
	if !ok {
		return ErrNotFound
	}
	cp := *state
	states[state.NodeID] = &cp
	return nil
}

func (m *Memory) NodeStates(_ context.Context, executionID string) (map[string]*models.NodeExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states, ok := m.nodeStates[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]*models.NodeExecutionState, len(states))
	for id, state := range states {
		cp := *state
		out[id] = &cp
	}
	return out, nil
}

// --- triggers ---

func (m *Memory) CreateTrigger(_ context.Context, tr *models.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[tr.ID]; ok {
		return ErrConflict
	}
	cp := *tr
	m.triggers[tr.ID] = &cp
	return nil
}

func (m *Memory) GetTrigger(_ context.Context, id string) (*models.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.triggers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

func (m *Memory) UpdateWatermark(_ context.Context, id string, watermark map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.triggers[id]
	if !ok {
		return ErrNotFound
	}
	tr.Watermark = watermark
	tr.UpdatedAt = time.Now().UTC()
	return nil
}

// --- users ---

func (m *Memory) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (m *Memory) PutUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

// --- advisory locks ---

func (m *Memory) TryLockAgent(_ context.Context, agentID string) (func(), bool, error) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if m.locked[agentID] {
		return nil, false, nil
	}
	m.locked[agentID] = true
	release := func() {
		m.lockMu.Lock()
		delete(m.locked, agentID)
		m.lockMu.Unlock()
	}
	return release, true, nil
}
