package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stewardhq/steward/pkg/models"
)

// Postgres is the SQL-backed Store. Message ids come from a per-thread
// counter on the threads table so they are strictly ascending even under
// concurrent writers. Agent-run exclusivity uses session-scoped advisory
// locks, which vanish with the session on process death.
type Postgres struct {
	db *sql.DB
}

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns pool defaults suitable for a single service
// instance.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgres opens a Postgres-backed store from a DSN and ensures the
// schema exists.
func NewPostgres(dsn string, config *PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Postgres{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*Postgres)(nil)

// Close releases the connection pool.
func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			custom_instructions TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			model TEXT NOT NULL,
			system_instructions TEXT NOT NULL DEFAULT '',
			task_instructions TEXT NOT NULL DEFAULT '',
			allowed_tools TEXT[] NOT NULL DEFAULT '{}',
			schedule TEXT NOT NULL DEFAULT '',
			config JSONB,
			status TEXT NOT NULL DEFAULT 'idle',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			next_msg_id BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_agent ON threads(agent_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			thread_id TEXT NOT NULL REFERENCES threads(id),
			id BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			parent_id BIGINT NOT NULL DEFAULT 0,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			sent_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (thread_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_owner_started ON runs(owner_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			nodes JSONB NOT NULL,
			edges JSONB NOT NULL,
			schedule TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS node_states (
			execution_id TEXT NOT NULL REFERENCES workflow_executions(id),
			node_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			output JSONB,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			config JSONB,
			watermark JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate")
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// --- agents ---

func (s *Postgres) CreateAgent(ctx context.Context, agent *models.Agent) error {
	cfg, err := marshalJSON(agent.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, owner_id, name, model, system_instructions, task_instructions,
			allowed_tools, schedule, config, status, last_error, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		agent.ID, agent.OwnerID, agent.Name, agent.Model,
		agent.SystemInstructions, agent.TaskInstructions,
		pq.Array(agent.AllowedTools), agent.Schedule, cfg,
		string(agent.Status), agent.LastError, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

const agentColumns = `id, owner_id, name, model, system_instructions, task_instructions,
	allowed_tools, schedule, config, status, last_error, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var agent models.Agent
	var tools []string
	var cfg []byte
	var status string
	err := row.Scan(
		&agent.ID, &agent.OwnerID, &agent.Name, &agent.Model,
		&agent.SystemInstructions, &agent.TaskInstructions,
		pq.Array(&tools), &agent.Schedule, &cfg,
		&status, &agent.LastError, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	agent.AllowedTools = tools
	agent.Status = models.AgentStatus(status)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &agent.Config); err != nil {
			return nil, fmt.Errorf("unmarshal agent config: %w", err)
		}
	}
	return &agent, nil
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *Postgres) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	cfg, err := marshalJSON(agent.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	agent.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name=$2, model=$3, system_instructions=$4, task_instructions=$5,
			allowed_tools=$6, schedule=$7, config=$8, status=$9, last_error=$10, updated_at=$11
		 WHERE id=$1`,
		agent.ID, agent.Name, agent.Model, agent.SystemInstructions, agent.TaskInstructions,
		pq.Array(agent.AllowedTools), agent.Schedule, cfg,
		string(agent.Status), agent.LastError, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) FindSupervisorAgent(ctx context.Context, ownerID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE owner_id = $1 AND (config->>'is_supervisor')::boolean IS TRUE
		 LIMIT 1`, ownerID)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find supervisor: %w", err)
	}
	return agent, nil
}

func (s *Postgres) ListScheduledAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE schedule <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled agents: %w", err)
	}
	defer rows.Close()
	var out []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// --- threads and messages ---

func (s *Postgres) CreateThread(ctx context.Context, thread *models.Thread) error {
	meta, err := marshalJSON(thread.Metadata)
	if err != nil {
		return fmt.Errorf("marshal thread metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, agent_id, owner_id, type, title, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		thread.ID, thread.AgentID, thread.OwnerID, string(thread.Type),
		thread.Title, meta, thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

func (s *Postgres) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, owner_id, type, title, metadata, created_at, updated_at
		 FROM threads WHERE id = $1`, id)
	var thread models.Thread
	var typ string
	var meta []byte
	if err := row.Scan(&thread.ID, &thread.AgentID, &thread.OwnerID, &typ,
		&thread.Title, &meta, &thread.CreatedAt, &thread.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	thread.Type = models.ThreadType(typ)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &thread.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal thread metadata: %w", err)
		}
	}
	return &thread, nil
}

func (s *Postgres) TouchThread(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) FindSuperThread(ctx context.Context, agentID string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM threads WHERE agent_id = $1 AND type = $2 LIMIT 1`,
		agentID, string(models.ThreadSuper))
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find super thread: %w", err)
	}
	return s.GetThread(ctx, id)
}

func (s *Postgres) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.AppendMessages(ctx, []*models.Message{msg}, nil)
}

// AppendMessages inserts a batch atomically. Ids come from the per-thread
// counter, bumped under row lock, so they are strictly ascending.
func (s *Postgres) AppendMessages(ctx context.Context, msgs []*models.Message, processedIDs []int64) error {
	if len(msgs) == 0 && len(processedIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	threads := make(map[string]bool)
	for _, msg := range msgs {
		var id int64
		err := tx.QueryRowContext(ctx,
			`UPDATE threads SET next_msg_id = next_msg_id + 1 WHERE id = $1
			 RETURNING next_msg_id - 1`, msg.ThreadID).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("next message id: %w", err)
		}
		msg.ID = id
		if msg.SentAt.IsZero() {
			msg.SentAt = time.Now().UTC()
		}
		calls, err := marshalJSON(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (thread_id, id, role, content, tool_calls, tool_call_id,
				tool_name, parent_id, processed, sent_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			msg.ThreadID, msg.ID, string(msg.Role), msg.Content, calls,
			msg.ToolCallID, msg.ToolName, msg.ParentID, msg.Processed, msg.SentAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		threads[msg.ThreadID] = true
	}
	if len(processedIDs) > 0 {
		for threadID := range threads {
			_, err = tx.ExecContext(ctx,
				`UPDATE messages SET processed = TRUE
				 WHERE thread_id = $1 AND id = ANY($2) AND role = 'user'`,
				threadID, pq.Array(processedIDs))
			if err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
		}
	}
	return tx.Commit()
}

const messageColumns = `thread_id, id, role, content, tool_calls, tool_call_id,
	tool_name, parent_id, processed, sent_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var msg models.Message
	var role string
	var calls []byte
	err := row.Scan(&msg.ThreadID, &msg.ID, &role, &msg.Content, &calls,
		&msg.ToolCallID, &msg.ToolName, &msg.ParentID, &msg.Processed, &msg.SentAt)
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	if len(calls) > 0 {
		if err := json.Unmarshal(calls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return &msg, nil
}

func (s *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Postgres) History(ctx context.Context, threadID string) ([]*models.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return msgs, nil
}

func (s *Postgres) UnprocessedUserMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = $1 AND role = 'user' AND processed = FALSE ORDER BY id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("unprocessed messages: %w", err)
	}
	return msgs, nil
}

// --- runs ---

func (s *Postgres) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, agent_id, thread_id, owner_id, status, trigger_type,
			started_at, finished_at, duration_ms, total_tokens, cost_usd, error, summary)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		run.ID, run.AgentID, run.ThreadID, run.OwnerID, string(run.Status),
		string(run.Trigger), nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.DurationMS, run.TotalTokens, run.CostUSD, run.Error, run.Summary,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Postgres) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, thread_id, owner_id, status, trigger_type,
			started_at, finished_at, duration_ms, total_tokens, cost_usd, error, summary
		 FROM runs WHERE id = $1`, id)
	var run models.Run
	var status, trigger string
	var started, finished sql.NullTime
	err := row.Scan(&run.ID, &run.AgentID, &run.ThreadID, &run.OwnerID, &status, &trigger,
		&started, &finished, &run.DurationMS, &run.TotalTokens, &run.CostUSD,
		&run.Error, &run.Summary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = models.RunStatus(status)
	run.Trigger = models.RunTrigger(trigger)
	run.StartedAt = started.Time
	run.FinishedAt = finished.Time
	return &run, nil
}

func (s *Postgres) UpdateRun(ctx context.Context, run *models.Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=$2, started_at=$3, finished_at=$4, duration_ms=$5,
			total_tokens=$6, cost_usd=$7, error=$8, summary=$9
		 WHERE id=$1 AND status NOT IN ('success','failed','cancelled')`,
		run.ID, string(run.Status), nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.DurationMS, run.TotalTokens, run.CostUSD, run.Error, run.Summary,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func utcDayBounds(now time.Time) (time.Time, time.Time) {
	y, m, d := now.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func (s *Postgres) CountRunsStartedToday(ctx context.Context, ownerID string, now time.Time) (int, error) {
	start, end := utcDayBounds(now)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM runs
		 WHERE owner_id = $1 AND started_at >= $2 AND started_at < $3`,
		ownerID, start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}

func (s *Postgres) CostTodayUSD(ctx context.Context, ownerID string, now time.Time) (float64, error) {
	start, end := utcDayBounds(now)
	query := `SELECT COALESCE(sum(cost_usd), 0) FROM runs
		 WHERE started_at >= $1 AND started_at < $2`
	args := []any{start, end}
	if ownerID != "" {
		query += ` AND owner_id = $3`
		args = append(args, ownerID)
	}
	var total float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}
	return total, nil
}

// --- workflows and executions ---

func (s *Postgres) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edges, err := json.Marshal(wf.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, owner_id, name, nodes, edges, schedule, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		wf.ID, wf.OwnerID, wf.Name, nodes, edges, wf.Schedule, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func scanWorkflow(row interface{ Scan(...any) error }) (*models.Workflow, error) {
	var wf models.Workflow
	var nodes, edges []byte
	err := row.Scan(&wf.ID, &wf.OwnerID, &wf.Name, &nodes, &edges,
		&wf.Schedule, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodes, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return &wf, nil
}

func (s *Postgres) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, nodes, edges, schedule, created_at, updated_at
		 FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *Postgres) ListScheduledWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, nodes, edges, schedule, created_at, updated_at
		 FROM workflows WHERE schedule <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled workflows: %w", err)
	}
	defer rows.Close()
	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateExecution(ctx context.Context, ex *models.WorkflowExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, owner_id, phase, result, error,
			created_at, started_at, finished_at, duration_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ex.ID, ex.WorkflowID, ex.OwnerID, string(ex.Phase), string(ex.Result), ex.Error,
		ex.CreatedAt, nullTime(ex.StartedAt), nullTime(ex.FinishedAt), ex.DurationMS,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Postgres) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, owner_id, phase, result, error,
			created_at, started_at, finished_at, duration_ms
		 FROM workflow_executions WHERE id = $1`, id)
	var ex models.WorkflowExecution
	var phase, result string
	var started, finished sql.NullTime
	err := row.Scan(&ex.ID, &ex.WorkflowID, &ex.OwnerID, &phase, &result, &ex.Error,
		&ex.CreatedAt, &started, &finished, &ex.DurationMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	ex.Phase = models.Phase(phase)
	ex.Result = models.Result(result)
	ex.StartedAt = started.Time
	ex.FinishedAt = finished.Time
	return &ex, nil
}

func (s *Postgres) UpdateExecution(ctx context.Context, ex *models.WorkflowExecution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_executions SET phase=$2, result=$3, error=$4,
			started_at=$5, finished_at=$6, duration_ms=$7
		 WHERE id=$1 AND phase <> 'finished'`,
		ex.ID, string(ex.Phase), string(ex.Result), ex.Error,
		nullTime(ex.StartedAt), nullTime(ex.FinishedAt), ex.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetExecution(ctx, ex.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *Postgres) UpsertNodeState(ctx context.Context, executionID string, state *models.NodeExecutionState) error {
	output, err := marshalJSON(state.Output)
	if err != nil {
		return fmt.Errorf("marshal node output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_states (execution_id, node_id, phase, result, output, error,
			started_at, finished_at, duration_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (execution_id, node_id) DO UPDATE SET
			phase=EXCLUDED.phase, result=EXCLUDED.result, output=EXCLUDED.output,
			error=EXCLUDED.error, started_at=EXCLUDED.started_at,
			finished_at=EXCLUDED.finished_at, duration_ms=EXCLUDED.duration_ms`,
		executionID, state.NodeID, string(state.Phase), string(state.Result), output,
		state.Error, nullTime(state.StartedAt), nullTime(state.FinishedAt), state.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("upsert node state: %w", err)
	}
	return nil
}

func (s *Postgres) NodeStates(ctx context.Context, executionID string) (map[string]*models.NodeExecutionState, error) {
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, phase, result, output, error, started_at, finished_at, duration_ms
		 FROM node_states WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, fmt.Errorf("node states: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*models.NodeExecutionState)
	for rows.Next() {
		var state models.NodeExecutionState
		var phase, result string
		var output []byte
		var started, finished sql.NullTime
		if err := rows.Scan(&state.NodeID, &phase, &result, &output, &state.Error,
			&started, &finished, &state.DurationMS); err != nil {
			return nil, fmt.Errorf("scan node state: %w", err)
		}
		state.Phase = models.Phase(phase)
		state.Result = models.Result(result)
		state.StartedAt = started.Time
		state.FinishedAt = finished.Time
		if len(output) > 0 {
			if err := json.Unmarshal(output, &state.Output); err != nil {
				return nil, fmt.Errorf("unmarshal node output: %w", err)
			}
		}
		out[state.NodeID] = &state
	}
	return out, rows.Err()
}

// --- triggers ---

func (s *Postgres) CreateTrigger(ctx context.Context, tr *models.Trigger) error {
	cfg, err := marshalJSON(tr.Config)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	wm, err := marshalJSON(tr.Watermark)
	if err != nil {
		return fmt.Errorf("marshal trigger watermark: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, owner_id, workflow_id, type, config, watermark, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		tr.ID, tr.OwnerID, tr.WorkflowID, tr.Type, cfg, wm, tr.CreatedAt, tr.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("create trigger: %w", err)
	}
	return nil
}

func (s *Postgres) GetTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, workflow_id, type, config, watermark, created_at, updated_at
		 FROM triggers WHERE id = $1`, id)
	var tr models.Trigger
	var cfg, wm []byte
	err := row.Scan(&tr.ID, &tr.OwnerID, &tr.WorkflowID, &tr.Type, &cfg, &wm,
		&tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &tr.Config); err != nil {
			return nil, fmt.Errorf("unmarshal trigger config: %w", err)
		}
	}
	if len(wm) > 0 {
		if err := json.Unmarshal(wm, &tr.Watermark); err != nil {
			return nil, fmt.Errorf("unmarshal trigger watermark: %w", err)
		}
	}
	return &tr, nil
}

func (s *Postgres) UpdateWatermark(ctx context.Context, id string, watermark map[string]any) error {
	wm, err := marshalJSON(watermark)
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET watermark = $2, updated_at = now() WHERE id = $1`, id, wm)
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- users ---

func (s *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, is_admin, custom_instructions, created_at
		 FROM users WHERE id = $1`, id)
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.IsAdmin,
		&user.CustomInstructions, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

func (s *Postgres) PutUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, is_admin, custom_instructions, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
			email=EXCLUDED.email, display_name=EXCLUDED.display_name,
			is_admin=EXCLUDED.is_admin, custom_instructions=EXCLUDED.custom_instructions`,
		user.ID, user.Email, user.DisplayName, user.IsAdmin,
		user.CustomInstructions, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// --- advisory locks ---

// lockKey maps an agent id onto the 64-bit advisory lock space.
func lockKey(agentID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("agent-run:" + agentID))
	return int64(h.Sum64())
}

// TryLockAgent takes a session advisory lock on a dedicated connection. The
// lock is held until release is called or the connection dies, so a crashed
// process can never strand an agent in a locked state.
func (s *Postgres) TryLockAgent(ctx context.Context, agentID string) (func(), bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}
	key := lockKey(agentID)
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}
	release := func() {
		// Unlock on the owning connection before returning it to the pool.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
		_ = conn.Close()
	}
	return release, true, nil
}
