// Package artifacts is the on-disk record of worker executions. Each worker
// owns one directory under the store root:
//
//	<root>/<worker_id>/metadata.json
//	<root>/<worker_id>/thread.jsonl
//	<root>/<worker_id>/tool_calls/NNN_<tool>.txt
//	<root>/<worker_id>/result.txt
//
// An index.json at the root mirrors each worker's metadata for cheap
// listing. Reads are owner-checked; writes come only from the owning turn.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a worker or file does not exist.
	ErrNotFound = errors.New("worker not found")
	// ErrConflict is returned on worker id collisions.
	ErrConflict = errors.New("worker already exists")
	// ErrPermissionDenied is returned on owner mismatch.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidPath is returned when a read escapes the worker directory.
	ErrInvalidPath = errors.New("invalid path")
)

// WorkerStatus is the worker lifecycle state.
type WorkerStatus string

const (
	StatusCreated   WorkerStatus = "created"
	StatusRunning   WorkerStatus = "running"
	StatusSuccess   WorkerStatus = "success"
	StatusFailed    WorkerStatus = "failed"
	StatusCancelled WorkerStatus = "cancelled"
)

// SummaryMeta records how a worker summary was produced.
type SummaryMeta struct {
	Version     int       `json:"version"`
	Model       string    `json:"model,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Error       string    `json:"error,omitempty"`
}

// Metadata is the persisted metadata.json of one worker.
type Metadata struct {
	WorkerID    string         `json:"worker_id"`
	Task        string         `json:"task"`
	Config      map[string]any `json:"config"`
	Status      WorkerStatus   `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Error       string         `json:"error,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	SummaryMeta *SummaryMeta   `json:"summary_meta,omitempty"`
}

// OwnerID reads the owner recorded in the worker config.
func (m *Metadata) OwnerID() string {
	if m == nil || m.Config == nil {
		return ""
	}
	owner, _ := m.Config["owner_id"].(string)
	return owner
}

// Store manages worker directories under a single root. Multiple handles
// over the same root cooperate through the index file lock.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (creating if needed) an artifact store rooted at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	s := &Store{
		root:   dir,
		logger: slog.Default().With("component", "artifacts"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const maxSlugLen = 30

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slugify reduces a task string to a filesystem-safe slug of at most 30
// characters.
func slugify(task string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(task), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "task"
	}
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}

// CreateWorker allocates a worker id, creates the directory skeleton, and
// registers the worker in the index. Id collisions return ErrConflict rather
// than overwriting.
func (s *Store) CreateWorker(task string, config map[string]any) (string, error) {
	now := s.now()
	workerID := now.Format("20060102T150405") + "_" + slugify(task)

	dir := filepath.Join(s.root, workerID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("worker %s: %w", workerID, ErrConflict)
		}
		return "", fmt.Errorf("create worker dir: %w", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "tool_calls"), 0o755); err != nil {
		return "", fmt.Errorf("create tool_calls dir: %w", err)
	}

	if config == nil {
		config = map[string]any{}
	}
	meta := &Metadata{
		WorkerID:  workerID,
		Task:      task,
		Config:    config,
		Status:    StatusCreated,
		CreatedAt: now,
	}
	if err := s.writeMetadata(workerID, meta); err != nil {
		return "", err
	}
	if err := s.updateIndex(meta); err != nil {
		return "", err
	}
	s.logger.Info("worker created", "worker_id", workerID, "owner_id", meta.OwnerID())
	return workerID, nil
}

// StartWorker transitions created -> running and stamps started_at.
func (s *Store) StartWorker(workerID string) error {
	return s.mutateMetadata(workerID, func(meta *Metadata) error {
		if meta.Status != StatusCreated {
			return fmt.Errorf("worker %s is %s: %w", workerID, meta.Status, ErrConflict)
		}
		meta.Status = StatusRunning
		meta.StartedAt = s.now()
		return nil
	})
}

// SaveToolOutput writes one numbered tool output file. The sequence is
// caller-supplied and monotonic per worker.
func (s *Store) SaveToolOutput(workerID, toolName, content string, sequence int) error {
	dir := filepath.Join(s.root, workerID, "tool_calls")
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	name := fmt.Sprintf("%03d_%s.txt", sequence, slugify(toolName))
	return atomicWrite(filepath.Join(dir, name), []byte(content))
}

// SaveMessage appends one JSON line to thread.jsonl. Appends from a single
// worker are serialised by the turn engine, so plain O_APPEND suffices.
func (s *Store) SaveMessage(workerID string, message any) error {
	if _, err := os.Stat(filepath.Join(s.root, workerID)); err != nil {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	line, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.root, workerID, "thread.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open thread log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// SaveResult writes (or overwrites) result.txt.
func (s *Store) SaveResult(workerID, text string) error {
	if _, err := os.Stat(filepath.Join(s.root, workerID)); err != nil {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	return atomicWrite(filepath.Join(s.root, workerID, "result.txt"), []byte(text))
}

// CompleteWorker transitions to a terminal status, stamps finished_at, and
// computes duration. The summary is written separately afterwards so
// terminal visibility never waits on summariser LLM work.
func (s *Store) CompleteWorker(workerID string, status WorkerStatus, workerErr string) error {
	if status != StatusSuccess && status != StatusFailed && status != StatusCancelled {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return s.mutateMetadata(workerID, func(meta *Metadata) error {
		meta.Status = status
		meta.FinishedAt = s.now()
		ref := meta.StartedAt
		if ref.IsZero() {
			ref = meta.CreatedAt
		}
		meta.DurationMS = meta.FinishedAt.Sub(ref).Milliseconds()
		if workerErr != "" {
			meta.Error = workerErr
		}
		return nil
	})
}

// UpdateSummary attaches the post-terminal summary and its meta.
func (s *Store) UpdateSummary(workerID, summary string, meta SummaryMeta) error {
	return s.mutateMetadata(workerID, func(m *Metadata) error {
		m.Summary = summary
		m.SummaryMeta = &meta
		return nil
	})
}

// GetMetadata reads a worker's metadata with an owner check.
func (s *Store) GetMetadata(workerID, ownerID string) (*Metadata, error) {
	meta, err := s.readMetadata(workerID)
	if err != nil {
		return nil, err
	}
	if meta.OwnerID() != ownerID {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrPermissionDenied)
	}
	return meta, nil
}

// GetResult reads result.txt.
func (s *Store) GetResult(workerID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, workerID, "result.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("result for %s: %w", workerID, ErrNotFound)
		}
		return "", fmt.Errorf("read result: %w", err)
	}
	return string(data), nil
}

// ReadWorkerFile reads a file inside the worker directory. Any path that
// escapes the worker root after normalisation (dot-dot, absolute paths,
// symlinks pointing outside) is rejected with ErrInvalidPath. Files that
// physically exist are readable regardless of worker phase.
func (s *Store) ReadWorkerFile(workerID, relPath string) (string, error) {
	dir := filepath.Join(s.root, workerID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	resolved, err := s.resolveWorkerPath(dir, relPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s in %s: %w", relPath, workerID, ErrNotFound)
		}
		return "", fmt.Errorf("read worker file: %w", err)
	}
	return string(data), nil
}

func (s *Store) resolveWorkerPath(workerDir, relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("path %q: %w", relPath, ErrInvalidPath)
	}
	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q: %w", relPath, ErrInvalidPath)
	}
	candidate := filepath.Join(workerDir, cleaned)

	// Symlinks may still point outside; resolve and re-check containment.
	resolvedDir, err := filepath.EvalSymlinks(workerDir)
	if err != nil {
		return "", fmt.Errorf("resolve worker dir: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			// Nonexistent file inside a safe path; let the read report it.
			return candidate, nil
		}
		return "", fmt.Errorf("path %q: %w", relPath, ErrInvalidPath)
	}
	if resolved != resolvedDir && !strings.HasPrefix(resolved, resolvedDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q: %w", relPath, ErrInvalidPath)
	}
	return resolved, nil
}

// ListFilter narrows ListWorkers output. Since is inclusive: a worker
// created exactly at the cutoff is returned.
type ListFilter struct {
	Limit  int
	Status WorkerStatus
	Since  time.Time
}

// ListWorkers returns the owner's workers from the index, newest first.
func (s *Store) ListWorkers(ownerID string, filter ListFilter) ([]*IndexEntry, error) {
	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	var out []*IndexEntry
	for _, entry := range entries {
		if entry.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && entry.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// readMetadata loads metadata.json without an owner check; callers that
// serve user requests go through GetMetadata.
func (s *Store) readMetadata(workerID string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.root, workerID, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

func (s *Store) writeMetadata(workerID string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return atomicWrite(filepath.Join(s.root, workerID, "metadata.json"), data)
}

func (s *Store) mutateMetadata(workerID string, mutate func(*Metadata) error) error {
	meta, err := s.readMetadata(workerID)
	if err != nil {
		return err
	}
	if err := mutate(meta); err != nil {
		return err
	}
	if err := s.writeMetadata(workerID, meta); err != nil {
		return err
	}
	return s.updateIndex(meta)
}

// atomicWrite writes via a temp file and rename so readers never observe a
// partial file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
