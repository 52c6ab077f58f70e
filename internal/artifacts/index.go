package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	indexFile     = "index.json"
	indexLockFile = "index.json.lock"

	lockTimeout      = 5 * time.Second
	lockPollInterval = 25 * time.Millisecond
	lockStaleAfter   = 30 * time.Second
)

// IndexEntry mirrors one worker's metadata in the root index so listings
// never touch per-worker directories.
type IndexEntry struct {
	WorkerID   string       `json:"worker_id"`
	Task       string       `json:"task"`
	OwnerID    string       `json:"owner_id"`
	Status     WorkerStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
	Summary    string       `json:"summary,omitempty"`
	Error      string       `json:"error,omitempty"`
}

type lockPayload struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// acquireIndexLock takes the cross-process lock guarding index.json. A lock
// file older than lockStaleAfter is treated as abandoned by a dead process
// and broken.
func (s *Store) acquireIndexLock() (release func(), err error) {
	path := filepath.Join(s.root, indexLockFile)
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload, _ := json.Marshal(lockPayload{PID: os.Getpid(), CreatedAt: time.Now().UTC()})
			_, _ = f.Write(payload)
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create index lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			s.logger.Warn("breaking stale index lock", "age", time.Since(info.ModTime()))
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("index lock held past %s", lockTimeout)
		}
		time.Sleep(lockPollInterval)
	}
}

// readIndex loads the root index. Reads are lock-free; the index is always
// replaced atomically.
func (s *Store) readIndex() ([]*IndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	var entries []*IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return entries, nil
}

// updateIndex rewrites the index with the worker's current metadata under
// the file lock.
func (s *Store) updateIndex(meta *Metadata) error {
	release, err := s.acquireIndexLock()
	if err != nil {
		return err
	}
	defer release()

	entries, err := s.readIndex()
	if err != nil {
		return err
	}
	entry := &IndexEntry{
		WorkerID:   meta.WorkerID,
		Task:       meta.Task,
		OwnerID:    meta.OwnerID(),
		Status:     meta.Status,
		CreatedAt:  meta.CreatedAt,
		FinishedAt: meta.FinishedAt,
		DurationMS: meta.DurationMS,
		Summary:    meta.Summary,
		Error:      meta.Error,
	}
	replaced := false
	for i, existing := range entries {
		if existing.WorkerID == meta.WorkerID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return atomicWrite(filepath.Join(s.root, indexFile), data)
}
