package artifacts

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// SearchHit is one matching line from a worker file.
type SearchHit struct {
	WorkerID string `json:"worker_id"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Content  string `json:"content"`
}

const (
	maxSearchHits = 200
	// maxSearchFileSize keeps the grep away from large binary captures.
	maxSearchFileSize = 2 << 20
)

// SearchWorkers greps text files matching fileGlob across the owner's
// workers. With workerIDs set, only those workers are scanned; ids the
// owner cannot see are skipped silently.
func (s *Store) SearchWorkers(pattern, fileGlob string, workerIDs []string, ownerID string) ([]*SearchHit, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	if fileGlob == "" {
		fileGlob = "*"
	}
	if _, err := filepath.Match(fileGlob, "probe"); err != nil {
		return nil, fmt.Errorf("bad file glob %q: %w", fileGlob, err)
	}

	entries, err := s.ListWorkers(ownerID, ListFilter{})
	if err != nil {
		return nil, err
	}
	visible := make(map[string]bool, len(entries))
	for _, entry := range entries {
		visible[entry.WorkerID] = true
	}

	targets := workerIDs
	if len(targets) == 0 {
		for _, entry := range entries {
			targets = append(targets, entry.WorkerID)
		}
	}

	var hits []*SearchHit
	for _, workerID := range targets {
		if !visible[workerID] {
			continue
		}
		workerHits, err := s.searchWorker(workerID, re, fileGlob, maxSearchHits-len(hits))
		if err != nil {
			return nil, err
		}
		hits = append(hits, workerHits...)
		if len(hits) >= maxSearchHits {
			break
		}
	}
	return hits, nil
}

func (s *Store) searchWorker(workerID string, re *regexp.Regexp, fileGlob string, budget int) ([]*SearchHit, error) {
	dir := filepath.Join(s.root, workerID)
	var hits []*SearchHit
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || len(hits) >= budget {
			return err
		}
		if info.Size() > maxSearchFileSize {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if matched, _ := filepath.Match(fileGlob, filepath.Base(path)); !matched {
			return nil
		}
		fileHits, err := grepFile(path, re, budget-len(hits))
		if err != nil {
			return err
		}
		for _, hit := range fileHits {
			hit.WorkerID = workerID
			hit.File = rel
			hits = append(hits, hit)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search worker %s: %w", workerID, err)
	}
	return hits, nil
}

func grepFile(path string, re *regexp.Regexp, budget int) ([]*SearchHit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []*SearchHit
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !re.MatchString(text) {
			continue
		}
		hits = append(hits, &SearchHit{Line: line, Content: strings.TrimRight(text, "\r")})
		if len(hits) >= budget {
			break
		}
	}
	return hits, scanner.Err()
}
