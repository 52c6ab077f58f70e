// Package funnel is the sqlite-backed product analytics store: append-only
// event rows ingested in small batches, visitor-to-user stitching, and the
// summary, timeseries, and attribution reads.
package funnel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/pkg/models"
)

// maxBatchSize caps one ingest call.
const maxBatchSize = 50

const schema = `
CREATE TABLE IF NOT EXISTS funnel_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	visitor_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	page       TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funnel_visitor ON funnel_events (visitor_id, id);
CREATE INDEX IF NOT EXISTS idx_funnel_event_day ON funnel_events (event, created_at);
`

// EventInput is one record of an ingest batch.
type EventInput struct {
	Event    models.FunnelEventType `json:"event"`
	Page     string                 `json:"page,omitempty"`
	Metadata map[string]any         `json:"metadata,omitempty"`
}

// Batch is one ingest call: up to 50 events for a single visitor. UserID is
// set when the caller is authenticated and stitches the visitor on write.
type Batch struct {
	VisitorID string       `json:"visitor_id"`
	UserID    string       `json:"user_id,omitempty"`
	Events    []EventInput `json:"events"`
}

// Summary aggregates event volume since a cutoff.
type Summary struct {
	Counts         map[models.FunnelEventType]int64 `json:"counts"`
	UniqueVisitors int64                            `json:"unique_visitors"`
}

// TimeseriesPoint is one UTC day of counts for a single event type.
type TimeseriesPoint struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// AttributionRow credits signups to the first page a visitor ever viewed.
type AttributionRow struct {
	Page    string `json:"page"`
	Signups int64  `json:"signups"`
}

// Store is the sqlite analytics store.
type Store struct {
	db      *sql.DB
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithMetrics wires the ingest counter.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger configures the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the store clock; for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the analytics database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("funnel: path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open funnel db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent ingest.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate funnel db: %w", err)
	}
	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "funnel"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ingest validates and appends one batch. All rows land in one transaction;
// when the batch carries a user id the visitor's prior anonymous rows are
// backfilled in the same transaction.
func (s *Store) Ingest(ctx context.Context, batch *Batch) error {
	if batch.VisitorID == "" {
		return fmt.Errorf("funnel: visitor_id is required")
	}
	if len(batch.Events) == 0 {
		return fmt.Errorf("funnel: empty batch")
	}
	if len(batch.Events) > maxBatchSize {
		return fmt.Errorf("funnel: batch of %d exceeds limit of %d", len(batch.Events), maxBatchSize)
	}
	for _, ev := range batch.Events {
		if !models.ValidFunnelEvent(ev.Event) {
			return fmt.Errorf("funnel: unknown event %q", ev.Event)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	at := s.now().UTC()
	for _, ev := range batch.Events {
		meta := "{}"
		if len(ev.Metadata) > 0 {
			raw, err := json.Marshal(ev.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
			meta = string(raw)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO funnel_events (visitor_id, event, page, user_id, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, batch.VisitorID, string(ev.Event), ev.Page, batch.UserID, meta, at); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if batch.UserID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE funnel_events SET user_id = ? WHERE visitor_id = ? AND user_id = ''
		`, batch.UserID, batch.VisitorID); err != nil {
			return fmt.Errorf("stitch visitor: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest: %w", err)
	}

	if s.metrics != nil {
		for _, ev := range batch.Events {
			s.metrics.FunnelEvents.WithLabelValues(string(ev.Event)).Inc()
		}
	}
	return nil
}

// Stitch attaches a user id to every anonymous row of a visitor. One UPDATE;
// rows already owned by a user are left alone.
func (s *Store) Stitch(ctx context.Context, visitorID, userID string) error {
	if visitorID == "" || userID == "" {
		return fmt.Errorf("funnel: visitor_id and user_id are required")
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE funnel_events SET user_id = ? WHERE visitor_id = ? AND user_id = ''
	`, userID, visitorID); err != nil {
		return fmt.Errorf("stitch visitor: %w", err)
	}
	return nil
}

// Events returns a visitor's rows in insertion order.
func (s *Store) Events(ctx context.Context, visitorID string) ([]*models.FunnelEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, visitor_id, event, page, user_id, metadata, created_at
		FROM funnel_events WHERE visitor_id = ? ORDER BY id
	`, visitorID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*models.FunnelEvent
	for rows.Next() {
		var ev models.FunnelEvent
		var meta string
		if err := rows.Scan(&ev.ID, &ev.VisitorID, &ev.Event, &ev.Page, &ev.UserID, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
				s.logger.Warn("bad metadata row", "id", ev.ID, "error", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Summarize counts events by type and distinct visitors since the cutoff.
func (s *Store) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	summary := &Summary{Counts: make(map[models.FunnelEventType]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event, COUNT(*) FROM funnel_events
		WHERE created_at >= ? GROUP BY event
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var event string
		var count int64
		if err := rows.Scan(&event, &count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summary.Counts[models.FunnelEventType(event)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT visitor_id) FROM funnel_events WHERE created_at >= ?
	`, since.UTC()).Scan(&summary.UniqueVisitors)
	if err != nil {
		return nil, fmt.Errorf("count visitors: %w", err)
	}
	return summary, nil
}

// Timeseries returns per-UTC-day counts of one event type for the trailing
// window ending now.
func (s *Store) Timeseries(ctx context.Context, event models.FunnelEventType, days int) ([]TimeseriesPoint, error) {
	if !models.ValidFunnelEvent(event) {
		return nil, fmt.Errorf("funnel: unknown event %q", event)
	}
	if days <= 0 {
		days = 30
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(created_at), COUNT(*) FROM funnel_events
		WHERE event = ? AND created_at >= ?
		GROUP BY date(created_at) ORDER BY date(created_at)
	`, string(event), since)
	if err != nil {
		return nil, fmt.Errorf("query timeseries: %w", err)
	}
	defer rows.Close()

	var points []TimeseriesPoint
	for rows.Next() {
		var p TimeseriesPoint
		if err := rows.Scan(&p.Day, &p.Count); err != nil {
			return nil, fmt.Errorf("scan timeseries: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Attribution credits completed signups to the first page each converting
// visitor viewed, most productive pages first.
func (s *Store) Attribution(ctx context.Context) ([]AttributionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT first_page, COUNT(*) AS signups FROM (
			SELECT DISTINCT c.visitor_id,
				(SELECT p.page FROM funnel_events p
				 WHERE p.visitor_id = c.visitor_id AND p.event = ? AND p.page != ''
				 ORDER BY p.id LIMIT 1) AS first_page
			FROM funnel_events c WHERE c.event = ?
		)
		WHERE first_page IS NOT NULL
		GROUP BY first_page ORDER BY signups DESC, first_page
	`, string(models.FunnelPageView), string(models.FunnelSignupDone))
	if err != nil {
		return nil, fmt.Errorf("query attribution: %w", err)
	}
	defer rows.Close()

	var result []AttributionRow
	for rows.Next() {
		var row AttributionRow
		if err := rows.Scan(&row.Page, &row.Signups); err != nil {
			return nil, fmt.Errorf("scan attribution: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
