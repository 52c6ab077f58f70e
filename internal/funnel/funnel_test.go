package funnel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stewardhq/steward/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "funnel.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIngestAndReadBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Ingest(ctx, &Batch{
		VisitorID: "v1",
		Events: []EventInput{
			{Event: models.FunnelPageView, Page: "/pricing", Metadata: map[string]any{"ref": "tw"}},
			{Event: models.FunnelSignupStart, Page: "/signup"},
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	events, err := s.Events(ctx, "v1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Event != models.FunnelPageView || events[0].Page != "/pricing" {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[0].Metadata["ref"] != "tw" {
		t.Fatalf("metadata = %#v", events[0].Metadata)
	}
	if events[0].ID >= events[1].ID {
		t.Fatalf("ids not ascending: %d, %d", events[0].ID, events[1].ID)
	}
}

func TestIngestValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Ingest(ctx, &Batch{Events: []EventInput{{Event: models.FunnelPageView}}}); err == nil {
		t.Fatal("missing visitor_id must be rejected")
	}
	if err := s.Ingest(ctx, &Batch{VisitorID: "v1"}); err == nil {
		t.Fatal("empty batch must be rejected")
	}
	if err := s.Ingest(ctx, &Batch{
		VisitorID: "v1",
		Events:    []EventInput{{Event: "made_up_event"}},
	}); err == nil {
		t.Fatal("unknown event name must be rejected")
	}

	over := &Batch{VisitorID: "v1"}
	for i := 0; i < maxBatchSize+1; i++ {
		over.Events = append(over.Events, EventInput{Event: models.FunnelPageView})
	}
	if err := s.Ingest(ctx, over); err == nil {
		t.Fatal("oversized batch must be rejected")
	}
	events, err := s.Events(ctx, "v1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("rejected batches must not persist rows, got %d", len(events))
	}
}

func TestStitchBackfillsAnonymousRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Ingest(ctx, &Batch{
		VisitorID: "v1",
		Events:    []EventInput{{Event: models.FunnelPageView, Page: "/"}},
	}); err != nil {
		t.Fatalf("anonymous ingest: %v", err)
	}
	if err := s.Ingest(ctx, &Batch{
		VisitorID: "v1",
		UserID:    "u1",
		Events:    []EventInput{{Event: models.FunnelSignupDone}},
	}); err != nil {
		t.Fatalf("authenticated ingest: %v", err)
	}

	events, err := s.Events(ctx, "v1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	for _, ev := range events {
		if ev.UserID != "u1" {
			t.Fatalf("row %d not stitched: %+v", ev.ID, ev)
		}
	}
}

func TestStitchLeavesOwnedRowsAlone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Ingest(ctx, &Batch{
		VisitorID: "v1",
		UserID:    "u1",
		Events:    []EventInput{{Event: models.FunnelPageView}},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := s.Stitch(ctx, "v1", "u2"); err != nil {
		t.Fatalf("Stitch: %v", err)
	}

	events, err := s.Events(ctx, "v1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if events[0].UserID != "u1" {
		t.Fatalf("owned row rewritten: %+v", events[0])
	}
}

func TestSummarize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, visitor := range []string{"v1", "v2"} {
		if err := s.Ingest(ctx, &Batch{
			VisitorID: visitor,
			Events: []EventInput{
				{Event: models.FunnelPageView, Page: "/"},
				{Event: models.FunnelSignupStart},
			},
		}); err != nil {
			t.Fatalf("Ingest %s: %v", visitor, err)
		}
	}

	summary, err := s.Summarize(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Counts[models.FunnelPageView] != 2 {
		t.Fatalf("page views = %d", summary.Counts[models.FunnelPageView])
	}
	if summary.Counts[models.FunnelSignupStart] != 2 {
		t.Fatalf("signup starts = %d", summary.Counts[models.FunnelSignupStart])
	}
	if summary.UniqueVisitors != 2 {
		t.Fatalf("unique visitors = %d", summary.UniqueVisitors)
	}

	empty, err := s.Summarize(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Summarize future: %v", err)
	}
	if len(empty.Counts) != 0 || empty.UniqueVisitors != 0 {
		t.Fatalf("future cutoff must be empty: %+v", empty)
	}
}

func TestTimeseries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Ingest(ctx, &Batch{
		VisitorID: "v1",
		Events: []EventInput{
			{Event: models.FunnelPageView},
			{Event: models.FunnelPageView},
			{Event: models.FunnelSignupStart},
		},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	points, err := s.Timeseries(ctx, models.FunnelPageView, 7)
	if err != nil {
		t.Fatalf("Timeseries: %v", err)
	}
	if len(points) != 1 || points[0].Count != 2 {
		t.Fatalf("points = %+v", points)
	}
	if points[0].Day != time.Now().UTC().Format("2006-01-02") {
		t.Fatalf("day = %q", points[0].Day)
	}

	if _, err := s.Timeseries(ctx, "made_up_event", 7); err == nil {
		t.Fatal("unknown event must be rejected")
	}
}

func TestAttributionCreditsFirstTouchPage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := []struct {
		visitor string
		events  []EventInput
	}{
		{"v1", []EventInput{
			{Event: models.FunnelPageView, Page: "/blog/launch"},
			{Event: models.FunnelPageView, Page: "/pricing"},
			{Event: models.FunnelSignupDone},
		}},
		{"v2", []EventInput{
			{Event: models.FunnelPageView, Page: "/blog/launch"},
			{Event: models.FunnelSignupDone},
		}},
		{"v3", []EventInput{
			{Event: models.FunnelPageView, Page: "/pricing"},
			{Event: models.FunnelSignupDone},
		}},
		{"v4", []EventInput{
			{Event: models.FunnelPageView, Page: "/docs"},
		}},
	}
	for _, row := range seed {
		if err := s.Ingest(ctx, &Batch{VisitorID: row.visitor, Events: row.events}); err != nil {
			t.Fatalf("Ingest %s: %v", row.visitor, err)
		}
	}

	result, err := s.Attribution(ctx)
	if err != nil {
		t.Fatalf("Attribution: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("rows = %+v", result)
	}
	if result[0].Page != "/blog/launch" || result[0].Signups != 2 {
		t.Fatalf("top row = %+v", result[0])
	}
	if result[1].Page != "/pricing" || result[1].Signups != 1 {
		t.Fatalf("second row = %+v", result[1])
	}
}
