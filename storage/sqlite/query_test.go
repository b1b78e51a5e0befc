package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	conflict "github.com/dayplan-app/conflictkit"
)

func TestQueryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		createTestRecord(t, store, "task", fmt.Sprintf("t%d", i))
	}
	note := createTestRecord(t, store, "note", "n1")
	if _, err := store.Resolve(ctx, note.ID,
		conflict.Resolution{Type: conflict.ResolutionManual, Data: conflict.Snapshot{"title": "kept"}}, "user-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	t.Run("by entity type", func(t *testing.T) {
		records, total, err := store.Query(ctx, conflict.Filter{EntityType: "task"}, conflict.Page{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 4 || len(records) != 4 {
			t.Errorf("total/len = %d/%d, want 4/4", total, len(records))
		}
	})

	t.Run("by entity id", func(t *testing.T) {
		_, total, err := store.Query(ctx, conflict.Filter{EntityType: "task", EntityID: "t2"}, conflict.Page{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 1 {
			t.Errorf("total = %d, want 1", total)
		}
	})

	t.Run("by lifecycle state", func(t *testing.T) {
		resolved := true
		records, total, err := store.Query(ctx, conflict.Filter{Resolved: &resolved}, conflict.Page{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 1 || records[0].ID != note.ID {
			t.Errorf("resolved records = %d, want just %s", total, note.ID)
		}
	})

	t.Run("by resolution type", func(t *testing.T) {
		_, total, err := store.Query(ctx, conflict.Filter{Resolution: conflict.ResolutionManual}, conflict.Page{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 1 {
			t.Errorf("total = %d, want 1 manual resolution", total)
		}

		_, total, err = store.Query(ctx, conflict.Filter{Resolution: conflict.ResolutionMerged}, conflict.Page{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 0 {
			t.Errorf("total = %d, want 0 merged resolutions", total)
		}
	})

	t.Run("by created range", func(t *testing.T) {
		_, total, err := store.Query(ctx, conflict.Filter{From: time.Now().UTC().Add(-time.Hour)}, conflict.Page{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 5 {
			t.Errorf("total = %d, want all 5 within the hour", total)
		}

		_, total, err = store.Query(ctx, conflict.Filter{To: time.Now().UTC().Add(-time.Hour)}, conflict.Page{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 0 {
			t.Errorf("total = %d, want 0 before the range", total)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		records, total, err := store.Query(ctx, conflict.Filter{}, conflict.Page{Number: 2, Size: 3})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if total != 5 {
			t.Errorf("total = %d, want 5", total)
		}
		if len(records) != 2 {
			t.Errorf("page 2 records = %d, want the trailing 2", len(records))
		}
	})
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createTestRecord(t, store, "task", fmt.Sprintf("t%d", i))
	}
	goal := createTestRecord(t, store, "goal", "g1")
	if _, err := store.Resolve(ctx, goal.ID,
		conflict.Resolution{Type: conflict.ResolutionServer}, "user-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.Total != 4 || stats.Unresolved != 3 || stats.Resolved != 1 {
		t.Errorf("totals = %d/%d/%d, want 4/3/1", stats.Total, stats.Unresolved, stats.Resolved)
	}
	if stats.ByEntityType["task"] != 3 || stats.ByEntityType["goal"] != 1 {
		t.Errorf("ByEntityType = %v", stats.ByEntityType)
	}
	if stats.ByResolution["server"] != 1 {
		t.Errorf("ByResolution = %v, want one server resolution", stats.ByResolution)
	}
	if stats.AverageResolutionTime < 0 {
		t.Errorf("AverageResolutionTime = %v, must not be negative", stats.AverageResolutionTime)
	}
}

func TestStatsEmpty(t *testing.T) {
	store := newTestStore(t)

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 || stats.Unresolved != 0 || stats.Resolved != 0 {
		t.Errorf("totals = %+v, want all zero", stats)
	}
	if stats.AverageResolutionTime != 0 {
		t.Errorf("AverageResolutionTime = %v, want 0 with no resolutions", stats.AverageResolutionTime)
	}
}

func TestTrend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := createTestRecord(t, store, "task", "t1")
	if _, err := store.Resolve(ctx, record.ID,
		conflict.Resolution{Type: conflict.ResolutionServer}, "user-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	createTestRecord(t, store, "task", "t2")

	points, err := store.Trend(ctx, 7)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(points) != 7 {
		t.Fatalf("points = %d, want a zero-filled 7-day series", len(points))
	}

	today := time.Now().UTC().Format("2006-01-02")
	last := points[len(points)-1]
	if last.Date != today {
		t.Errorf("last point date = %s, want today %s", last.Date, today)
	}
	if last.Detected != 2 || last.Resolved != 1 {
		t.Errorf("today = %d detected / %d resolved, want 2/1", last.Detected, last.Resolved)
	}
	for _, p := range points[:len(points)-1] {
		if p.Detected != 0 || p.Resolved != 0 {
			t.Errorf("day %s = %d/%d, want zero-filled", p.Date, p.Detected, p.Resolved)
		}
	}
}

func TestTrendDefaultsToWeek(t *testing.T) {
	store := newTestStore(t)

	points, err := store.Trend(context.Background(), 0)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(points) != 7 {
		t.Errorf("points = %d, want 7", len(points))
	}
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.Create(ctx, conflict.CreateParams{
		EntityType: "note",
		EntityID:   "groceries-note",
		LocalData:  conflict.Snapshot{"version": int64(1), "content": "buy milk"},
		ServerData: conflict.Snapshot{"version": int64(2), "content": "buy oat milk"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	createTestRecord(t, store, "task", "t1")

	t.Run("matches snapshot content", func(t *testing.T) {
		records, err := store.Search(ctx, "oat milk")
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(records) != 1 || records[0].ID != record.ID {
			t.Errorf("records = %v, want just the note", records)
		}
	})

	t.Run("matches entity id", func(t *testing.T) {
		records, err := store.Search(ctx, "groceries")
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(records) != 1 {
			t.Errorf("records = %d, want 1", len(records))
		}
	})

	t.Run("matches record id", func(t *testing.T) {
		records, err := store.Search(ctx, record.ID)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(records) != 1 {
			t.Errorf("records = %d, want 1", len(records))
		}
	})

	t.Run("no match", func(t *testing.T) {
		records, err := store.Search(ctx, "zebra")
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(records) != 0 {
			t.Errorf("records = %d, want none", len(records))
		}
	})

	t.Run("empty keyword", func(t *testing.T) {
		records, err := store.Search(ctx, "")
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(records) != 0 {
			t.Errorf("records = %d, want none for an empty keyword", len(records))
		}
	})
}
