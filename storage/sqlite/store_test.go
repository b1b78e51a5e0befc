package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	conflict "github.com/dayplan-app/conflictkit"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(&Config{
		DataSourceName: "file:" + filepath.Join(t.TempDir(), "conflicts.db"),
		EnableWAL:      true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestRecord(t *testing.T, store *Store, entityType, entityID string) *conflict.Record {
	t.Helper()
	record, err := store.Create(context.Background(), conflict.CreateParams{
		EntityType: entityType,
		EntityID:   entityID,
		LocalData:  conflict.Snapshot{"version": int64(1), "title": "mine"},
		ServerData: conflict.Snapshot{"version": int64(2), "title": "theirs"},
		ConflictingFields: []conflict.FieldDiff{
			{Field: "title", LocalValue: "mine", ServerValue: "theirs"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return record
}

func TestCreateGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestRecord(t, store, "task", "t1")
	if created.ID == "" {
		t.Fatal("Create must assign an id")
	}
	if created.CreatedAt.IsZero() {
		t.Error("Create must stamp created_at")
	}
	if created.Resolved() {
		t.Error("a fresh record starts unresolved")
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for an existing record")
	}
	if got.EntityType != "task" || got.EntityID != "t1" {
		t.Errorf("entity = %s/%s, want task/t1", got.EntityType, got.EntityID)
	}
	if got.LocalData["title"] != "mine" || got.ServerData["title"] != "theirs" {
		t.Errorf("snapshots did not round-trip: %v / %v", got.LocalData, got.ServerData)
	}
	if len(got.ConflictingFields) != 1 || got.ConflictingFields[0].Field != "title" {
		t.Errorf("ConflictingFields = %v", got.ConflictingFields)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("got = %+v, want nil for a missing record", got)
	}
}

func TestResolveIdempotence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := createTestRecord(t, store, "task", "t1")
	first := conflict.Resolution{
		Type: conflict.ResolutionLocal,
		Data: conflict.Snapshot{"version": int64(2), "title": "mine"},
	}

	ok, err := store.Resolve(ctx, record.ID, first, "user-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ok {
		t.Fatal("first Resolve must win the conditional write")
	}

	second := conflict.Resolution{
		Type: conflict.ResolutionServer,
		Data: conflict.Snapshot{"version": int64(2), "title": "theirs"},
	}
	ok, err = store.Resolve(ctx, record.ID, second, "user-2")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if ok {
		t.Fatal("second Resolve must lose: the record is already settled")
	}

	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Resolution == nil || got.Resolution.Type != conflict.ResolutionLocal {
		t.Errorf("Resolution = %+v, the first write must stand", got.Resolution)
	}
	if got.Resolution.Data["title"] != "mine" {
		t.Errorf("resolved data = %v, must be unchanged by the losing write", got.Resolution.Data)
	}
	if got.ResolvedBy != "user-1" {
		t.Errorf("ResolvedBy = %q, want user-1", got.ResolvedBy)
	}
}

func TestResolveMissing(t *testing.T) {
	store := newTestStore(t)

	ok, err := store.Resolve(context.Background(), "does-not-exist",
		conflict.Resolution{Type: conflict.ResolutionServer}, "user-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok {
		t.Error("resolving a missing record must report false, not success")
	}
}

func TestResolveBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		record := createTestRecord(t, store, "task", fmt.Sprintf("t%d", i))
		ids = append(ids, record.ID)
	}
	// Missing ids are skipped, not failed.
	ids = append(ids, "does-not-exist")

	count, err := store.ResolveBatch(ctx, ids, conflict.SideServer, "user-1")
	if err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	for _, id := range ids[:3] {
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if !got.Resolved() {
			t.Errorf("record %s still unresolved", id)
		}
		if got.Resolution.Type != conflict.ResolutionServer {
			t.Errorf("Resolution.Type = %q, want server", got.Resolution.Type)
		}
		if got.Resolution.Data["title"] != "theirs" {
			t.Errorf("resolved data = %v, want the server snapshot", got.Resolution.Data)
		}
	}

	count, err = store.ResolveBatch(ctx, ids, conflict.SideServer, "user-1")
	if err != nil {
		t.Fatalf("second ResolveBatch: %v", err)
	}
	if count != 0 {
		t.Errorf("second count = %d, want 0", count)
	}
}

func TestResolveBatchRejectsBadSide(t *testing.T) {
	store := newTestStore(t)
	record := createTestRecord(t, store, "task", "t1")

	_, err := store.ResolveBatch(context.Background(), []string{record.ID}, conflict.Side("remote"), "user-1")
	if err == nil {
		t.Error("an unknown side must be rejected")
	}
}

func TestUnresolvedListings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := createTestRecord(t, store, "task", "t1")
	createTestRecord(t, store, "note", "n1")

	all, err := store.GetUnresolved(ctx, "")
	if err != nil {
		t.Fatalf("GetUnresolved: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unresolved = %d, want 2", len(all))
	}
	// Newest first.
	if all[0].EntityType != "note" {
		t.Errorf("first record = %s, want the newest (note)", all[0].EntityType)
	}

	tasks, err := store.GetUnresolved(ctx, "task")
	if err != nil {
		t.Fatalf("GetUnresolved(task): %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Errorf("task records = %v", tasks)
	}

	count, err := store.GetUnresolvedCount(ctx)
	if err != nil {
		t.Fatalf("GetUnresolvedCount: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	byEntity, err := store.GetUnresolvedByEntity(ctx, "task", "t1")
	if err != nil {
		t.Fatalf("GetUnresolvedByEntity: %v", err)
	}
	if byEntity == nil || byEntity.ID != task.ID {
		t.Errorf("byEntity = %+v, want record %s", byEntity, task.ID)
	}

	has, err := store.HasUnresolvedConflict(ctx, "task", "t1")
	if err != nil {
		t.Fatalf("HasUnresolvedConflict: %v", err)
	}
	if !has {
		t.Error("HasUnresolvedConflict = false, want true")
	}

	if _, err := store.Resolve(ctx, task.ID, conflict.Resolution{Type: conflict.ResolutionServer}, "user-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	has, err = store.HasUnresolvedConflict(ctx, "task", "t1")
	if err != nil {
		t.Fatalf("HasUnresolvedConflict: %v", err)
	}
	if has {
		t.Error("HasUnresolvedConflict = true after resolution")
	}
	if byEntity, _ := store.GetUnresolvedByEntity(ctx, "task", "t1"); byEntity != nil {
		t.Errorf("byEntity = %+v, want nil after resolution", byEntity)
	}
}

func TestGetByEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := createTestRecord(t, store, "task", "t1")
	if _, err := store.Resolve(ctx, first.ID, conflict.Resolution{Type: conflict.ResolutionServer}, "user-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second := createTestRecord(t, store, "task", "t1")
	createTestRecord(t, store, "task", "other")

	records, err := store.GetByEntity(ctx, "task", "t1")
	if err != nil {
		t.Fatalf("GetByEntity: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want both generations for t1", len(records))
	}
	if records[0].ID != second.ID {
		t.Errorf("first record = %s, want the newest %s", records[0].ID, second.ID)
	}
}

func TestCleanupResolvedOnlyTouchesOldResolved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	oldResolved := createTestRecord(t, store, "task", "old")
	if _, err := store.Resolve(ctx, oldResolved.ID, conflict.Resolution{Type: conflict.ResolutionServer}, "user-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	freshResolved := createTestRecord(t, store, "task", "fresh")
	if _, err := store.Resolve(ctx, freshResolved.ID, conflict.Resolution{Type: conflict.ResolutionServer}, "user-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	unresolved := createTestRecord(t, store, "task", "open")

	// Age one resolution past the retention window.
	aged := time.Now().UTC().AddDate(0, 0, -90)
	if _, err := store.db.Exec("UPDATE conflict_records SET resolved_at = ? WHERE id = ?", aged, oldResolved.ID); err != nil {
		t.Fatalf("aging update: %v", err)
	}

	removed, err := store.CleanupResolved(ctx, 30)
	if err != nil {
		t.Fatalf("CleanupResolved: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want only the aged resolved record", removed)
	}

	if got, _ := store.Get(ctx, oldResolved.ID); got != nil {
		t.Error("aged resolved record should be gone")
	}
	if got, _ := store.Get(ctx, freshResolved.ID); got == nil {
		t.Error("recently resolved record must survive")
	}
	if got, _ := store.Get(ctx, unresolved.ID); got == nil {
		t.Error("unresolved records are never cleaned up")
	}
}

func TestStoreClosed(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := store.Get(context.Background(), "any"); err == nil {
		t.Error("Get after Close must fail")
	}
	if _, err := store.Create(context.Background(), conflict.CreateParams{EntityType: "task", EntityID: "t1"}); err == nil {
		t.Error("Create after Close must fail")
	}
}

func TestScanRejectsMalformedStoredJSON(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := createTestRecord(t, store, "task", "t1")
	if _, err := store.db.Exec("UPDATE conflict_records SET local_data = ? WHERE id = ?", "{not json", record.ID); err != nil {
		t.Fatalf("corrupting update: %v", err)
	}

	got, err := store.Get(ctx, record.ID)
	if err == nil {
		t.Fatal("Get must surface a serialization error for corrupted rows")
	}
	if got != nil {
		t.Errorf("got = %+v, want nil alongside the error", got)
	}
}

func TestCustomTableName(t *testing.T) {
	store, err := New(&Config{
		DataSourceName: "file:" + filepath.Join(t.TempDir(), "custom.db"),
		TableName:      "sync_conflicts",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	created := createTestRecord(t, store, "task", "t1")
	got, err := store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// JSON round-tripping turns the stored int64 version into a float64, so
	// compare by coerced value rather than raw representation.
	if got.LocalData["title"] != "mine" {
		t.Errorf("title = %v, want mine", got.LocalData["title"])
	}
	if got.LocalData.Version() != created.LocalData.Version() {
		t.Errorf("version = %d, want %d", got.LocalData.Version(), created.LocalData.Version())
	}
}

func TestConfigDefaults(t *testing.T) {
	config := DefaultConfig("file:test.db")
	if config.TableName != "conflict_records" {
		t.Errorf("TableName = %q", config.TableName)
	}
	if config.MaxOpenConns != 25 || config.MaxIdleConns != 5 {
		t.Errorf("pool = %d/%d, want 25/5", config.MaxOpenConns, config.MaxIdleConns)
	}
	if config.ConnMaxLifetime != time.Hour || config.ConnMaxIdleTime != 5*time.Minute {
		t.Errorf("lifetimes = %v/%v", config.ConnMaxLifetime, config.ConnMaxIdleTime)
	}
	if config.DataSourceName != "file:test.db?_journal_mode=WAL" {
		t.Errorf("DataSourceName = %q, WAL suffix missing", config.DataSourceName)
	}

	existing := &Config{DataSourceName: "file:test.db?cache=shared", EnableWAL: true}
	existing.setDefaults()
	if existing.DataSourceName != "file:test.db?cache=shared&_journal_mode=WAL" {
		t.Errorf("DataSourceName = %q, want & separator", existing.DataSourceName)
	}

	if _, err := New(nil); err == nil {
		t.Error("New(nil) must fail")
	}
}
