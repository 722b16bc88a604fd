package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hyperjump/kioku/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createItem(t *testing.T, store *SQLiteStorage, path string, capturedAt time.Time) string {
	t.Helper()
	id, err := store.CreateItem(context.Background(), &models.Item{ImagePath: path, CapturedAt: capturedAt})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSQLiteStorage_CRUD(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	captured := time.Date(2024, 3, 1, 10, 0, 0, 123, time.UTC)
	item := &models.Item{ImagePath: "/shots/2024/03/snip_2024-03-01_10.00.00.png", CapturedAt: captured}
	id, err := store.CreateItem(ctx, item)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || item.ID != id {
		t.Fatalf("expected id to be assigned, got %q", id)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	got, err := store.GetItem(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("new item status = %s, want pending", got.Status)
	}
	if got.Description != nil || got.Tags != nil {
		t.Errorf("description and tags should be null before the pipeline runs: %+v", got)
	}
	if !got.CapturedAt.Equal(captured) {
		t.Errorf("captured_at = %v, want %v", got.CapturedAt, captured)
	}

	desc := "a terminal window"
	tags := []string{"Code", "terminal", "code"}
	if err := store.UpdateItem(ctx, id, models.ItemUpdate{Description: &desc, Tags: &tags}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetItem(ctx, id)
	if got.DescriptionText() != desc {
		t.Errorf("description = %q", got.DescriptionText())
	}
	if len(got.Tags) != 2 || got.Tags[0] != "code" || got.Tags[1] != "terminal" {
		t.Errorf("tags = %v", got.Tags)
	}

	byPath, err := store.GetItemByImagePath(ctx, item.ImagePath)
	if err != nil || byPath.ID != id {
		t.Errorf("GetItemByImagePath = %v, %v", byPath, err)
	}

	if err := store.DeleteItem(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetItem(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteItem(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStorage_DuplicateImagePath(t *testing.T) {
	store := newTestStorage(t)
	createItem(t, store, "/shots/a.png", time.Now())
	_, err := store.CreateItem(context.Background(), &models.Item{ImagePath: "/shots/a.png"})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestSQLiteStorage_GetItems(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()
	var ids []string
	for i := 0; i < pageSize+3; i++ {
		ids = append(ids, createItem(t, store, filepath.Join("/shots", time.Duration(i).String()+".png"), now))
	}

	got, err := store.GetItems(ctx, append(ids, "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ids) {
		t.Fatalf("got %d items, want %d", len(got), len(ids))
	}
	if _, ok := got["missing"]; ok {
		t.Error("missing id should be absent")
	}
	if got[ids[0]].ImagePath != "/shots/0s.png" {
		t.Errorf("unexpected item %+v", got[ids[0]])
	}

	empty, err := store.GetItems(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("GetItems(nil) = %v, %v", empty, err)
	}
}

func TestSQLiteStorage_UpdateMissingItem(t *testing.T) {
	store := newTestStorage(t)
	desc := "x"
	err := store.UpdateItem(context.Background(), "missing", models.ItemUpdate{Description: &desc})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	bad := models.Status("done")
	id := createItem(t, store, "/shots/b.png", time.Now())
	if err := store.UpdateItem(context.Background(), id, models.ItemUpdate{Status: &bad}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown status, got %v", err)
	}
}

func TestSQLiteStorage_CommitEmbedding(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	id := createItem(t, store, "/shots/c.png", time.Now())

	gen0, _ := store.VectorGeneration(ctx)
	if err := store.CommitEmbedding(ctx, id, "a chart", []string{"Charts"}, []byte{0xAA, 0x01}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetItem(ctx, id)
	if got.Status != models.StatusEmbedded || got.DescriptionText() != "a chart" {
		t.Errorf("after commit: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "charts" {
		t.Errorf("tags = %v", got.Tags)
	}
	cw, err := store.GetVector(ctx, id)
	if err != nil || len(cw) != 2 || cw[0] != 0xAA {
		t.Errorf("GetVector = %v, %v", cw, err)
	}
	gen1, _ := store.VectorGeneration(ctx)
	if gen1 <= gen0 {
		t.Errorf("generation should advance: %d -> %d", gen0, gen1)
	}

	// recommit replaces, never duplicates
	if err := store.CommitEmbedding(ctx, id, "a bar chart", nil, []byte{0x0F, 0x00}); err != nil {
		t.Fatal(err)
	}
	n, _ := store.CountVectors(ctx)
	if n != 1 {
		t.Errorf("expected exactly one vector, got %d", n)
	}
	got, _ = store.GetItem(ctx, id)
	if got.Tags == nil || len(got.Tags) != 0 {
		t.Errorf("empty tag set should be stored as empty, got %#v", got.Tags)
	}

	if err := store.CommitEmbedding(ctx, "missing", "x", nil, []byte{1}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	n, _ = store.CountVectors(ctx)
	if n != 1 {
		t.Errorf("failed commit must not write a vector, got %d", n)
	}
}

func TestSQLiteStorage_DeleteCascadesVector(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	id := createItem(t, store, "/shots/d.png", time.Now())
	if err := store.CommitEmbedding(ctx, id, "d", nil, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteItem(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetVector(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("vector should be gone, got %v", err)
	}
}

func TestSQLiteStorage_MarkFailedKeepsDescription(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	id := createItem(t, store, "/shots/e.png", time.Now())
	desc := "previous description"
	if err := store.UpdateItem(ctx, id, models.ItemUpdate{Description: &desc}); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, id, "embedding timed out"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetItem(ctx, id)
	if got.Status != models.StatusFailed || got.LastError != "embedding timed out" || got.Attempts != 1 {
		t.Errorf("after MarkFailed: %+v", got)
	}
	if got.DescriptionText() != desc {
		t.Errorf("description changed to %q", got.DescriptionText())
	}
	if err := store.MarkFailed(ctx, "missing", "x"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStorage_ListByStatusIsRestartable(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	for i := 0; i < pageSize+5; i++ {
		createItem(t, store, filepath.Join("/shots", time.Duration(i).String()+".png"), time.Now())
	}

	seq := store.ListByStatus(ctx, models.StatusPending)
	count := func() int {
		n := 0
		prev := ""
		for item, err := range seq {
			if err != nil {
				t.Fatal(err)
			}
			if item.ID <= prev {
				t.Fatalf("ids not ascending: %s after %s", item.ID, prev)
			}
			prev = item.ID
			n++
		}
		return n
	}
	if n := count(); n != pageSize+5 {
		t.Errorf("first pass: %d items", n)
	}
	if n := count(); n != pageSize+5 {
		t.Errorf("second pass: %d items", n)
	}

	n := 0
	for range store.ListByStatus(ctx, models.StatusEmbedded) {
		n++
	}
	if n != 0 {
		t.Errorf("expected no embedded items, got %d", n)
	}
}

func TestSQLiteStorage_ListItemsFilters(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	a := createItem(t, store, "/shots/a.png", base)
	b := createItem(t, store, "/shots/b.png", base.Add(time.Hour))
	createItem(t, store, "/shots/c.png", base.Add(48*time.Hour))
	_ = store.CommitEmbedding(ctx, a, "a", []string{"code"}, []byte{1})
	_ = store.CommitEmbedding(ctx, b, "b", []string{"chat", "code"}, []byte{2})

	list, err := store.ListItems(ctx, models.ItemFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 3 || len(list.Items) != 3 || list.Items[0].ImagePath != "/shots/c.png" {
		t.Errorf("unfiltered list: total=%d first=%v", list.Total, list.Items)
	}

	list, _ = store.ListItems(ctx, models.ItemFilter{Tags: []string{"Chat"}})
	if list.Total != 1 || list.Items[0].ID != b {
		t.Errorf("tag filter: %+v", list)
	}

	list, _ = store.ListItems(ctx, models.ItemFilter{From: base, To: base.Add(2 * time.Hour)})
	if list.Total != 2 {
		t.Errorf("time filter: total=%d", list.Total)
	}

	embedded := models.StatusEmbedded
	list, _ = store.ListItems(ctx, models.ItemFilter{Status: &embedded, Limit: 1})
	if list.Total != 2 || len(list.Items) != 1 {
		t.Errorf("status filter with limit: total=%d len=%d", list.Total, len(list.Items))
	}

	tags, err := store.TagCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 || tags[0].Tag != "code" || tags[0].Count != 2 {
		t.Errorf("TagCounts = %+v", tags)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.StatusEmbedded] != 2 || counts[models.StatusPending] != 1 || counts[models.StatusFailed] != 0 {
		t.Errorf("Counts = %v", counts)
	}
}

func TestSQLiteStorage_VectorsIterator(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := createItem(t, store, filepath.Join("/shots", string(rune('a'+i))+".png"), time.Now())
		_ = store.CommitEmbedding(ctx, id, "x", nil, []byte{byte(i)})
	}
	n := 0
	for rec, err := range store.Vectors(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		if rec.ItemID == "" || len(rec.Codeword) != 1 {
			t.Errorf("bad record %+v", rec)
		}
		n++
	}
	if n != 3 {
		t.Errorf("expected 3 vectors, got %d", n)
	}
}

func TestSQLiteStorage_EnsureVectorScheme(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	if err := store.EnsureVectorScheme(ctx, "binary-sign-v1", 1024); err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureVectorScheme(ctx, "binary-sign-v1", 1024); err != nil {
		t.Errorf("same scheme should be accepted: %v", err)
	}
	if err := store.EnsureVectorScheme(ctx, "binary-sign-v1", 768); !errors.Is(err, models.ErrValidation) {
		t.Errorf("dimension change: expected ErrValidation, got %v", err)
	}
	if err := store.EnsureVectorScheme(ctx, "product-v2", 1024); !errors.Is(err, models.ErrValidation) {
		t.Errorf("scheme change: expected ErrValidation, got %v", err)
	}
}

func TestSQLiteStorage_DriverErrorsAreStorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := newWithDB(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM items WHERE id = ?").
		WithArgs("x").
		WillReturnError(errors.New("disk I/O error"))
	if _, err := store.GetItem(ctx, "x"); !errors.Is(err, models.ErrStorage) {
		t.Errorf("GetItem: expected ErrStorage, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE items SET description").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO vectors").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()
	err = store.CommitEmbedding(ctx, "x", "desc", []string{"a"}, []byte{1})
	if !errors.Is(err, models.ErrStorage) {
		t.Errorf("CommitEmbedding: expected ErrStorage, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
