package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskUsageBytes(t *testing.T) {
	dir := t.TempDir()

	f1 := filepath.Join(dir, "f1.png")
	if err := os.WriteFile(f1, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := DiskUsageBytes(f1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("single file: got %d bytes, want 5", got)
	}

	sub := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(filepath.Join(sub, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "a"), []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "nested", "b"), []byte("c"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err = DiskUsageBytes(sub, f1, filepath.Join(dir, "missing"), "")
	if err != nil {
		t.Fatal(err)
	}
	if got != 8 {
		t.Errorf("mixed paths: got %d bytes, want 8", got)
	}
}

func TestDatabaseFiles(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kioku.db")
	store, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	files := DatabaseFiles(dbPath)
	if len(files) != 3 {
		t.Fatalf("expected main file plus sidecars, got %v", files)
	}
	if !fileExists(files[0]) {
		t.Errorf("database file %s should exist", files[0])
	}
	n, err := DiskUsageBytes(files...)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("expected non-zero database size")
	}
	if DatabaseFiles(":memory:") != nil {
		t.Error("in-memory database has no files")
	}
}
