package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

// newTestStore opens a migrated SQLite store in a temp dir.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := OpenDB("sqlite3", filepath.Join(t.TempDir(), "db.sqlite3"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	store := NewStore(conn, "sqlite3")
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize store: %v", err)
	}
	return store
}

func TestStore_InitializeIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
}

func TestStore_InsertAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var lastID int64
	for i := 0; i < 3; i++ {
		id, err := store.Insert(ctx, fmt.Sprintf("f%d.txt", i), fmt.Sprintf("ident-%d", i), fmt.Sprintf("/data/f%d.txt", i))
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if id <= lastID {
			t.Fatalf("ids must increase: got %d after %d", id, lastID)
		}
		lastID = id
	}

	records, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.Filename != fmt.Sprintf("f%d.txt", i) || rec.Identifier != fmt.Sprintf("ident-%d", i) {
			t.Errorf("record %d out of order or mismatched: %+v", i, rec)
		}
	}
}

func TestStore_ListAllEmpty(t *testing.T) {
	records, err := newTestStore(t).ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestStore_FindByIdentifier(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Insert(ctx, "report.pdf", "abc", "/data/report.pdf"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, ok, err := store.FindByIdentifier(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if rec.Filename != "report.pdf" || rec.LocalPath != "/data/report.pdf" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	_, ok, err = store.FindByIdentifier(ctx, "missing")
	if err != nil {
		t.Fatalf("miss must not be an error: %v", err)
	}
	if ok {
		t.Fatal("expected miss for unknown identifier")
	}
}

func TestStore_DuplicateIdentifierRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Insert(ctx, "a.txt", "same", "/data/a.txt"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := store.Insert(ctx, "b.txt", "same", "/data/b.txt")
	var swe *StorageWriteError
	if !errors.As(err, &swe) || swe.Op != "insert" {
		t.Fatalf("expected insert StorageWriteError, got %v", err)
	}
}

func TestStore_ListAfter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := store.Insert(ctx, fmt.Sprintf("f%d", i), fmt.Sprintf("id%d", i), "/x"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	first, err := store.ListAfter(ctx, 0, 2)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(first) != 2 || first[0].Identifier != "id0" || first[1].Identifier != "id1" {
		t.Fatalf("unexpected first page: %+v", first)
	}

	rest, err := store.ListAfter(ctx, first[1].ID, 10)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(rest) != 3 || rest[0].Identifier != "id2" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
}

func TestStore_InitializeCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Initialize(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
