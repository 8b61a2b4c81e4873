package index

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "idx.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(context.Background(), db, NewSplitter(SplitterConfig{ChunkSize: 80, ChunkOverlap: 10}))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func TestStore_AddAndQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	doc, err := store.Add(ctx, "base", "notes.txt",
		"The deployment pipeline runs nightly.\n\nInvoices are sent on the first day of each month.")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if doc.Chunks < 1 {
		t.Fatalf("Chunks = %d", doc.Chunks)
	}

	got, err := store.Query(ctx, "base", "when are invoices sent?")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !strings.Contains(got, "Invoices are sent") {
		t.Errorf("Query() = %q, want invoice chunk", got)
	}
	if !strings.HasPrefix(got, "[notes.txt]") {
		t.Errorf("Query() = %q, want document header", got)
	}

	docs, err := store.Documents(ctx, "base")
	if err != nil || len(docs) != 1 {
		t.Fatalf("Documents() = %v, %v", docs, err)
	}
}

func TestStore_UnknownIndex(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Query(context.Background(), "missing", "anything")
	if !errors.Is(err, ErrUnknownIndex) {
		t.Errorf("Query() error = %v, want ErrUnknownIndex", err)
	}
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	keep, _ := store.Add(ctx, "base", "a", "alpha bravo charlie delta")
	drop, _ := store.Add(ctx, "base", "b", "echo foxtrot golf hotel")
	if err := store.Remove(ctx, "base", drop.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	hits, err := store.Search(ctx, "base", "foxtrot", 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("removed document still matches: %v", hits)
	}
	hits, _ = store.Search(ctx, "base", "bravo", 5)
	if len(hits) != 1 || hits[0].DocID != keep.ID {
		t.Errorf("Search(bravo) = %v", hits)
	}
}

func TestStore_AddRejects(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Add(context.Background(), None, "x", "text"); err == nil {
		t.Error("Add() into the none index should fail")
	}
	if _, err := store.Add(context.Background(), "base", "x", "   "); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("Add() error = %v, want ErrEmptyDocument", err)
	}
}

func TestMatchExpr(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"hello world", `"hello" OR "world"`},
		{`drop "table"; --`, `"drop" OR "table"`},
		{"a !", ""},
		{"Go go GO", `"go"`},
	}
	for _, tt := range tests {
		if got := matchExpr(tt.query); got != tt.want {
			t.Errorf("matchExpr(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}
