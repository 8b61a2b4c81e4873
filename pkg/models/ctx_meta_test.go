package models

import "testing"

func TestCtxMeta_RemoveIndexedDocumentPrunes(t *testing.T) {
	meta := NewCtxMeta()
	meta.AddIndexedDocument("simple", "base", "doc-1", 100)
	meta.AddIndexedDocument("simple", "base", "doc-2", 200)
	meta.AddIndexedDocument("chroma", "notes", "doc-3", 300)

	meta.RemoveIndexedDocument("simple", "base", "doc-1")
	if !meta.IsIndexed("simple", "base", "doc-2") {
		t.Fatal("doc-2 should remain indexed")
	}

	meta.RemoveIndexedDocument("simple", "base", "doc-2")
	if _, ok := meta.Indexes["simple"]; ok {
		t.Errorf("empty store entry not pruned: %v", meta.Indexes)
	}

	meta.RemoveIndexedDocument("chroma", "notes", "doc-3")
	if !meta.IsEmptyIndexes() {
		t.Errorf("Indexes = %v, want empty", meta.Indexes)
	}
}

func TestCtxMeta_RemoveIndexedDocumentUnknown(t *testing.T) {
	meta := &CtxMeta{}
	meta.RemoveIndexedDocument("none", "none", "none")
	if !meta.IsEmptyIndexes() {
		t.Error("expected empty indexes")
	}
}

func TestCtxMeta_RemoveIndex(t *testing.T) {
	meta := NewCtxMeta()
	meta.AddIndexedDocument("simple", "a", "doc", 1)
	meta.AddIndexedDocument("simple", "b", "doc", 1)
	meta.RemoveIndex("simple", "a")
	if meta.IsIndexed("simple", "a", "doc") {
		t.Error("index a should be removed")
	}
	if !meta.IsIndexed("simple", "b", "doc") {
		t.Error("index b should remain")
	}
}
