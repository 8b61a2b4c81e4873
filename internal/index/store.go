// Package index provides the local retrieval index queried by the
// llama_index mode, the query_engine agent tool and auto-retrieval. Documents
// are split into chunks and stored in a SQLite FTS5 table.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// None is the index selector meaning "no index configured".
const None = "_"

var (
	// ErrEmptyDocument is returned when a document has no indexable text.
	ErrEmptyDocument = errors.New("document has no indexable content")

	// ErrUnknownIndex is returned when querying an index with no documents.
	ErrUnknownIndex = errors.New("index not found")
)

// IsSet reports whether idx selects a real index.
func IsSet(idx string) bool {
	return idx != "" && idx != None
}

// Hit is one matching chunk.
type Hit struct {
	DocID   string
	Name    string
	Content string
	Rank    float64
}

// Document describes an indexed document.
type Document struct {
	ID        string
	Index     string
	Name      string
	Chunks    int
	IndexedAt time.Time
}

// Store is a chunked full-text index on SQLite.
type Store struct {
	db       *sql.DB
	splitter *Splitter
}

// NewStore wraps db and creates the index tables.
func NewStore(ctx context.Context, db *sql.DB, splitter *Splitter) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if splitter == nil {
		splitter = NewSplitter(DefaultSplitterConfig())
	}
	s := &Store{db: db, splitter: splitter}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS idx_document (
			id TEXT PRIMARY KEY,
			idx TEXT NOT NULL,
			name TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			indexed_at INTEGER NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS idx_chunk USING fts5(idx UNINDEXED, doc_id UNINDEXED, content)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create index schema: %w", err)
		}
	}
	return s, nil
}

// Add splits text and indexes it under idx. It returns the new document.
func (s *Store) Add(ctx context.Context, idx, name, text string) (*Document, error) {
	if !IsSet(idx) {
		return nil, fmt.Errorf("invalid index name %q", idx)
	}
	chunks := s.splitter.Split(text)
	if len(chunks) == 0 {
		return nil, ErrEmptyDocument
	}

	doc := &Document{
		ID:        uuid.NewString(),
		Index:     idx,
		Name:      name,
		Chunks:    len(chunks),
		IndexedAt: time.Now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin index tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO idx_document (id, idx, name, chunks, indexed_at) VALUES (?, ?, ?, ?, ?)",
		doc.ID, idx, name, doc.Chunks, doc.IndexedAt.Unix()); err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	for _, chunk := range chunks {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO idx_chunk (idx, doc_id, content) VALUES (?, ?, ?)",
			idx, doc.ID, chunk); err != nil {
			return nil, fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit index tx: %w", err)
	}
	return doc, nil
}

// Remove deletes a document and its chunks.
func (s *Store) Remove(ctx context.Context, idx, docID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM idx_chunk WHERE idx = ? AND doc_id = ?", idx, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM idx_document WHERE idx = ? AND id = ?", idx, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Documents lists the documents of idx, newest first.
func (s *Store) Documents(ctx context.Context, idx string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, idx, name, chunks, indexed_at FROM idx_document WHERE idx = ? ORDER BY indexed_at DESC",
		idx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var (
			doc Document
			ts  int64
		)
		if err := rows.Scan(&doc.ID, &doc.Index, &doc.Name, &doc.Chunks, &ts); err != nil {
			return nil, err
		}
		doc.IndexedAt = time.Unix(ts, 0)
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// Search returns up to limit chunks of idx matching any term of query,
// best match first.
func (s *Store) Search(ctx context.Context, idx, query string, limit int) ([]Hit, error) {
	match := matchExpr(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	var known int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM idx_document WHERE idx = ?", idx).Scan(&known); err != nil {
		return nil, fmt.Errorf("lookup index: %w", err)
	}
	if known == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, idx)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx_chunk.doc_id, d.name, idx_chunk.content, bm25(idx_chunk)
		FROM idx_chunk JOIN idx_document d ON d.id = idx_chunk.doc_id
		WHERE idx_chunk MATCH ? AND idx_chunk.idx = ?
		ORDER BY bm25(idx_chunk) LIMIT ?`,
		match, idx, limit)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.DocID, &hit.Name, &hit.Content, &hit.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Query answers query from idx as a single block of context text. An empty
// result means nothing matched.
func (s *Store) Query(ctx context.Context, idx, query string) (string, error) {
	hits, err := s.Search(ctx, idx, query, 3)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(hits))
	for _, hit := range hits {
		parts = append(parts, fmt.Sprintf("[%s]\n%s", hit.Name, hit.Content))
	}
	return strings.Join(parts, "\n\n"), nil
}

// matchExpr turns free text into an FTS5 OR-expression of quoted terms.
func matchExpr(query string) string {
	terms := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	quoted := make([]string, 0, len(terms))
	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		term = strings.ToLower(term)
		if len(term) < 2 || seen[term] {
			continue
		}
		seen[term] = true
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " OR ")
}
