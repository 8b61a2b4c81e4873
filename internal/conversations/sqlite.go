package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// SQLiteConfig holds configuration for the SQLite provider.
type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// DefaultSQLiteConfig returns default configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:        "pygpt.db",
		BusyTimeout: 5 * time.Second,
	}
}

// SQLiteProvider persists conversations in a SQLite database. Headers and
// items are stored as JSON documents next to the columns used for
// filtering and search.
type SQLiteProvider struct {
	db *sql.DB
}

// NewSQLiteProvider opens (and migrates) the database at cfg.Path.
func NewSQLiteProvider(ctx context.Context, cfg SQLiteConfig) (*SQLiteProvider, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultSQLiteConfig().BusyTimeout
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)

	p := NewSQLiteProviderFromDB(db)
	if err := p.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewSQLiteProviderFromDB wraps an existing connection without migrating.
func NewSQLiteProviderFromDB(db *sql.DB) *SQLiteProvider {
	return &SQLiteProvider{db: db}
}

// Init creates the schema if needed.
func (p *SQLiteProvider) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ctx_meta (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			group_id INTEGER NOT NULL DEFAULT 0,
			label INTEGER NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ctx_item (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			meta_id INTEGER NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ctx_group (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			name TEXT NOT NULL,
			additional_ctx TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_ctx_item_meta ON ctx_item(meta_id)",
		"CREATE INDEX IF NOT EXISTS idx_ctx_meta_updated ON ctx_meta(updated_at)",
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying connection.
func (p *SQLiteProvider) DB() *sql.DB {
	return p.db
}

// Close closes the database.
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *SQLiteProvider) Create(ctx context.Context, meta *models.CtxMeta) (int64, error) {
	if meta == nil {
		return 0, errors.New("meta is required")
	}
	if meta.ExternalID == "" {
		meta.ExternalID = uuid.NewString()
	}
	now := time.Now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = meta.CreatedAt

	data, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal meta: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO ctx_meta (external_id, name, group_id, label, pinned, archived, deleted, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ExternalID, meta.Name, meta.GroupID, meta.Label,
		meta.Pinned, meta.Archived, meta.Deleted, string(data),
		meta.CreatedAt.UnixNano(), meta.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get conversation id: %w", err)
	}
	meta.ID = id
	return id, nil
}

func (p *SQLiteProvider) AppendItem(ctx context.Context, meta *models.CtxMeta, item *models.CtxItem) (bool, error) {
	if meta == nil || item == nil {
		return false, errors.New("meta and item are required")
	}
	item.MetaID = meta.ID
	if err := insertItem(ctx, p.db, item); err != nil {
		return false, err
	}
	if _, err := p.db.ExecContext(ctx, "UPDATE ctx_meta SET updated_at = ? WHERE id = ?",
		time.Now().UnixNano(), meta.ID); err != nil {
		return false, fmt.Errorf("failed to touch conversation: %w", err)
	}
	return true, nil
}

func insertItem(ctx context.Context, db execer, item *models.CtxItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	var id any
	if item.ID != 0 {
		id = item.ID
	}
	if item.InputTimestamp.IsZero() {
		item.InputTimestamp = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO ctx_item (id, meta_id, input, output, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, item.MetaID, item.Input, item.Output, string(data), item.InputTimestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	if item.ID == 0 {
		newID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get item id: %w", err)
		}
		item.ID = newID
	}
	return nil
}

func (p *SQLiteProvider) UpdateItem(ctx context.Context, item *models.CtxItem) error {
	if item == nil {
		return errors.New("item is required")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		"UPDATE ctx_item SET input = ?, output = ?, data = ? WHERE id = ?",
		item.Input, item.Output, string(data), item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *SQLiteProvider) Save(ctx context.Context, id int64, meta *models.CtxMeta, items []*models.CtxItem) error {
	if meta == nil {
		return errors.New("meta is required")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	meta.ID = id
	if err := updateMeta(ctx, tx, meta); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ctx_item WHERE meta_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear items: %w", err)
	}
	for _, item := range items {
		item.MetaID = id
		if err := insertItem(ctx, tx, item); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (p *SQLiteProvider) UpdateMeta(ctx context.Context, meta *models.CtxMeta) error {
	if meta == nil {
		return errors.New("meta is required")
	}
	return updateMeta(ctx, p.db, meta)
}

func updateMeta(ctx context.Context, db execer, meta *models.CtxMeta) error {
	meta.UpdatedAt = time.Now()
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		UPDATE ctx_meta SET name = ?, group_id = ?, label = ?, pinned = ?, archived = ?, deleted = ?, data = ?, updated_at = ?
		WHERE id = ?`,
		meta.Name, meta.GroupID, meta.Label, meta.Pinned, meta.Archived, meta.Deleted,
		string(data), meta.UpdatedAt.UnixNano(), meta.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

func (p *SQLiteProvider) Load(ctx context.Context, id int64) ([]*models.CtxItem, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT id, data FROM ctx_item WHERE meta_id = ? ORDER BY id ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	defer rows.Close()

	var items []*models.CtxItem
	for rows.Next() {
		var (
			itemID int64
			data   string
		)
		if err := rows.Scan(&itemID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item := &models.CtxItem{}
		if err := json.Unmarshal([]byte(data), item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item %d: %w", itemID, err)
		}
		item.ID = itemID
		item.MetaID = id
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return items, nil
}

const metaColumns = "id, name, group_id, label, pinned, archived, data, created_at, updated_at"

func (p *SQLiteProvider) GetMeta(ctx context.Context, q MetaQuery) ([]*models.CtxMeta, error) {
	where := []string{"deleted = 0"}
	var args []any
	if q.Filter.GroupID != nil {
		where = append(where, "group_id = ?")
		args = append(args, *q.Filter.GroupID)
	}
	if q.Filter.Label != nil {
		where = append(where, "label = ?")
		args = append(args, *q.Filter.Label)
	}
	if q.Filter.Archived != nil {
		where = append(where, "archived = ?")
		args = append(args, *q.Filter.Archived)
	}
	if q.Filter.Pinned != nil {
		where = append(where, "pinned = ?")
		args = append(args, *q.Filter.Pinned)
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		like := "%" + search + "%"
		where = append(where,
			"(name LIKE ? OR id IN (SELECT meta_id FROM ctx_item WHERE input LIKE ? OR output LIKE ?))")
		args = append(args, like, like, like)
	}

	order := OrderUpdatedDesc
	if q.Order == OrderCreatedDesc {
		order = OrderCreatedDesc
	}
	query := "SELECT " + metaColumns + " FROM ctx_meta WHERE " +
		strings.Join(where, " AND ") + " ORDER BY " + order + ", id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.CtxMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner) (*models.CtxMeta, error) {
	var (
		id, groupID          int64
		label                int
		pinned, archived     bool
		name, data           string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &name, &groupID, &label, &pinned, &archived, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	meta := &models.CtxMeta{}
	if err := json.Unmarshal([]byte(data), meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %d: %w", id, err)
	}
	meta.ID = id
	meta.Name = name
	meta.GroupID = groupID
	meta.Label = label
	meta.Pinned = pinned
	meta.Archived = archived
	meta.CreatedAt = time.Unix(0, createdAt)
	meta.UpdatedAt = time.Unix(0, updatedAt)
	return meta, nil
}

func (p *SQLiteProvider) GetMetaByID(ctx context.Context, id int64) (*models.CtxMeta, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT "+metaColumns+" FROM ctx_meta WHERE id = ? AND deleted = 0", id)
	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return meta, nil
}

func (p *SQLiteProvider) Remove(ctx context.Context, id int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()
	if _, err := tx.ExecContext(ctx, "DELETE FROM ctx_item WHERE meta_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ctx_meta WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return tx.Commit()
}

func (p *SQLiteProvider) RemoveItem(ctx context.Context, id int64) error {
	if _, err := p.db.ExecContext(ctx, "DELETE FROM ctx_item WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

func (p *SQLiteProvider) CreateGroup(ctx context.Context, group *models.CtxGroup) (int64, error) {
	if group == nil {
		return 0, errors.New("group is required")
	}
	if group.UUID == "" {
		group.UUID = uuid.NewString()
	}
	now := time.Now()
	group.CreatedAt, group.UpdatedAt = now, now
	additional, err := json.Marshal(group.AdditionalCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal additional context: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO ctx_group (uuid, name, additional_ctx, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		group.UUID, group.Name, string(additional), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get group id: %w", err)
	}
	group.ID = id
	return id, nil
}

func (p *SQLiteProvider) GetGroups(ctx context.Context) ([]*models.CtxGroup, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT id, uuid, name, additional_ctx, created_at, updated_at FROM ctx_group ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var out []*models.CtxGroup
	for rows.Next() {
		var (
			g                    models.CtxGroup
			additional           sql.NullString
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&g.ID, &g.UUID, &g.Name, &additional, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		if additional.Valid && additional.String != "" {
			if err := json.Unmarshal([]byte(additional.String), &g.AdditionalCtx); err != nil {
				return nil, fmt.Errorf("failed to unmarshal group %d: %w", g.ID, err)
			}
		}
		g.CreatedAt = time.Unix(0, createdAt)
		g.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (p *SQLiteProvider) RemoveGroup(ctx context.Context, id int64, all bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if all {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM ctx_item WHERE meta_id IN (SELECT id FROM ctx_meta WHERE group_id = ?)", id); err != nil {
			return fmt.Errorf("failed to delete group items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM ctx_meta WHERE group_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete group conversations: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, "UPDATE ctx_meta SET group_id = 0 WHERE group_id = ?", id); err != nil {
			return fmt.Errorf("failed to detach group conversations: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ctx_group WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return tx.Commit()
}
