package conversations

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLiteProvider) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewSQLiteProviderFromDB(db)
}

func TestSQLiteProvider_Create(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantID      int64
		wantErr     bool
		errContains string
	}{
		{
			name: "successful create",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO ctx_meta").
					WithArgs(
						sqlmock.AnyArg(), // external id
						"Chat",
						int64(0),
						int64(0),
						false,
						false,
						false,
						sqlmock.AnyArg(), // data
						sqlmock.AnyArg(), // created_at
						sqlmock.AnyArg(), // updated_at
					).
					WillReturnResult(sqlmock.NewResult(42, 1))
			},
			wantID: 42,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO ctx_meta").
					WillReturnError(errors.New("disk I/O error"))
			},
			wantErr:     true,
			errContains: "failed to create conversation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, provider := setupMockDB(t)
			defer db.Close()
			tt.setupMock(mock)

			meta := models.NewCtxMeta()
			meta.Name = "Chat"
			id, err := provider.Create(context.Background(), meta)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("Create() error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if id != tt.wantID || meta.ID != tt.wantID {
				t.Errorf("Create() id = %d (meta %d), want %d", id, meta.ID, tt.wantID)
			}
			if meta.ExternalID == "" {
				t.Error("external id not assigned")
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLiteProvider_AppendItem(t *testing.T) {
	db, mock, provider := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO ctx_item").
		WithArgs(nil, int64(3), "question", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("UPDATE ctx_meta SET updated_at").
		WithArgs(sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	meta := &models.CtxMeta{ID: 3}
	item := &models.CtxItem{Input: "question"}
	ok, err := provider.AppendItem(context.Background(), meta, item)
	if err != nil || !ok {
		t.Fatalf("AppendItem() = %v, %v", ok, err)
	}
	if item.ID != 7 || item.MetaID != 3 {
		t.Errorf("item ids = %d/%d, want 7/3", item.ID, item.MetaID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStore_AddFallsBackToSQLiteSave(t *testing.T) {
	db, mock, provider := setupMockDB(t)
	defer db.Close()

	store := NewStore(provider, nil, DefaultConfig(), nil)
	meta := &models.CtxMeta{ID: 5, Name: "conv"}
	store.metas[5] = meta
	store.current = meta

	mock.ExpectExec("INSERT INTO ctx_item").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ctx_meta SET name").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM ctx_item WHERE meta_id").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ctx_item").
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	item := &models.CtxItem{Input: "hello"}
	if err := store.Add(context.Background(), item, 0); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if item.ID != 11 {
		t.Errorf("item.ID = %d, want 11", item.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLiteProvider_GetMetaByIDNotFound(t *testing.T) {
	db, mock, provider := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, group_id").
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := provider.GetMetaByID(context.Background(), 9)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMetaByID() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteProvider_GetMeta(t *testing.T) {
	db, mock, provider := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "name", "group_id", "label", "pinned", "archived", "data", "created_at", "updated_at"}).
		AddRow(int64(2), "Second", int64(0), int64(0), true, false, `{"mode":"chat","last_mode":"chat"}`, int64(100), int64(300)).
		AddRow(int64(1), "First", int64(0), int64(1), true, false, `{"mode":"img"}`, int64(50), int64(200))
	mock.ExpectQuery("SELECT id, name, group_id, label, pinned, archived, data, created_at, updated_at FROM ctx_meta WHERE deleted = 0 AND pinned = \\? AND \\(name LIKE").
		WithArgs(true, "%chat%", "%chat%", "%chat%", 10).
		WillReturnRows(rows)

	pinned := true
	got, err := provider.GetMeta(context.Background(), MetaQuery{
		Filter: models.MetaFilter{Pinned: &pinned},
		Search: "chat",
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(GetMeta()) = %d, want 2", len(got))
	}
	if got[0].ID != 2 || got[0].LastMode != models.ModeChat || !got[0].Pinned {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Mode != models.ModeImage || got[1].Label != 1 {
		t.Errorf("got[1] = %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLiteProvider_RoundTrip(t *testing.T) {
	ctx := context.Background()
	provider, err := NewSQLiteProvider(ctx, SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteProvider() error = %v", err)
	}
	defer provider.Close()

	store := NewStore(provider, nil, DefaultConfig(), nil)
	meta, err := store.New(ctx, 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	meta.AddIndexedDocument("simple", "base", "doc-1", 1700000000)

	item := models.NewCtxItem()
	item.Input = "What is Go?"
	item.Output = "A language."
	item.Cmds = []models.Command{{Cmd: "code_execute", Params: map[string]any{"code": "print(1)"}}}
	item.SetExtra(models.ExtraAgentFinish, true)
	item.SetTokens(10, 5)
	if err := store.Add(ctx, item, 0); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.PostUpdate(ctx, models.ModeAgentLlama, "gpt-4o"); err != nil {
		t.Fatalf("PostUpdate() error = %v", err)
	}

	fresh := NewStore(provider, nil, DefaultConfig(), nil)
	selected, err := fresh.Select(ctx, meta.ID)
	if err != nil || selected == nil {
		t.Fatalf("Select() = %v, %v", selected, err)
	}
	if selected.LastMode != models.ModeAgentLlama {
		t.Errorf("LastMode = %q", selected.LastMode)
	}
	if !selected.IsIndexed("simple", "base", "doc-1") {
		t.Errorf("indexes not persisted: %v", selected.Indexes)
	}
	loaded := fresh.Items()
	if len(loaded) != 1 {
		t.Fatalf("len(Items()) = %d, want 1", len(loaded))
	}
	got := loaded[0]
	if got.Output != "A language." || got.TotalTokens != 15 || !got.ExtraBool(models.ExtraAgentFinish) {
		t.Errorf("item not round-tripped: %+v", got)
	}
	if len(got.Cmds) != 1 || got.Cmds[0].Cmd != "code_execute" {
		t.Errorf("cmds = %+v", got.Cmds)
	}

	got.Output = "A programming language."
	if err := fresh.UpdateItem(ctx, got); err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}
	found, err := fresh.LoadMeta(ctx, models.MetaFilter{}, "programming")
	if err != nil || len(found) != 1 {
		t.Fatalf("LoadMeta(search) = %v, %v", found, err)
	}

	if err := fresh.RemoveItem(ctx, got.ID); err != nil {
		t.Fatalf("RemoveItem() error = %v", err)
	}
	if fresh.Count() != 0 {
		t.Errorf("Count() = %d after RemoveItem", fresh.Count())
	}
}
