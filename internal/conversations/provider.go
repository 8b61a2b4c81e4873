// Package conversations manages conversation headers and their items: the
// in-memory index of the active conversation, history windows sized by a
// token budget and a persistence provider facade.
package conversations

import (
	"context"
	"errors"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// ErrNotFound is returned by providers when a record does not exist.
var ErrNotFound = errors.New("conversation not found")

// Order values accepted by MetaQuery.
const (
	OrderUpdatedDesc = "updated_at DESC"
	OrderCreatedDesc = "created_at DESC"
)

// MetaQuery selects conversation headers from a provider.
type MetaQuery struct {
	Filter models.MetaFilter
	Search string
	Order  string
	Limit  int // 0 = no limit
}

// Provider is the persistence backend for conversations.
type Provider interface {
	// Create persists a new header and returns its assigned id.
	Create(ctx context.Context, meta *models.CtxMeta) (int64, error)

	// AppendItem persists one new item. A false result asks the caller to
	// fall back to a full Save.
	AppendItem(ctx context.Context, meta *models.CtxMeta, item *models.CtxItem) (bool, error)

	// UpdateItem rewrites an already persisted item.
	UpdateItem(ctx context.Context, item *models.CtxItem) error

	// Save rewrites the header and all items of a conversation.
	Save(ctx context.Context, id int64, meta *models.CtxMeta, items []*models.CtxItem) error

	// UpdateMeta rewrites the header only.
	UpdateMeta(ctx context.Context, meta *models.CtxMeta) error

	// Load returns the items of a conversation in creation order.
	Load(ctx context.Context, id int64) ([]*models.CtxItem, error)

	// GetMeta returns headers matching q, ordered per q.Order.
	GetMeta(ctx context.Context, q MetaQuery) ([]*models.CtxMeta, error)

	// GetMetaByID returns ErrNotFound for unknown ids.
	GetMetaByID(ctx context.Context, id int64) (*models.CtxMeta, error)

	Remove(ctx context.Context, id int64) error
	RemoveItem(ctx context.Context, id int64) error

	CreateGroup(ctx context.Context, group *models.CtxGroup) (int64, error)
	GetGroups(ctx context.Context) ([]*models.CtxGroup, error)
	// RemoveGroup deletes a group; with all=true its member conversations
	// are deleted too, otherwise they are detached.
	RemoveGroup(ctx context.Context, id int64, all bool) error

	Close() error
}
