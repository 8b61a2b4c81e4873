package conversations

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// MemoryProvider keeps conversations in process memory. Used for tests and
// the "memory" storage driver.
type MemoryProvider struct {
	mu     sync.RWMutex
	nextID int64
	metas  map[int64]*models.CtxMeta
	items  map[int64][]*models.CtxItem // meta id -> items
	groups map[int64]*models.CtxGroup

	// FailAppend makes AppendItem report false, forcing full saves.
	FailAppend bool
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		metas:  map[int64]*models.CtxMeta{},
		items:  map[int64][]*models.CtxItem{},
		groups: map[int64]*models.CtxGroup{},
	}
}

func (m *MemoryProvider) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryProvider) Create(ctx context.Context, meta *models.CtxMeta) (int64, error) {
	if meta == nil {
		return 0, errors.New("meta is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	meta.ID = m.id()
	if meta.ExternalID == "" {
		meta.ExternalID = uuid.NewString()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	meta.UpdatedAt = meta.CreatedAt
	m.metas[meta.ID] = cloneMeta(meta)
	return meta.ID, nil
}

func (m *MemoryProvider) AppendItem(ctx context.Context, meta *models.CtxMeta, item *models.CtxItem) (bool, error) {
	if meta == nil || item == nil {
		return false, errors.New("meta and item are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppend {
		return false, nil
	}
	if _, ok := m.metas[meta.ID]; !ok {
		return false, ErrNotFound
	}
	if item.ID == 0 {
		item.ID = m.id()
	}
	item.MetaID = meta.ID
	m.items[meta.ID] = append(m.items[meta.ID], cloneItem(item))
	m.metas[meta.ID].UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryProvider) UpdateItem(ctx context.Context, item *models.CtxItem) error {
	if item == nil {
		return errors.New("item is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.items[item.MetaID]
	for i, existing := range items {
		if existing.ID == item.ID {
			items[i] = cloneItem(item)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryProvider) Save(ctx context.Context, id int64, meta *models.CtxMeta, items []*models.CtxItem) error {
	if meta == nil {
		return errors.New("meta is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	meta.ID = id
	meta.UpdatedAt = time.Now()
	m.metas[id] = cloneMeta(meta)
	stored := make([]*models.CtxItem, 0, len(items))
	for _, item := range items {
		if item.ID == 0 {
			item.ID = m.id()
		}
		item.MetaID = id
		stored = append(stored, cloneItem(item))
	}
	m.items[id] = stored
	return nil
}

func (m *MemoryProvider) UpdateMeta(ctx context.Context, meta *models.CtxMeta) error {
	if meta == nil {
		return errors.New("meta is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.metas[meta.ID]; !ok {
		return ErrNotFound
	}
	m.metas[meta.ID] = cloneMeta(meta)
	return nil
}

func (m *MemoryProvider) Load(ctx context.Context, id int64) ([]*models.CtxItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.items[id]
	out := make([]*models.CtxItem, 0, len(stored))
	for _, item := range stored {
		out = append(out, cloneItem(item))
	}
	return out, nil
}

func (m *MemoryProvider) GetMeta(ctx context.Context, q MetaQuery) ([]*models.CtxMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(q.Search))
	var out []*models.CtxMeta
	for id, meta := range m.metas {
		if !matchFilter(meta, q.Filter) {
			continue
		}
		if search != "" && !m.matchSearch(id, meta, search) {
			continue
		}
		out = append(out, cloneMeta(meta))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.Order == OrderCreatedDesc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryProvider) matchSearch(id int64, meta *models.CtxMeta, search string) bool {
	if strings.Contains(strings.ToLower(meta.Name), search) {
		return true
	}
	for _, item := range m.items[id] {
		if strings.Contains(strings.ToLower(item.Input), search) ||
			strings.Contains(strings.ToLower(item.Output), search) {
			return true
		}
	}
	return false
}

func matchFilter(meta *models.CtxMeta, f models.MetaFilter) bool {
	if meta.Deleted {
		return false
	}
	if f.GroupID != nil && meta.GroupID != *f.GroupID {
		return false
	}
	if f.Label != nil && meta.Label != *f.Label {
		return false
	}
	if f.Archived != nil && meta.Archived != *f.Archived {
		return false
	}
	if f.Pinned != nil && meta.Pinned != *f.Pinned {
		return false
	}
	return true
}

func (m *MemoryProvider) GetMetaByID(ctx context.Context, id int64) (*models.CtxMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.metas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMeta(meta), nil
}

func (m *MemoryProvider) Remove(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.metas, id)
	delete(m.items, id)
	return nil
}

func (m *MemoryProvider) RemoveItem(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for metaID, items := range m.items {
		for i, item := range items {
			if item.ID == id {
				m.items[metaID] = append(items[:i], items[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *MemoryProvider) CreateGroup(ctx context.Context, group *models.CtxGroup) (int64, error) {
	if group == nil {
		return 0, errors.New("group is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	group.ID = m.id()
	if group.UUID == "" {
		group.UUID = uuid.NewString()
	}
	now := time.Now()
	group.CreatedAt, group.UpdatedAt = now, now
	stored := *group
	stored.AdditionalCtx = append([]string(nil), group.AdditionalCtx...)
	m.groups[group.ID] = &stored
	return group.ID, nil
}

func (m *MemoryProvider) GetGroups(ctx context.Context) ([]*models.CtxGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.CtxGroup, 0, len(m.groups))
	for _, g := range m.groups {
		copied := *g
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryProvider) RemoveGroup(ctx context.Context, id int64, all bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.groups, id)
	for metaID, meta := range m.metas {
		if meta.GroupID != id {
			continue
		}
		if all {
			delete(m.metas, metaID)
			delete(m.items, metaID)
			continue
		}
		meta.GroupID = 0
	}
	return nil
}

func (m *MemoryProvider) Close() error { return nil }

// cloneItem deep-copies an item without its back-references.
func cloneItem(item *models.CtxItem) *models.CtxItem {
	shallow := *item
	shallow.Meta = nil
	shallow.PrevCtx = nil
	var out models.CtxItem
	if err := deepcopy.Copy(&out, shallow); err != nil {
		return &shallow
	}
	return &out
}

func cloneMeta(meta *models.CtxMeta) *models.CtxMeta {
	shallow := *meta
	shallow.Group = nil
	var out models.CtxMeta
	if err := deepcopy.Copy(&out, shallow); err != nil {
		return &shallow
	}
	return &out
}
