package conversations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/tokens"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// CostFunc returns the token cost of replaying item as history.
// It must be a pure function of its arguments.
type CostFunc func(item *models.CtxItem, mode, model string) int

// Config configures a Store.
type Config struct {
	// LockModes enables the mode-lock policy of IsAllowedForMode.
	LockModes bool `yaml:"lock_modes"`

	// MetaLimit caps unpinned rows returned by LoadMeta. 0 = no limit.
	MetaLimit int `yaml:"meta_limit"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		LockModes: true,
		MetaLimit: 500,
	}
}

// State is the per-conversation selection restored by Select.
type State struct {
	Mode      string
	Model     string
	Preset    string
	Thread    string
	Assistant string
}

// Store owns the index of loaded conversation headers, the active
// conversation and its items.
//
// At most one agent run is expected per conversation at a time; the mutex
// only protects the maps and slices, not multi-step sequences.
type Store struct {
	mu       sync.Mutex
	provider Provider
	cost     CostFunc
	config   Config
	logger   *slog.Logger

	metas     map[int64]*models.CtxMeta
	groups    map[int64]*models.CtxGroup
	current   *models.CtxMeta
	items     []*models.CtxItem
	state     State
	assistant string // assistant selected in the host
}

// NewStore creates a store over provider. A nil cost uses tokens.FromCtx.
func NewStore(provider Provider, cost CostFunc, config Config, logger *slog.Logger) *Store {
	if cost == nil {
		cost = tokens.FromCtx
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		provider: provider,
		cost:     cost,
		config:   config,
		logger:   logger.With("component", "conversations"),
		metas:    map[int64]*models.CtxMeta{},
		groups:   map[int64]*models.CtxGroup{},
	}
}

// Provider returns the persistence provider.
func (s *Store) Provider() Provider {
	return s.provider
}

// Current returns the active conversation, or nil.
func (s *Store) Current() *models.CtxMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CurrentID returns the active conversation id, or 0.
func (s *Store) CurrentID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.ID
}

// Items returns the items of the active conversation in creation order.
func (s *Store) Items() []*models.CtxItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.CtxItem(nil), s.items...)
}

// Count returns the number of items in the active conversation.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// State returns the selection restored by the last Select.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetAssistant records the assistant selected in the host, used by the
// assistant rule of IsAllowedForMode.
func (s *Store) SetAssistant(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistant = id
}

// Select makes the conversation id active, loading it from the provider if
// it is not cached. Unknown ids are a no-op returning nil.
func (s *Store) Select(ctx context.Context, id int64) (*models.CtxMeta, error) {
	meta, err := s.GetMetaByID(ctx, id)
	if err != nil || meta == nil {
		return nil, err
	}

	items, err := s.provider.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	for _, item := range items {
		item.Meta = meta
	}
	linkChain(items)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = meta
	s.items = items
	s.state = State{
		Mode:      meta.Mode,
		Model:     meta.Model,
		Preset:    meta.Preset,
		Thread:    meta.Thread,
		Assistant: meta.Assistant,
	}
	if meta.GroupID != 0 {
		meta.Group = s.groups[meta.GroupID]
	}
	return meta, nil
}

func linkChain(items []*models.CtxItem) {
	for i := 1; i < len(items); i++ {
		items[i].PrevCtx = items[i-1]
	}
}

// GetMetaByID returns a cached or persisted header. Unknown ids return nil
// without an error.
func (s *Store) GetMetaByID(ctx context.Context, id int64) (*models.CtxMeta, error) {
	s.mu.Lock()
	meta, ok := s.metas[id]
	s.mu.Unlock()
	if ok {
		return meta, nil
	}

	meta, err := s.provider.GetMetaByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get meta %d: %w", id, err)
	}

	s.mu.Lock()
	s.metas[id] = meta
	s.mu.Unlock()
	return meta, nil
}

// New creates and persists an empty conversation and makes it active.
func (s *Store) New(ctx context.Context, groupID int64) (*models.CtxMeta, error) {
	meta := models.NewCtxMeta()
	meta.Name = "New conversation"
	s.mu.Lock()
	meta.Mode = s.state.Mode
	meta.Model = s.state.Model
	meta.Preset = s.state.Preset
	meta.Assistant = s.assistant
	if groupID != 0 {
		meta.GroupID = groupID
		meta.Group = s.groups[groupID]
	}
	s.mu.Unlock()

	id, err := s.provider.Create(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	meta.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[id] = meta
	s.current = meta
	s.items = nil
	s.state.Thread = ""
	return meta, nil
}

// NeedsNew reports whether a new empty conversation should be created
// before the next input: there is no active conversation, or the active
// one already has items. An active empty conversation is reused.
func (s *Store) NeedsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == nil || len(s.items) > 0
}

// Add appends item to the active conversation, or to parentID when it is
// non-zero, and persists it. When the incremental append fails the whole
// conversation is re-saved so the item is never lost.
func (s *Store) Add(ctx context.Context, item *models.CtxItem, parentID int64) error {
	if item == nil {
		return errors.New("item is required")
	}

	s.mu.Lock()
	meta := s.current
	isCurrent := true
	if parentID != 0 && (meta == nil || meta.ID != parentID) {
		meta = s.metas[parentID]
		isCurrent = false
	}
	s.mu.Unlock()

	if meta == nil && parentID != 0 {
		m, err := s.GetMetaByID(ctx, parentID)
		if err != nil {
			return err
		}
		meta = m
	}
	if meta == nil {
		return errors.New("no active conversation")
	}

	item.Meta = meta
	item.MetaID = meta.ID
	if item.Mode == "" {
		item.Mode = meta.Mode
	}

	var items []*models.CtxItem
	if isCurrent {
		s.mu.Lock()
		if n := len(s.items); n > 0 && item.PrevCtx == nil {
			item.PrevCtx = s.items[n-1]
		}
		s.items = append(s.items, item)
		items = append(items, s.items...)
		s.mu.Unlock()
	}

	ok, err := s.provider.AppendItem(ctx, meta, item)
	if err == nil && ok {
		meta.UpdatedAt = time.Now()
		return nil
	}
	s.logger.Warn("incremental append failed, saving full conversation",
		"conversation_id", meta.ID, "error", err)

	if !isCurrent {
		loaded, lerr := s.provider.Load(ctx, meta.ID)
		if lerr != nil {
			return fmt.Errorf("load items for full save: %w", lerr)
		}
		items = append(loaded, item)
	}
	if err := s.provider.Save(ctx, meta.ID, meta, items); err != nil {
		return fmt.Errorf("save conversation %d: %w", meta.ID, err)
	}
	return nil
}

// UpdateItem persists changes to an already added item.
func (s *Store) UpdateItem(ctx context.Context, item *models.CtxItem) error {
	if item == nil {
		return errors.New("item is required")
	}
	if item.ID == 0 {
		return s.Add(ctx, item, item.MetaID)
	}
	if err := s.provider.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("update item %d: %w", item.ID, err)
	}
	return nil
}

// GetHistory returns the newest chronological suffix of items whose summed
// cost, on top of usedTokens, fits in maxTokens. The walk goes newest to
// oldest and stops at the first item that would overflow the budget. With
// ignoreFirst the newest item (the one being answered) is skipped.
func (s *Store) GetHistory(items []*models.CtxItem, model, mode string, usedTokens, maxTokens int, ignoreFirst bool) []*models.CtxItem {
	total := usedTokens
	history := make([]*models.CtxItem, 0, len(items))

	for i := len(items) - 1; i >= 0; i-- {
		if ignoreFirst && i == len(items)-1 {
			continue
		}
		total += s.cost(items[i], mode, model)
		if total > maxTokens {
			break
		}
		history = append(history, items[i])
	}

	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history
}

// IsAllowedForMode reports whether the active conversation may continue in
// mode. With lock_modes off, or an empty conversation, everything is
// allowed. Otherwise the conversation's last mode must be compatible; in
// assistant mode with checkAssistant the conversation must also belong to
// the selected assistant, unless none was recorded yet.
func (s *Store) IsAllowedForMode(mode string, checkAssistant bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.LockModes || s.current == nil || len(s.items) == 0 {
		return true
	}
	if !modeCompatible(s.current.LastMode, mode) {
		return false
	}
	if mode == models.ModeAssistant && checkAssistant {
		if s.current.Assistant != "" && s.current.Assistant != s.assistant {
			return false
		}
	}
	return true
}

// LoadMeta fetches headers in two phases: every pinned conversation, then
// unpinned ones up to the configured limit. Both are ordered by update time
// descending and pinned ones come first.
func (s *Store) LoadMeta(ctx context.Context, filter models.MetaFilter, search string) ([]*models.CtxMeta, error) {
	pinned, unpinned := true, false

	pinnedFilter := filter
	pinnedFilter.Pinned = &pinned
	first, err := s.provider.GetMeta(ctx, MetaQuery{
		Filter: pinnedFilter,
		Search: search,
		Order:  OrderUpdatedDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("load pinned: %w", err)
	}

	limit := filter.Limit
	if limit == 0 {
		limit = s.config.MetaLimit
	}
	restFilter := filter
	restFilter.Pinned = &unpinned
	rest, err := s.provider.GetMeta(ctx, MetaQuery{
		Filter: restFilter,
		Search: search,
		Order:  OrderUpdatedDesc,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("load unpinned: %w", err)
	}

	out := make([]*models.CtxMeta, 0, len(first)+len(rest))
	seen := make(map[int64]bool, len(first)+len(rest))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, meta := range append(first, rest...) {
		if seen[meta.ID] {
			continue
		}
		seen[meta.ID] = true
		if cached, ok := s.metas[meta.ID]; ok {
			meta = cached
		} else {
			s.metas[meta.ID] = meta
		}
		out = append(out, meta)
	}
	return out, nil
}

// PostUpdate records the mode and model used by a successful provider call.
func (s *Store) PostUpdate(ctx context.Context, mode, model string) error {
	s.mu.Lock()
	meta := s.current
	if meta != nil {
		meta.LastMode = mode
		meta.LastModel = model
		meta.UpdatedAt = time.Now()
	}
	s.mu.Unlock()
	if meta == nil {
		return nil
	}
	if err := s.provider.UpdateMeta(ctx, meta); err != nil {
		return fmt.Errorf("post update: %w", err)
	}
	return nil
}

// UpdateMeta persists the header of conversation meta.
func (s *Store) UpdateMeta(ctx context.Context, meta *models.CtxMeta) error {
	if meta == nil {
		return nil
	}
	meta.UpdatedAt = time.Now()
	return s.provider.UpdateMeta(ctx, meta)
}

// Rename sets a conversation name.
func (s *Store) Rename(ctx context.Context, id int64, name string) error {
	meta, err := s.GetMetaByID(ctx, id)
	if err != nil {
		return err
	}
	if meta == nil {
		return ErrNotFound
	}
	meta.Name = name
	return s.UpdateMeta(ctx, meta)
}

// Remove deletes a conversation.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if err := s.provider.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove conversation %d: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metas, id)
	if s.current != nil && s.current.ID == id {
		s.current = nil
		s.items = nil
	}
	return nil
}

// RemoveItem deletes one item.
func (s *Store) RemoveItem(ctx context.Context, id int64) error {
	if err := s.provider.RemoveItem(ctx, id); err != nil {
		return fmt.Errorf("remove item %d: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	linkChain(s.items)
	return nil
}

// NewGroup creates a named group.
func (s *Store) NewGroup(ctx context.Context, name string) (*models.CtxGroup, error) {
	group := &models.CtxGroup{Name: name}
	id, err := s.provider.CreateGroup(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	group.ID = id
	s.mu.Lock()
	s.groups[id] = group
	s.mu.Unlock()
	return group, nil
}

// LoadGroups refreshes the group cache.
func (s *Store) LoadGroups(ctx context.Context) ([]*models.CtxGroup, error) {
	groups, err := s.provider.GetGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = make(map[int64]*models.CtxGroup, len(groups))
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	return groups, nil
}

// MoveToGroup assigns conversation id to group groupID (0 detaches).
func (s *Store) MoveToGroup(ctx context.Context, id, groupID int64) error {
	meta, err := s.GetMetaByID(ctx, id)
	if err != nil {
		return err
	}
	if meta == nil {
		return ErrNotFound
	}
	s.mu.Lock()
	meta.GroupID = groupID
	meta.Group = s.groups[groupID]
	s.mu.Unlock()
	return s.UpdateMeta(ctx, meta)
}

// RemoveGroup deletes a group, optionally with all member conversations.
func (s *Store) RemoveGroup(ctx context.Context, id int64, all bool) error {
	if err := s.provider.RemoveGroup(ctx, id, all); err != nil {
		return fmt.Errorf("remove group %d: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	for metaID, meta := range s.metas {
		if meta.GroupID != id {
			continue
		}
		if all {
			delete(s.metas, metaID)
			if s.current == meta {
				s.current = nil
				s.items = nil
			}
			continue
		}
		meta.GroupID = 0
		meta.Group = nil
	}
	return nil
}

// AdditionalContext returns the attachments visible to the active
// conversation: its own plus those shared by its group.
func (s *Store) AdditionalContext() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	out := append([]string(nil), s.current.AdditionalCtx...)
	if g := s.groups[s.current.GroupID]; g != nil {
		out = append(out, g.AdditionalCtx...)
	}
	return out
}
