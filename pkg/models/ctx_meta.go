package models

import "time"

// CtxMeta is the header of a conversation.
type CtxMeta struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Mode       string `json:"mode"`
	Model      string `json:"model"`

	// LastMode and LastModel record what was actually used by the most
	// recent successful provider call.
	LastMode  string `json:"last_mode"`
	LastModel string `json:"last_model"`

	Preset    string `json:"preset,omitempty"`
	Thread    string `json:"thread,omitempty"`
	Run       string `json:"run,omitempty"`
	Assistant string `json:"assistant,omitempty"`

	// Indexes maps store -> index name -> document id -> indexed timestamp.
	Indexes map[string]map[string]map[string]int64 `json:"indexes,omitempty"`

	GroupID       int64     `json:"group_id,omitempty"`
	Group         *CtxGroup `json:"-"`
	AdditionalCtx []string  `json:"additional_ctx,omitempty"`

	Pinned   bool `json:"pinned,omitempty"`
	Archived bool `json:"archived,omitempty"`
	Deleted  bool `json:"deleted,omitempty"`
	Label    int  `json:"label,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCtxMeta returns an empty, unsaved conversation header.
func NewCtxMeta() *CtxMeta {
	now := time.Now()
	return &CtxMeta{
		Indexes:   map[string]map[string]map[string]int64{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddIndexedDocument records that docID was indexed into store/idx at ts.
func (m *CtxMeta) AddIndexedDocument(store, idx, docID string, ts int64) {
	if m.Indexes == nil {
		m.Indexes = map[string]map[string]map[string]int64{}
	}
	if m.Indexes[store] == nil {
		m.Indexes[store] = map[string]map[string]int64{}
	}
	if m.Indexes[store][idx] == nil {
		m.Indexes[store][idx] = map[string]int64{}
	}
	m.Indexes[store][idx][docID] = ts
}

// RemoveIndexedDocument forgets docID and prunes any index or store entry
// left empty by the removal.
func (m *CtxMeta) RemoveIndexedDocument(store, idx, docID string) {
	idxs, ok := m.Indexes[store]
	if !ok {
		return
	}
	if docs, ok := idxs[idx]; ok {
		delete(docs, docID)
	}
	m.PruneIndexes()
}

// RemoveIndex drops a whole index from a store.
func (m *CtxMeta) RemoveIndex(store, idx string) {
	if idxs, ok := m.Indexes[store]; ok {
		delete(idxs, idx)
	}
	m.PruneIndexes()
}

// PruneIndexes removes empty index and store entries.
func (m *CtxMeta) PruneIndexes() {
	for store, idxs := range m.Indexes {
		for idx, docs := range idxs {
			if len(docs) == 0 {
				delete(idxs, idx)
			}
		}
		if len(idxs) == 0 {
			delete(m.Indexes, store)
		}
	}
}

// IsIndexed reports whether docID is recorded in store/idx.
func (m *CtxMeta) IsIndexed(store, idx, docID string) bool {
	_, ok := m.Indexes[store][idx][docID]
	return ok
}

// IsEmptyIndexes reports whether no documents are recorded.
func (m *CtxMeta) IsEmptyIndexes() bool {
	return len(m.Indexes) == 0
}

// CtxGroup is a named cluster of conversations sharing additional context.
type CtxGroup struct {
	ID            int64     `json:"id"`
	UUID          string    `json:"uuid"`
	Name          string    `json:"name"`
	AdditionalCtx []string  `json:"additional_ctx,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MetaFilter narrows LoadMeta queries.
type MetaFilter struct {
	GroupID  *int64
	Label    *int
	Archived *bool
	Pinned   *bool
	Limit    int
}
