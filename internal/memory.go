package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryRegistry 單機記憶體實作
//
// 一把 RWMutex 保護主表與三個次要索引，Commit 在寫鎖內完成檢查與套用，
// 因此對單一程序而言是原子的。適合開發、測試與單實例部署。
type MemoryRegistry struct {
	records map[string]*Record       // id -> record
	byHost  map[string]string        // hostConnection -> id
	byGuest map[string]string        // guestConnection -> id
	byKind  map[Kind]map[string]bool // kind -> ids
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewMemoryRegistry 創建記憶體 Registry
func NewMemoryRegistry(logger *slog.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]*Record),
		byHost:  make(map[string]string),
		byGuest: make(map[string]string),
		byKind:  make(map[Kind]map[string]bool),
		logger:  logger,
	}
}

// Get 依主鍵讀取
func (m *MemoryRegistry) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound.WithDetails(id)
	}
	return rec.Clone(), nil
}

// Put 整筆覆寫
func (m *MemoryRegistry) Put(ctx context.Context, record *Record) error {
	if record == nil {
		return ErrInvalidInput.WithDetails("nil record")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnections(record, nil); err != nil {
		return err
	}

	next := record.Clone()
	next.Version = 1
	next.UpdatedAt = time.Now()
	if cur, ok := m.records[record.ID]; ok {
		next.Version = cur.Version + 1
		m.unindex(cur)
	}
	m.store(next)
	return nil
}

// Delete 依主鍵刪除
func (m *MemoryRegistry) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.records[id]; ok {
		m.unindex(cur)
		delete(m.records, id)
	}
	return nil
}

// FindByHostConnection 依 hostConnection 查詢
func (m *MemoryRegistry) FindByHostConnection(ctx context.Context, connectionID string) (*Record, error) {
	return m.findBy(m.byHost, connectionID)
}

// FindByGuestConnection 依 guestConnection 查詢
func (m *MemoryRegistry) FindByGuestConnection(ctx context.Context, connectionID string) (*Record, error) {
	return m.findBy(m.byGuest, connectionID)
}

func (m *MemoryRegistry) findBy(index map[string]string, connectionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := index[connectionID]
	if !ok {
		return nil, ErrRecordNotFound.WithDetails(connectionID)
	}
	return m.records[id].Clone(), nil
}

// ListByKind 列出指定類型的記錄
func (m *MemoryRegistry) ListByKind(ctx context.Context, kind Kind) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byKind[kind]
	result := make([]*Record, 0, len(ids))
	for id := range ids {
		result = append(result, m.records[id].Clone())
	}
	return result, nil
}

// Commit 原子套用條件寫入
func (m *MemoryRegistry) Commit(ctx context.Context, change Change) error {
	if err := change.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 1. 檢查所有前置條件，任一失敗就不做任何修改
	removed := make(map[string]bool, len(change.Remove))
	for _, r := range change.Remove {
		cur, ok := m.records[r.ID]
		if !ok || cur.Version != r.Version {
			return ErrVersionConflict.WithDetails(r.ID)
		}
		removed[r.ID] = true
	}
	for _, r := range change.Create {
		if _, ok := m.records[r.ID]; ok {
			return ErrRecordExists.WithDetails(r.ID)
		}
	}
	for _, r := range change.Replace {
		cur, ok := m.records[r.ID]
		if !ok || cur.Version != r.Version {
			return ErrVersionConflict.WithDetails(r.ID)
		}
	}
	for _, r := range change.writes() {
		if err := m.checkConnections(r, removed); err != nil {
			return err
		}
	}

	// 2. 套用
	now := time.Now()
	for _, r := range change.Remove {
		m.unindex(m.records[r.ID])
		delete(m.records, r.ID)
	}
	for _, r := range change.Create {
		next := r.Clone()
		next.Version = 1
		next.UpdatedAt = now
		m.store(next)
	}
	for _, r := range change.Replace {
		next := r.Clone()
		next.Version = r.Version + 1
		next.UpdatedAt = now
		m.unindex(m.records[r.ID])
		m.store(next)
	}

	m.logger.Debug("變更已提交",
		"removed", len(change.Remove),
		"created", len(change.Create),
		"replaced", len(change.Replace))
	return nil
}

// Close 無資源需要釋放
func (m *MemoryRegistry) Close() error {
	return nil
}

// checkConnections 確認記錄的連線沒有被其他（未在本次刪除的）記錄佔用（需持有鎖）
func (m *MemoryRegistry) checkConnections(r *Record, removed map[string]bool) error {
	for _, conn := range r.Connections() {
		for _, index := range []map[string]string{m.byHost, m.byGuest} {
			owner, ok := index[conn]
			if ok && owner != r.ID && !removed[owner] {
				return ErrConnectionBusy.WithDetails(conn)
			}
		}
	}
	return nil
}

// store 寫入記錄與索引（需持有鎖）
func (m *MemoryRegistry) store(r *Record) {
	m.records[r.ID] = r
	m.byHost[r.HostConnection] = r.ID
	if r.GuestConnection != "" {
		m.byGuest[r.GuestConnection] = r.ID
	}
	if m.byKind[r.Kind] == nil {
		m.byKind[r.Kind] = make(map[string]bool)
	}
	m.byKind[r.Kind][r.ID] = true
}

// unindex 移除記錄的索引（需持有鎖）
func (m *MemoryRegistry) unindex(r *Record) {
	if m.byHost[r.HostConnection] == r.ID {
		delete(m.byHost, r.HostConnection)
	}
	if r.GuestConnection != "" && m.byGuest[r.GuestConnection] == r.ID {
		delete(m.byGuest, r.GuestConnection)
	}
	if ids, ok := m.byKind[r.Kind]; ok {
		delete(ids, r.ID)
		if len(ids) == 0 {
			delete(m.byKind, r.Kind)
		}
	}
}
