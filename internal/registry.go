package internal

import (
	"context"
	"fmt"

	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

// Registry 共享的記錄儲存，所有處理器只透過它交換狀態
//
// 基本操作（Get / Put / Delete / Find* / ListByKind）之外，Commit 提供
// 多筆記錄的原子條件寫入：以版本號做 compare-and-set，並在儲存層強制
// 「每個連線最多屬於一筆記錄」。處理器不再做無隔離的讀後寫。
type Registry interface {
	// Get 依主鍵讀取，不存在回傳 ErrRecordNotFound
	Get(ctx context.Context, id string) (*Record, error)
	// Put 以主鍵整筆覆寫（非合併），不檢查版本，但仍檢查連線唯一性
	Put(ctx context.Context, record *Record) error
	// Delete 依主鍵刪除，不存在視為成功
	Delete(ctx context.Context, id string) error
	// FindByHostConnection 找出 hostConnection 等於 connectionID 的記錄
	FindByHostConnection(ctx context.Context, connectionID string) (*Record, error)
	// FindByGuestConnection 找出 guestConnection 等於 connectionID 的記錄
	FindByGuestConnection(ctx context.Context, connectionID string) (*Record, error)
	// ListByKind 列出指定類型的所有記錄，順序不保證
	ListByKind(ctx context.Context, kind Kind) ([]*Record, error)
	// Commit 原子套用一組條件寫入，任一前置條件失敗則全部不生效
	Commit(ctx context.Context, change Change) error
	// Close 釋放後端資源
	Close() error
}

// Change 一次原子提交
//
//   - Remove：記錄必須存在且版本等於 Version
//   - Create：主鍵必須不存在，寫入後版本為 1
//   - Replace：記錄必須存在且版本等於 Version，寫入後版本加一
//
// 先套用 Remove，再檢查 Create / Replace 的連線是否已被其他記錄佔用。
type Change struct {
	Remove  []*Record
	Create  []*Record
	Replace []*Record
}

var (
	ErrRecordNotFound  = apperrors.New(apperrors.ErrCodeNotFound, "record not found")
	ErrVersionConflict = apperrors.New(apperrors.ErrCodeConflict, "record changed concurrently")
	ErrRecordExists    = apperrors.New(apperrors.ErrCodeConflict, "record already exists")
	ErrConnectionBusy  = apperrors.New(apperrors.ErrCodeConnectionBusy, "connection already owns a record")
)

// Validate 檢查提交內容本身是否合法
func (c Change) Validate() error {
	if len(c.Remove)+len(c.Create)+len(c.Replace) == 0 {
		return ErrInvalidInput.WithDetails("empty change")
	}

	seen := make(map[string]bool)
	claimed := make(map[string]string)
	for _, r := range c.Remove {
		if r == nil || r.ID == "" {
			return ErrInvalidInput.WithDetails("remove requires a record id")
		}
		if seen[r.ID] {
			return ErrInvalidInput.WithDetails(fmt.Sprintf("record %s appears twice", r.ID))
		}
		seen[r.ID] = true
	}
	for _, r := range c.writes() {
		if r == nil {
			return ErrInvalidInput.WithDetails("nil record")
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return ErrInvalidInput.WithDetails(fmt.Sprintf("record %s appears twice", r.ID))
		}
		seen[r.ID] = true
		for _, conn := range r.Connections() {
			if owner, ok := claimed[conn]; ok && owner != r.ID {
				return ErrConnectionBusy.WithDetails(conn)
			}
			claimed[conn] = r.ID
		}
	}
	return nil
}

func (c Change) writes() []*Record {
	out := make([]*Record, 0, len(c.Create)+len(c.Replace))
	out = append(out, c.Create...)
	out = append(out, c.Replace...)
	return out
}

// retryOnConflict 在版本衝突時重新讀取並重試
//
// fn 每次都必須重新讀取 Registry，不可沿用上一次的記錄。
// 次數用盡時回傳最後一次的衝突錯誤。
func retryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if !apperrors.IsConflict(err) {
			return err
		}
	}
	return err
}

// findRecord 依連線找出其擁有的記錄（先 host 再 guest），沒有則回傳 nil
func findRecord(ctx context.Context, reg Registry, connectionID string) (*Record, error) {
	rec, err := reg.FindByHostConnection(ctx, connectionID)
	if err == nil {
		return rec, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}
	rec, err = reg.FindByGuestConnection(ctx, connectionID)
	if err == nil {
		return rec, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}
	return nil, nil
}
