package internal

import (
	"context"
	"errors"
	"log/slog"
)

// ErrGone 目標連線已不存在，呼叫端應清除該連線的記錄
//
// 以 errors.Is 判斷，不可比對錯誤訊息文字。
var ErrGone = errors.New("connection gone")

// Deliverer 推送能力：把位元組送到指定連線
//
// 回傳 nil 表示已交付；ErrGone（可被包裝）表示對方已離線；
// 其他錯誤表示傳輸失敗，由呼叫端決定是否中止。
type Deliverer interface {
	Deliver(ctx context.Context, connectionID string, msg []byte) error
}

// DelivererFunc 讓普通函數實作 Deliverer
type DelivererFunc func(ctx context.Context, connectionID string, msg []byte) error

// Deliver 實現 Deliverer 介面
func (f DelivererFunc) Deliver(ctx context.Context, connectionID string, msg []byte) error {
	return f(ctx, connectionID, msg)
}

// Router 先嘗試本機連線，本機沒有時轉交遠端（其他實例）
//
// 多實例部署時，連線只掛在接受它的那個實例上；
// remote 為 nil 時即單機模式，本機找不到就是 gone。
type Router struct {
	local  Deliverer
	remote Deliverer
	logger *slog.Logger
}

// NewRouter 創建路由
func NewRouter(local, remote Deliverer, logger *slog.Logger) *Router {
	return &Router{
		local:  local,
		remote: remote,
		logger: logger,
	}
}

// Deliver 實現 Deliverer 介面
func (r *Router) Deliver(ctx context.Context, connectionID string, msg []byte) error {
	err := r.local.Deliver(ctx, connectionID, msg)
	if !errors.Is(err, ErrGone) || r.remote == nil {
		return err
	}

	r.logger.Debug("本機無此連線，轉交遠端", "connection_id", connectionID)
	return r.remote.Deliver(ctx, connectionID, msg)
}
