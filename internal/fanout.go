package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

// Presence 大廳廣播
//
// 對每位大廳成員並發投遞，並發數由 concurrency 限制：
//   - 對方 gone：依 hostConnection 找到仍在大廳的記錄並條件刪除，繼續投遞其他人
//   - 其他失敗：取消其餘投遞，錯誤回傳給呼叫端
//
// 投遞順序不保證。
type Presence struct {
	registry    Registry
	deliverer   Deliverer
	concurrency int
	retries     int
	metrics     *Metrics
	logger      *slog.Logger
}

// NewPresence 創建大廳廣播
func NewPresence(registry Registry, deliverer Deliverer, concurrency, retries int, logger *slog.Logger) *Presence {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Presence{
		registry:    registry,
		deliverer:   deliverer,
		concurrency: concurrency,
		retries:     retries,
		logger:      logger,
	}
}

// WithMetrics 設定清除離線記錄的計數
func (p *Presence) WithMetrics(metrics *Metrics) *Presence {
	p.metrics = metrics
	return p
}

// NotifyLobby 把 msg 送給所有大廳成員
func (p *Presence) NotifyLobby(ctx context.Context, msg []byte) error {
	members, err := p.registry.ListByKind(ctx, KindLobby)
	if err != nil {
		return fmt.Errorf("list lobby: %w", err)
	}
	return p.fanout(ctx, members, msg)
}

// BroadcastPlayers 送出最新的大廳名單（update-players）
func (p *Presence) BroadcastPlayers(ctx context.Context) error {
	members, err := p.registry.ListByKind(ctx, KindLobby)
	if err != nil {
		return fmt.Errorf("list lobby: %w", err)
	}

	msg, err := EncodeMessage(TypeUpdatePlayers, PlayersData{Players: LobbyPlayers(members)})
	if err != nil {
		return err
	}
	return p.fanout(ctx, members, msg)
}

// LobbyPlayers 大廳名單的對外格式，依主鍵排序
func LobbyPlayers(members []*Record) []PlayerData {
	players := make([]PlayerData, 0, len(members))
	for _, m := range members {
		if m.Kind != KindLobby {
			continue
		}
		players = append(players, m.HostPlayer())
	}
	slices.SortFunc(players, func(a, b PlayerData) int {
		return strings.Compare(a.PK, b.PK)
	})
	return players
}

func (p *Presence) fanout(ctx context.Context, members []*Record, msg []byte) error {
	if len(members) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var reaped atomic.Int64
	for _, m := range members {
		conn := m.HostConnection
		g.Go(func() error {
			err := p.deliverer.Deliver(gctx, conn, msg)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrGone) {
				return fmt.Errorf("deliver to %s: %w", conn, err)
			}

			p.logger.Warn("大廳成員已離線，清除記錄", "connection_id", conn)
			removed, err := p.reap(gctx, conn)
			if err != nil {
				return err
			}
			if removed {
				reaped.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	p.metrics.recordReaped(ctx, reaped.Load())
	p.logger.Debug("大廳廣播完成",
		"recipients", len(members),
		"reaped", reaped.Load(),
		"error", err)
	return err
}

// reap 條件刪除 hostConnection 為 conn 的大廳記錄
//
// 記錄在讀取後被其他處理器改過時重讀再試；次數用盡代表別人正在處理它，放棄即可。
// 連線已離開大廳（邀請中或已配對）時不動它，由 Disconnect 刪除並通知對手。
func (p *Presence) reap(ctx context.Context, conn string) (bool, error) {
	removed := false
	err := retryOnConflict(ctx, p.retries, func() error {
		rec, err := p.registry.FindByHostConnection(ctx, conn)
		if apperrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Kind != KindLobby {
			p.logger.Debug("離線連線已不在大廳，留給斷線處理", "connection_id", conn, "record", rec.ID)
			return nil
		}
		if err := p.registry.Commit(ctx, Change{Remove: []*Record{rec}}); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if apperrors.IsConflict(err) {
		p.logger.Warn("清除離線記錄時持續衝突，略過", "connection_id", conn)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reap %s: %w", conn, err)
	}
	return removed, nil
}
