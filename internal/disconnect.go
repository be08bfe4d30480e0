package internal

import (
	"context"
	"errors"
)

// Disconnect 連線中斷後的清理
//
//  1. 依 hostConnection、再依 guestConnection 找出連線擁有的記錄，沒有就直接成功
//  2. 條件刪除記錄（衝突時重讀重試）
//  3. 有對手時通知 disconnect，失敗只記錄不回報
//  4. 刪除的是大廳記錄時，廣播新的大廳名單
//
// 先刪除再通知，重試不會造成重複通知。
func (m *Matchmaker) Disconnect(ctx context.Context, connectionID string) error {
	var removed *Record
	err := retryOnConflict(ctx, m.config.ConflictRetries, func() error {
		removed = nil
		rec, err := findRecord(ctx, m.registry, connectionID)
		if err != nil || rec == nil {
			return err
		}
		if err := m.registry.Commit(ctx, Change{Remove: []*Record{rec}}); err != nil {
			return err
		}
		removed = rec
		return nil
	})
	if err != nil {
		return err
	}
	if removed == nil {
		return nil
	}

	m.logger.InfoContext(ctx, "連線記錄已清除", "record", removed.ID, "kind", removed.Kind)

	if removed.Kind == KindLobby {
		return m.presence.BroadcastPlayers(ctx)
	}

	peer := removed.GuestConnection
	if connectionID == removed.GuestConnection {
		peer = removed.HostConnection
	}
	if peer == "" {
		return nil
	}

	msg, err := EncodeMessage(TypeDisconnect, GameData{GameID: removed.GameID()})
	if err != nil {
		return err
	}
	if err := m.deliverer.Deliver(ctx, peer, msg); err != nil {
		m.logger.WarnContext(ctx, "通知對手斷線失敗", "peer", peer, "gone", errors.Is(err, ErrGone), "error", err)
	}
	return nil
}
