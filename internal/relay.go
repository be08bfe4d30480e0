package internal

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

// Relay 把對局內訊息原樣轉給對手，不解讀內容
//
//   - 遊戲不存在：回送 invalid-game，回報 INVALID_GAME
//   - 發送者不屬於此遊戲：PROTOCOL_VIOLATION，不投遞
//   - 尚未配對完成：GAME_NOT_READY
//   - 對手 gone：依斷線流程清理對手
func (m *Matchmaker) Relay(ctx context.Context, gameID, senderConnection string, payload []byte) error {
	rec, err := m.registry.Get(ctx, GameKey(gameID))
	if apperrors.IsNotFound(err) {
		err = ErrInvalidGame.WithDetails(gameID)
		m.rejectGame(ctx, senderConnection, gameID, err)
		return err
	}
	if err != nil {
		return err
	}

	peer, err := rec.Peer(senderConnection)
	if err != nil {
		return err
	}
	if rec.Status != GameActive {
		return ErrGameNotReady
	}

	err = m.deliverer.Deliver(ctx, peer, payload)
	if errors.Is(err, ErrGone) {
		m.logger.WarnContext(ctx, "對手已離線，清理遊戲", "peer", peer)
		return m.Disconnect(ctx, peer)
	}
	if err != nil {
		return fmt.Errorf("relay to %s: %w", peer, err)
	}
	return nil
}
