package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/codes"

	"github.com/koopa0/system-design/14-checkers-matchmaking/pkg/telemetry"
)

// 系統設計問題：
//   多個服務實例共用同一個 Registry，但 WebSocket 連線只掛在接受它的實例上，
//   處理器要推送給別台機器上的連線時怎麼辦？
//
// 設計方案：
//   - 每個實例為自己持有的每條連線訂閱 {prefix}.deliver.{connectionID}
//   - 推送端發 request，持有者回覆 ok / gone
//   - 沒有任何訂閱者（nats.ErrNoResponders）代表連線已不存在，視為 gone

const (
	replyOK   = "ok"
	replyGone = "gone"
	replyErr  = "error"
)

// deliverSubject 連線的投遞主題
func deliverSubject(prefix, connectionID string) string {
	return prefix + ".deliver." + connectionID
}

// NATSDeliverer 透過 NATS request/reply 投遞到其他實例的連線
type NATSDeliverer struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSDeliverer 創建遠端投遞器
func NewNATSDeliverer(conn *nats.Conn, prefix string, timeout time.Duration, logger *slog.Logger) *NATSDeliverer {
	return &NATSDeliverer{
		conn:    conn,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger,
	}
}

// Deliver 實現 Deliverer 介面
func (d *NATSDeliverer) Deliver(ctx context.Context, connectionID string, msg []byte) error {
	if _, ok := ctx.Deadline(); !ok && d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	ctx, span, req := telemetry.StartClientSpan(ctx, deliverSubject(d.prefix, connectionID), msg)
	defer span.End()

	err := d.request(ctx, connectionID, req)
	if err != nil && !errors.Is(err, ErrGone) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *NATSDeliverer) request(ctx context.Context, connectionID string, req *nats.Msg) error {
	reply, err := d.conn.RequestMsgWithContext(ctx, req)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("%w: no instance owns %s", ErrGone, connectionID)
	}
	if err != nil {
		return fmt.Errorf("nats request to %s: %w", connectionID, err)
	}

	body := string(reply.Data)
	switch {
	case body == replyOK:
		return nil
	case body == replyGone:
		return fmt.Errorf("%w: %s", ErrGone, connectionID)
	default:
		return fmt.Errorf("remote delivery to %s failed: %s", connectionID, strings.TrimPrefix(body, replyErr+": "))
	}
}

// NATSBridge 把本機連線暴露給其他實例
//
// Hub 每註冊一條連線就呼叫 Attach，註銷時呼叫 Detach。
type NATSBridge struct {
	conn    *nats.Conn
	prefix  string
	local   Deliverer
	timeout time.Duration
	logger  *slog.Logger
	subs    map[string]*nats.Subscription
	mu      sync.Mutex
}

// NewNATSBridge 創建橋接器，local 通常是本機 Hub
func NewNATSBridge(conn *nats.Conn, prefix string, local Deliverer, timeout time.Duration, logger *slog.Logger) *NATSBridge {
	return &NATSBridge{
		conn:    conn,
		prefix:  prefix,
		local:   local,
		timeout: timeout,
		logger:  logger,
		subs:    make(map[string]*nats.Subscription),
	}
}

// Attach 訂閱連線的投遞主題
func (b *NATSBridge) Attach(connectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[connectionID]; ok {
		return nil
	}

	sub, err := b.conn.Subscribe(deliverSubject(b.prefix, connectionID), func(msg *nats.Msg) {
		b.handle(connectionID, msg)
	})
	if err != nil {
		return fmt.Errorf("訂閱投遞主題失敗: %w", err)
	}
	b.subs[connectionID] = sub

	// 確認伺服器已登記訂閱，其他實例立刻投遞也找得到
	if err := b.conn.FlushTimeout(b.timeout); err != nil {
		return fmt.Errorf("確認訂閱失敗: %w", err)
	}
	return nil
}

// Detach 取消訂閱，之後的投遞請求會得到 ErrNoResponders
func (b *NATSBridge) Detach(connectionID string) {
	b.mu.Lock()
	sub, ok := b.subs[connectionID]
	delete(b.subs, connectionID)
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		b.logger.Warn("取消訂閱失敗", "connection_id", connectionID, "error", err)
	}
}

// Close 取消所有訂閱
func (b *NATSBridge) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Detach(id)
	}
}

func (b *NATSBridge) handle(connectionID string, msg *nats.Msg) {
	ctx, span := telemetry.StartServerSpan(context.Background(), msg, "deliver "+connectionID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	reply := replyOK
	if err := b.local.Deliver(ctx, connectionID, msg.Data); err != nil {
		if errors.Is(err, ErrGone) {
			reply = replyGone
		} else {
			reply = replyErr + ": " + err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if err := msg.Respond([]byte(reply)); err != nil {
		b.logger.Warn("回覆投遞結果失敗", "connection_id", connectionID, "error", err)
	}
}
