package internal

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   配對核心只認得「連線 ID」與「投遞位元組」，誰負責把 WebSocket 轉成這兩個概念？
//
// 核心挑戰：
//   1. 事件來源：每條連線的建立、訊息、中斷各觸發一次處理器
//   2. 投遞能力：依連線 ID 推送，並能回報對方已不存在（gone）
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   4. 慢客戶端：緩衝區滿時不能拖住廣播
//
// 設計方案：
//   ✅ Hub 模式 - 以伺服器產生的 uuid 管理所有連線
//   ✅ Ping/Pong 心跳 - 預設 54s/60s
//   ✅ 緩衝 channel - 異步發送；滿了就關閉連線並回報 gone
//   ✅ 觀察者 - 連線註冊/註銷時通知（NATS 橋接用）

// HubConfig WebSocket 參數
type HubConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	MaxMessageSize  int64
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
}

// ConnectionObserver 關心連線生命週期的元件
type ConnectionObserver interface {
	Attach(connectionID string) error
	Detach(connectionID string)
}

// Hub WebSocket 連接中心，同時是事件來源與本機投遞器
//
// 系統設計考量：
//
//  1. 連接映射：map[connectionID]*Connection
//     - 連線 ID 是唯一的定址單位，配對狀態全部在 Registry
//
//  2. 並發安全：RWMutex
//     - 投遞頻繁（讀鎖），註冊/註銷少（寫鎖）
//     - 在讀鎖內送 channel、在寫鎖內關 channel，不會寫入已關閉的 channel
type Hub struct {
	handler     EventHandler
	config      HubConfig
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]*Connection
	observers   []ConnectionObserver
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// Connection WebSocket 連接
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub
	LastPing  time.Time
	mu        sync.Mutex
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// NewHub 創建 WebSocket Hub
func NewHub(config HubConfig, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
		},
		connections: make(map[string]*Connection),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetEventHandler 設定事件處理器（配對服務依賴 Hub 投遞，只能在建立後注入）
func (hub *Hub) SetEventHandler(handler EventHandler) {
	hub.handler = handler
}

// AddObserver 註冊連線生命週期觀察者
func (hub *Hub) AddObserver(observer ConnectionObserver) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.observers = append(hub.observers, observer)
}

// ServeWS 處理 WebSocket 連接
//
// 查詢參數 gameId / username 原樣交給 OnConnect；被拒絕時以
// policy violation 關閉幀回報原因，並觸發 OnDisconnect 清除已寫入的記錄。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if hub.handler == nil {
		http.Error(w, "服務尚未就緒", http.StatusServiceUnavailable)
		return
	}

	// 升級為 WebSocket 連接
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		ID:       uuid.NewString(),
		Conn:     conn,
		Send:     make(chan []byte, hub.config.SendBufferSize),
		Hub:      hub,
		LastPing: time.Now(),
	}

	// 先註冊再觸發 OnConnect，連線建立期間的廣播也送得到自己
	hub.register(connection)
	go connection.writePump()

	outcome := hub.handler.OnConnect(hub.ctx, connection.ID, r.URL.Query())
	if !outcome.OK() {
		code := websocket.ClosePolicyViolation
		if outcome.Status == StatusError {
			code = websocket.CloseInternalServerErr
		}
		hub.logger.Info("連線被拒絕",
			"connection_id", connection.ID,
			"status", outcome.Status,
			"reason", outcome.Reason)

		deadline := time.Now().Add(hub.config.WriteWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, outcome.Reason), deadline)
		hub.unregister(connection)

		// OnConnect 可能在失敗前已提交記錄（例如進入大廳後廣播失敗），照一般斷線清理
		if out := hub.handler.OnDisconnect(hub.ctx, connection.ID); !out.OK() {
			hub.logger.Warn("清除被拒連線失敗", "connection_id", connection.ID, "reason", out.Reason)
		}
		return
	}

	hub.wg.Add(1)
	go connection.readPump()

	hub.logger.Info("WebSocket 連接建立", "connection_id", connection.ID)
}

// Deliver 實現 Deliverer 介面
//
// 連線不在本機或緩衝區已滿都回報 ErrGone；後者會同時關閉連線。
func (hub *Hub) Deliver(ctx context.Context, connectionID string, msg []byte) error {
	hub.mu.RLock()
	conn, ok := hub.connections[connectionID]
	if !ok {
		hub.mu.RUnlock()
		return ErrGone
	}

	select {
	case conn.Send <- msg:
		hub.mu.RUnlock()
		return nil
	default:
		hub.mu.RUnlock()
	}

	// 連接緩衝區滿了，關閉連接
	hub.logger.Warn("連接緩衝區滿，關閉連線", "connection_id", connectionID)
	hub.unregister(conn)
	conn.Conn.Close()
	return ErrGone
}

// ConnectionCount 本機連線數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Shutdown 關閉所有連線並等待斷線處理完成
func (hub *Hub) Shutdown(ctx context.Context) error {
	hub.mu.Lock()
	conns := make([]*Connection, 0, len(hub.connections))
	for _, conn := range hub.connections {
		conns = append(conns, conn)
	}
	hub.mu.Unlock()

	for _, conn := range conns {
		// 先關閉 Send channel，再關閉連接
		hub.unregister(conn)
		conn.Conn.Close()
	}

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		hub.cancel()
		hub.logger.Info("WebSocket Hub 已停止")
		return nil
	case <-ctx.Done():
		hub.cancel()
		return ctx.Err()
	}
}

// register 註冊連接
func (hub *Hub) register(conn *Connection) {
	hub.mu.Lock()
	hub.connections[conn.ID] = conn
	observers := hub.observers
	hub.mu.Unlock()

	for _, o := range observers {
		if err := o.Attach(conn.ID); err != nil {
			hub.logger.Warn("通知連線註冊失敗", "connection_id", conn.ID, "error", err)
		}
	}
}

// unregister 取消註冊連接
func (hub *Hub) unregister(conn *Connection) {
	hub.mu.Lock()
	actual, exists := hub.connections[conn.ID]
	if !exists || actual != conn {
		hub.mu.Unlock()
		return
	}
	delete(hub.connections, conn.ID)
	// 使用 sync.Once 確保 channel 只關閉一次
	conn.closeOnce.Do(func() {
		close(conn.Send)
	})
	observers := hub.observers
	hub.mu.Unlock()

	for _, o := range observers {
		o.Detach(conn.ID)
	}
}

// reply 回報 rejected / error 給發送者
func (hub *Hub) reply(conn *Connection, outcome Outcome) {
	msgType := TypeRejected
	if outcome.Status == StatusError {
		msgType = TypeError
	}
	msg, err := EncodeMessage(msgType, ReasonData{Reason: outcome.Reason})
	if err != nil {
		hub.logger.Error("序列化回應失敗", "error", err)
		return
	}
	if err := hub.Deliver(hub.ctx, conn.ID, msg); err != nil {
		hub.logger.Debug("回應未送達", "connection_id", conn.ID, "error", err)
	}
}

// readPump 讀取客戶端消息
//
// 心跳機制（讀取端）：PongWait 內沒有收到任何消息（包括 Pong）就關閉連接；
// writePump 每 PingPeriod 送一次 Ping，正常情況下超時會被持續延長。
//
// 每個文字幀觸發一次 OnMessage，同一連線的訊息依序處理；
// 離開迴圈後觸發 OnDisconnect。
func (c *Connection) readPump() {
	hub := c.Hub
	defer func() {
		hub.unregister(c)
		c.Conn.Close()

		// Hub 關閉時 hub.ctx 已取消，斷線清理仍需完成
		outcome := hub.handler.OnDisconnect(context.Background(), c.ID)
		if !outcome.OK() {
			hub.logger.Warn("斷線清理未完成", "connection_id", c.ID, "reason", outcome.Reason)
		}
		hub.wg.Done()
	}()

	if hub.config.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(hub.config.MaxMessageSize)
	}
	if err := c.Conn.SetReadDeadline(time.Now().Add(hub.config.PongWait)); err != nil {
		hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	// Pong 處理器（收到 Pong 重置超時）
	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(hub.config.PongWait)); err != nil {
			hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.ID)
			}
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}

		outcome := hub.handler.OnMessage(hub.ctx, c.ID, message)
		if !outcome.OK() {
			hub.reply(c, outcome)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 心跳機制（發送端）：每 PingPeriod 送出 Ping，客戶端自動回覆 Pong，
// readPump 收到後重置超時。Send 被關閉時送出正常關閉幀後結束。
func (c *Connection) writePump() {
	hub := c.Hub
	ticker := time.NewTicker(hub.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(hub.config.WriteWait)); err != nil {
				hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，優雅關閉連接（連接可能已關閉，忽略錯誤）
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 每則訊息獨立成幀，客戶端以幀為單位解析 JSON
			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					return
				}
				if err := c.Conn.WriteMessage(websocket.TextMessage, next); err != nil {
					hub.logger.Error("發送消息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			// 發送 ping
			if err := c.Conn.SetWriteDeadline(time.Now().Add(hub.config.WriteWait)); err != nil {
				hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
