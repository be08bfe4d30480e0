package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
	"github.com/koopa0/system-design/14-checkers-matchmaking/pkg/logger"
	"github.com/koopa0/system-design/14-checkers-matchmaking/pkg/telemetry"
)

// 系統設計問題：
//   每個事件由獨立的執行單元處理，彼此不共享記憶體，只透過 Registry 交換狀態，
//   如何讓「邀請 → 接受 / 拒絕」「直接連結配對」「斷線清理」在並發下保持一致？
//
// 設計方案：
//   - 每次轉換 = 讀取 → 純函數計算新記錄 → Registry.Commit（版本號 CAS）
//   - 衝突時重讀重試，次數有限，用盡回報 rejected
//   - 推送放在提交之後，gone 觸發與斷線相同的清理

// EventHandler 事件來源呼叫的三個入口
type EventHandler interface {
	OnConnect(ctx context.Context, connectionID string, params url.Values) Outcome
	OnDisconnect(ctx context.Context, connectionID string) Outcome
	OnMessage(ctx context.Context, connectionID string, body []byte) Outcome
}

// MatchmakerConfig 配對服務參數
type MatchmakerConfig struct {
	ConflictRetries int           // 版本衝突時的最大嘗試次數
	EventTimeout    time.Duration // 單一事件的處理上限，0 表示不限
	Metrics         *Metrics      // nil 時不記錄指標
}

// Matchmaker 配對狀態機，實作 EventHandler
type Matchmaker struct {
	registry  Registry
	deliverer Deliverer
	presence  *Presence
	config    MatchmakerConfig
	logger    *slog.Logger
}

// NewMatchmaker 創建配對服務
func NewMatchmaker(registry Registry, deliverer Deliverer, presence *Presence, config MatchmakerConfig, logger *slog.Logger) *Matchmaker {
	if config.ConflictRetries < 1 {
		config.ConflictRetries = 1
	}
	return &Matchmaker{
		registry:  registry,
		deliverer: deliverer,
		presence:  presence,
		config:    config,
		logger:    logger,
	}
}

// OnConnect 新連線建立
func (m *Matchmaker) OnConnect(ctx context.Context, connectionID string, params url.Values) Outcome {
	ev := m.begin(ctx, "connect", connectionID)
	defer ev.cancel()

	gameID := params.Get("gameId")
	if gameID != "" {
		ev.ctx = logger.WithGameID(ev.ctx, gameID)
		ev.span.SetAttributes(attribute.String("game_id", gameID))
	}
	err := m.Connect(ev.ctx, connectionID, gameID, params.Get("username"))
	return m.report(ev, err)
}

// OnDisconnect 連線中斷
func (m *Matchmaker) OnDisconnect(ctx context.Context, connectionID string) Outcome {
	ev := m.begin(ctx, "disconnect", connectionID)
	defer ev.cancel()

	err := m.Disconnect(ev.ctx, connectionID)
	return m.report(ev, err)
}

// OnMessage 收到客戶端訊息
func (m *Matchmaker) OnMessage(ctx context.Context, connectionID string, body []byte) Outcome {
	ev := m.begin(ctx, "message", connectionID)
	defer ev.cancel()

	env, err := ParseEnvelope(body)
	if err != nil {
		return m.report(ev, err)
	}
	ev.name = eventName(env.Type)
	ev.span.SetName("matchmaking." + ev.name)
	err = m.HandleMessage(ev.ctx, connectionID, env, body)
	return m.report(ev, err)
}

// eventName 訊息類型對應的事件名稱，未知類型都是轉發，統一記為 relay
func eventName(msgType string) string {
	switch msgType {
	case TypeJoinLobby, TypeStart, TypeLobbyInvite, TypeLobbyInviteAccepted, TypeLobbyInviteDeclined:
		return msgType
	default:
		return "relay"
	}
}

// event 單一事件的處理範圍
type event struct {
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	name    string
	started time.Time
}

func (m *Matchmaker) begin(ctx context.Context, name, connectionID string) *event {
	ctx = logger.WithRequestID(ctx, uuid.NewString())
	ctx = logger.WithConnectionID(ctx, connectionID)
	ctx, span := telemetry.Tracer().Start(ctx, "matchmaking."+name,
		trace.WithAttributes(attribute.String("connection_id", connectionID)),
	)

	var cancel context.CancelFunc
	if m.config.EventTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.config.EventTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	return &event{ctx: ctx, cancel: cancel, span: span, name: name, started: time.Now()}
}

func (m *Matchmaker) report(ev *event, err error) Outcome {
	ctx := ev.ctx
	outcome := OutcomeOf(err)
	switch outcome.Status {
	case StatusAccepted:
		m.logger.DebugContext(ctx, "事件已處理", "event", ev.name)
	case StatusRejected:
		m.logger.InfoContext(ctx, "事件被拒絕", "event", ev.name, "reason", outcome.Reason, "code", apperrors.CodeOf(err))
	default:
		m.logger.ErrorContext(ctx, "事件處理失敗", "event", ev.name, "error", err)
		ev.span.RecordError(err)
		ev.span.SetStatus(codes.Error, outcome.Reason)
	}

	ev.span.SetAttributes(attribute.String("status", string(outcome.Status)))
	ev.span.End()
	// 逾時的 ctx 已取消，指標改用不帶期限的 ctx 記錄
	m.config.Metrics.recordEvent(context.WithoutCancel(ctx), ev.name, outcome.Status, time.Since(ev.started))
	return outcome
}

// HandleMessage 依訊息類型分派
//
// 未知類型一律視為對局內訊息，原樣轉發給對手。
func (m *Matchmaker) HandleMessage(ctx context.Context, connectionID string, env *Envelope, body []byte) error {
	if env.Type == TypeJoinLobby {
		var data LobbyData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return ErrInvalidInput.WithDetails(fmt.Sprintf("malformed data: %v", err))
			}
		}
		return m.JoinLobby(ctx, connectionID, data.Username)
	}

	data, err := env.GameData()
	if err != nil {
		return err
	}
	ctx = logger.WithGameID(ctx, data.GameID)

	switch env.Type {
	case TypeStart:
		return m.Start(ctx, connectionID, data)
	case TypeLobbyInvite:
		return m.Invite(ctx, connectionID, data)
	case TypeLobbyInviteAccepted:
		return m.Accept(ctx, connectionID, data)
	case TypeLobbyInviteDeclined:
		return m.Decline(ctx, connectionID, data)
	default:
		return m.Relay(ctx, data.GameID, connectionID, body)
	}
}

// Connect 處理連線參數
//
//   - gameId：直接連結，建立等待中的遊戲或以客人身分加入
//   - username：進入大廳
//   - 都沒有：不建立記錄，之後可再送 join-lobby
func (m *Matchmaker) Connect(ctx context.Context, connectionID, gameID, username string) error {
	if connectionID == "" {
		return errMissingConnection
	}
	switch {
	case gameID != "":
		return m.joinDirect(ctx, connectionID, gameID, username)
	case username != "":
		return m.JoinLobby(ctx, connectionID, username)
	default:
		return nil
	}
}

// joinDirect 直接連結：第一個連線成為房主，第二個成為客人，第三個被拒絕
func (m *Matchmaker) joinDirect(ctx context.Context, connectionID, gameID, username string) error {
	var joined *Record
	err := retryOnConflict(ctx, m.config.ConflictRetries, func() error {
		joined = nil
		rec, err := m.registry.Get(ctx, GameKey(gameID))
		if apperrors.IsNotFound(err) {
			game, err := NewDirectGame(gameID, connectionID, username)
			if err != nil {
				return err
			}
			return m.registry.Commit(ctx, Change{Create: []*Record{game}})
		}
		if err != nil {
			return err
		}

		next, err := rec.JoinAsGuest(connectionID, username)
		if err != nil {
			return err
		}
		if err := m.registry.Commit(ctx, Change{Replace: []*Record{next}}); err != nil {
			return err
		}
		joined = next
		return nil
	})
	if err != nil {
		return err
	}

	if joined != nil {
		m.logger.InfoContext(ctx, "客人透過連結加入遊戲", "host", joined.HostConnection)
	} else {
		m.logger.InfoContext(ctx, "透過連結建立遊戲")
	}
	return nil
}

// JoinLobby 連線宣告自己可以配對
func (m *Matchmaker) JoinLobby(ctx context.Context, connectionID, username string) error {
	lobby, err := NewLobbyRecord(connectionID, username)
	if err != nil {
		return err
	}

	err = m.registry.Commit(ctx, Change{Create: []*Record{lobby}})
	if errors.Is(err, ErrRecordExists) {
		return ErrConnectionBusy.WithDetails("already in lobby")
	}
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "玩家進入大廳", "username", username)
	return m.presence.BroadcastPlayers(ctx)
}

// Invite 大廳邀請：兩筆大廳記錄合併成一筆邀請中的遊戲
func (m *Matchmaker) Invite(ctx context.Context, connectionID string, data *GameData) error {
	if data.GuestData == nil || data.GuestData.HostConnection == "" {
		return ErrInvalidInput.WithDetails("guestData.hostConnection is required")
	}
	target := data.GuestData.HostConnection

	var game *Record
	err := retryOnConflict(ctx, m.config.ConflictRetries, func() error {
		inviter, err := m.registry.Get(ctx, LobbyKey(connectionID))
		if apperrors.IsNotFound(err) {
			return ErrNotInLobby
		}
		if err != nil {
			return err
		}
		invitee, err := m.registry.Get(ctx, LobbyKey(target))
		if apperrors.IsNotFound(err) {
			return ErrPlayerUnavailable.WithDetails(target)
		}
		if err != nil {
			return err
		}

		_, err = m.registry.Get(ctx, GameKey(data.GameID))
		if err == nil {
			return ErrInvalidGame.WithDetails("gameId already in use")
		}
		if !apperrors.IsNotFound(err) {
			return err
		}

		next, err := NewInvitedGame(data.GameID, inviter, invitee)
		if err != nil {
			return err
		}
		if err := m.registry.Commit(ctx, Change{
			Remove: []*Record{inviter, invitee},
			Create: []*Record{next},
		}); err != nil {
			return err
		}
		game = next
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "邀請已建立", "target", target)

	msg, err := EncodeMessage(TypeLobbyInvite, gameMessage(game))
	if err != nil {
		return err
	}
	if err := m.deliverer.Deliver(ctx, target, msg); err != nil {
		return m.withdrawInvite(ctx, game, err)
	}
	return m.presence.BroadcastPlayers(ctx)
}

// withdrawInvite 邀請送不出去時撤回
//
// 對方 gone：只讓邀請者回到大廳，回報 PLAYER_UNAVAILABLE。
// 其他失敗：雙方都回到大廳，錯誤往上傳。
func (m *Matchmaker) withdrawInvite(ctx context.Context, game *Record, cause error) error {
	gone := errors.Is(cause, ErrGone)
	m.logger.WarnContext(ctx, "邀請投遞失敗，撤回邀請", "target", game.GuestConnection, "gone", gone, "error", cause)

	err := retryOnConflict(ctx, m.config.ConflictRetries, func() error {
		cur, err := m.registry.Get(ctx, game.ID)
		if apperrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status != GameInvited || cur.HostConnection != game.HostConnection || cur.GuestConnection != game.GuestConnection {
			// 已被接受、拒絕或清除，不再是這次的邀請
			return nil
		}

		change := Change{Remove: []*Record{cur}}
		hostLobby, err := NewLobbyRecord(cur.HostConnection, cur.HostName)
		if err != nil {
			return err
		}
		change.Create = append(change.Create, hostLobby)
		if !gone {
			guestLobby, err := NewLobbyRecord(cur.GuestConnection, cur.GuestName)
			if err != nil {
				return err
			}
			change.Create = append(change.Create, guestLobby)
		}
		return m.registry.Commit(ctx, change)
	})
	if err != nil {
		return fmt.Errorf("withdraw invite: %w", err)
	}
	if bErr := m.presence.BroadcastPlayers(ctx); bErr != nil {
		return bErr
	}

	if gone {
		return ErrPlayerUnavailable.WithDetails(game.GuestConnection)
	}
	return fmt.Errorf("deliver lobby-invite: %w", cause)
}

// Accept 被邀請者接受：遊戲轉為 active，通知邀請者開始
func (m *Matchmaker) Accept(ctx context.Context, connectionID string, data *GameData) error {
	var game *Record
	err := retryOnConflict(ctx, m.config.ConflictRetries, func() error {
		rec, err := m.registry.Get(ctx, GameKey(data.GameID))
		if apperrors.IsNotFound(err) {
			return ErrInvalidGame.WithDetails(data.GameID)
		}
		if err != nil {
			return err
		}
		next, err := rec.Accept(connectionID)
		if err != nil {
			return err
		}
		if err := m.registry.Commit(ctx, Change{Replace: []*Record{next}}); err != nil {
			return err
		}
		game = next
		return nil
	})
	if err != nil {
		m.rejectGame(ctx, connectionID, data.GameID, err)
		return err
	}

	m.logger.InfoContext(ctx, "邀請已接受", "host", game.HostConnection)
	return m.sendStart(ctx, game)
}

// Decline 被邀請者拒絕：刪除遊戲，雙方回到大廳
//
// 遊戲已不存在時（例如邀請者已斷線），只讓拒絕者回到大廳。
func (m *Matchmaker) Decline(ctx context.Context, connectionID string, data *GameData) error {
	var inviter string
	err := retryOnConflict(ctx, m.config.ConflictRetries, func() error {
		inviter = ""
		rec, err := m.registry.Get(ctx, GameKey(data.GameID))
		if err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		if err == nil {
			hostLobby, guestLobby, err := rec.Decline(connectionID)
			if err != nil {
				return err
			}
			if err := m.registry.Commit(ctx, Change{
				Remove: []*Record{rec},
				Create: []*Record{hostLobby, guestLobby},
			}); err != nil {
				return err
			}
			inviter = rec.HostConnection
			return nil
		}

		_, err = m.registry.Get(ctx, LobbyKey(connectionID))
		if err == nil {
			return nil
		}
		if !apperrors.IsNotFound(err) {
			return err
		}
		lobby, err := NewLobbyRecord(connectionID, declinerName(data))
		if err != nil {
			return err
		}
		return m.registry.Commit(ctx, Change{Create: []*Record{lobby}})
	})
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "邀請已拒絕", "inviter", inviter)

	if err := m.notify(ctx, connectionID, TypeBackToLobby, GameData{GameID: data.GameID}); err != nil {
		return err
	}
	if inviter != "" {
		if err := m.notify(ctx, inviter, TypeLobbyInviteDeclined, GameData{GameID: data.GameID}); err != nil {
			return err
		}
	}
	return m.presence.BroadcastPlayers(ctx)
}

// Start 客人確認開始，通知房主
func (m *Matchmaker) Start(ctx context.Context, connectionID string, data *GameData) error {
	rec, err := m.registry.Get(ctx, GameKey(data.GameID))
	if apperrors.IsNotFound(err) {
		err = ErrInvalidGame.WithDetails(data.GameID)
	}
	if err == nil && rec.GuestConnection != connectionID {
		err = ErrInvalidGame.WithDetails("start must come from the guest")
	}
	if err != nil {
		m.rejectGame(ctx, connectionID, data.GameID, err)
		return err
	}
	if rec.Status != GameActive {
		return ErrGameNotReady
	}
	return m.sendStart(ctx, rec)
}

// sendStart 通知房主開始；房主 gone 時依斷線流程清理
func (m *Matchmaker) sendStart(ctx context.Context, game *Record) error {
	msg, err := EncodeMessage(TypeStart, gameMessage(game))
	if err != nil {
		return err
	}
	err = m.deliverer.Deliver(ctx, game.HostConnection, msg)
	if errors.Is(err, ErrGone) {
		m.logger.WarnContext(ctx, "房主已離線，清理遊戲", "host", game.HostConnection)
		return m.Disconnect(ctx, game.HostConnection)
	}
	return err
}

// notify 盡力通知；對方 gone 時依斷線流程清理，其他錯誤往上傳
func (m *Matchmaker) notify(ctx context.Context, connectionID, msgType string, data any) error {
	msg, err := EncodeMessage(msgType, data)
	if err != nil {
		return err
	}
	err = m.deliverer.Deliver(ctx, connectionID, msg)
	if errors.Is(err, ErrGone) {
		m.logger.WarnContext(ctx, "通知對象已離線", "type", msgType, "target", connectionID)
		return m.Disconnect(ctx, connectionID)
	}
	return err
}

// rejectGame 遊戲 ID 無法解析時回送 invalid-game
func (m *Matchmaker) rejectGame(ctx context.Context, connectionID, gameID string, err error) {
	if !apperrors.HasCode(err, apperrors.ErrCodeInvalidGame) {
		return
	}
	msg, encErr := EncodeMessage(TypeInvalidGame, GameData{GameID: gameID})
	if encErr != nil {
		return
	}
	if dErr := m.deliverer.Deliver(ctx, connectionID, msg); dErr != nil {
		m.logger.WarnContext(ctx, "回送 invalid-game 失敗", "error", dErr)
	}
}

func gameMessage(game *Record) GameData {
	host := game.HostPlayer()
	guest := game.GuestPlayer()
	return GameData{
		GameID:    game.GameID(),
		HostData:  &host,
		GuestData: &guest,
	}
}

func declinerName(data *GameData) string {
	if data.Username != "" {
		return data.Username
	}
	if data.GuestData != nil {
		return data.GuestData.Username
	}
	return ""
}
