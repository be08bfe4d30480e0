package internal

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

// 系統設計問題：
//   大廳與對局分散在多個獨立處理器中修改，如何讓狀態轉換保持一致？
//
// 設計方案：
//   - Kind 是唯一的判別欄位（lobby / game），不以欄位是否存在推斷型別
//   - game 內再以 Status 區分 waiting / invited / active
//   - 轉換函數是純函數：輸入舊記錄，輸出新記錄，由 Registry.Commit 以版本號原子寫入
//
// 狀態轉換：
//
//	lobby(A) + lobby(B) --invite--> game(invited, host=A, guest=B)
//	game(invited) --accept--> game(active)
//	game(invited) --decline--> lobby(A) + lobby(B)
//	(無記錄) --connect gameId--> game(waiting, host=A) --connect gameId--> game(active, guest=B)
//	任何記錄 --disconnect--> 刪除

// Kind 記錄類型
type Kind string

const (
	KindLobby Kind = "lobby" // 大廳等待中
	KindGame  Kind = "game"  // 遊戲（等待中、邀請中或進行中）
)

// GameStatus game 記錄的子狀態
type GameStatus string

const (
	GameWaiting GameStatus = "waiting" // 直接連結建立，只有房主
	GameInvited GameStatus = "invited" // 大廳邀請已送出，等待對方回覆
	GameActive  GameStatus = "active"  // 雙方已配對
)

const (
	lobbyKeyPrefix = "lobby#"
	gameKeyPrefix  = "game#"
)

var (
	ErrInvalidInput       = apperrors.New(apperrors.ErrCodeInvalidInput, "invalid input")
	ErrInvalidGame        = apperrors.New(apperrors.ErrCodeInvalidGame, "invalid game")
	ErrGameFull           = apperrors.New(apperrors.ErrCodeGameFull, "Game already has the maximum amount of players.")
	ErrGameNotReady       = apperrors.New(apperrors.ErrCodeGameNotReady, "game is not paired yet")
	ErrNotInLobby         = apperrors.New(apperrors.ErrCodeNotInLobby, "connection is not waiting in the lobby")
	ErrPlayerUnavailable  = apperrors.New(apperrors.ErrCodePlayerUnavailable, "player is not available")
	ErrProtocolViolation  = apperrors.New(apperrors.ErrCodeProtocolViolation, "connection is not a player of this game")
	ErrInvalidTransition  = apperrors.New(apperrors.ErrCodeInvalidGame, "transition not allowed in current state")
	errMissingConnection  = ErrInvalidInput.WithDetails("connection id is required")
	errMissingGameID      = ErrInvalidInput.WithDetails("gameId is required")
	errSelfInvite         = ErrInvalidInput.WithDetails("cannot invite yourself")
	errGuestEqualsHost    = ErrInvalidInput.WithDetails("guest connection equals host connection")
	errUnexpectedLobbyKey = ErrInvalidInput.WithDetails("lobby record must not have a guest")
)

// Record 唯一的持久化實體：大廳席位或一局遊戲
//
// 不變量：
//   - 每個連線最多出現在一筆記錄的 hostConnection 或 guestConnection
//   - lobby 記錄沒有 guestConnection
//   - game 記錄一旦有兩名玩家，成員不再變動
type Record struct {
	ID              string     `json:"PK"`
	Kind            Kind       `json:"itemType"`
	Status          GameStatus `json:"status,omitempty"`
	HostConnection  string     `json:"hostConnection"`
	GuestConnection string     `json:"guestConnection,omitempty"`
	HostName        string     `json:"hostName"`
	GuestName       string     `json:"guestName,omitempty"`
	Version         int64      `json:"version"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// LobbyKey 由連線 ID 推導大廳記錄的主鍵
func LobbyKey(connectionID string) string {
	return lobbyKeyPrefix + connectionID
}

// GameKey 由客戶端提供的遊戲 ID 推導遊戲記錄的主鍵
func GameKey(gameID string) string {
	return gameKeyPrefix + gameID
}

// NewLobbyRecord 創建大廳記錄
func NewLobbyRecord(connectionID, username string) (*Record, error) {
	if connectionID == "" {
		return nil, errMissingConnection
	}
	return &Record{
		ID:             LobbyKey(connectionID),
		Kind:           KindLobby,
		HostConnection: connectionID,
		HostName:       username,
		UpdatedAt:      time.Now(),
	}, nil
}

// NewDirectGame 以直接連結的遊戲 ID 創建只有房主的遊戲
func NewDirectGame(gameID, connectionID, username string) (*Record, error) {
	if gameID == "" {
		return nil, errMissingGameID
	}
	if connectionID == "" {
		return nil, errMissingConnection
	}
	return &Record{
		ID:             GameKey(gameID),
		Kind:           KindGame,
		Status:         GameWaiting,
		HostConnection: connectionID,
		HostName:       username,
		UpdatedAt:      time.Now(),
	}, nil
}

// NewInvitedGame 把兩筆大廳記錄合併成一筆邀請中的遊戲
func NewInvitedGame(gameID string, inviter, invitee *Record) (*Record, error) {
	if gameID == "" {
		return nil, errMissingGameID
	}
	if inviter == nil || inviter.Kind != KindLobby {
		return nil, ErrNotInLobby
	}
	if invitee == nil || invitee.Kind != KindLobby {
		return nil, ErrPlayerUnavailable
	}
	if inviter.HostConnection == invitee.HostConnection {
		return nil, errSelfInvite
	}
	return &Record{
		ID:              GameKey(gameID),
		Kind:            KindGame,
		Status:          GameInvited,
		HostConnection:  inviter.HostConnection,
		GuestConnection: invitee.HostConnection,
		HostName:        inviter.HostName,
		GuestName:       invitee.HostName,
		UpdatedAt:       time.Now(),
	}, nil
}

// Clone 複製記錄
func (r *Record) Clone() *Record {
	cp := *r
	return &cp
}

// GameID 去掉主鍵前綴後的遊戲 ID，大廳記錄回傳空字串
func (r *Record) GameID() string {
	if r.Kind != KindGame {
		return ""
	}
	return strings.TrimPrefix(r.ID, gameKeyPrefix)
}

// IsPaired 是否已有兩名玩家
func (r *Record) IsPaired() bool {
	return r.Kind == KindGame && r.GuestConnection != ""
}

// Connections 記錄佔用的連線
func (r *Record) Connections() []string {
	if r.GuestConnection == "" {
		return []string{r.HostConnection}
	}
	return []string{r.HostConnection, r.GuestConnection}
}

// Validate 檢查記錄本身的不變量
func (r *Record) Validate() error {
	if r.ID == "" {
		return ErrInvalidInput.WithDetails("record id is required")
	}
	if r.HostConnection == "" {
		return errMissingConnection
	}
	switch r.Kind {
	case KindLobby:
		if r.GuestConnection != "" {
			return errUnexpectedLobbyKey
		}
		if r.Status != "" {
			return ErrInvalidInput.WithDetails("lobby record has no status")
		}
	case KindGame:
		if r.GuestConnection == r.HostConnection {
			return errGuestEqualsHost
		}
		switch r.Status {
		case GameWaiting:
			if r.GuestConnection != "" {
				return ErrInvalidInput.WithDetails("waiting game must not have a guest")
			}
		case GameInvited, GameActive:
			if r.GuestConnection == "" {
				return ErrInvalidInput.WithDetails(fmt.Sprintf("%s game requires a guest", r.Status))
			}
		default:
			return ErrInvalidInput.WithDetails(fmt.Sprintf("unknown game status %q", r.Status))
		}
	default:
		return ErrInvalidInput.WithDetails(fmt.Sprintf("unknown record kind %q", r.Kind))
	}
	return nil
}

// JoinAsGuest 第二個連線透過直接連結加入：waiting → active
func (r *Record) JoinAsGuest(connectionID, username string) (*Record, error) {
	if connectionID == "" {
		return nil, errMissingConnection
	}
	if r.Kind != KindGame {
		return nil, ErrInvalidGame
	}
	if r.GuestConnection != "" {
		return nil, ErrGameFull
	}
	if r.HostConnection == connectionID {
		return nil, errGuestEqualsHost
	}
	if r.Status != GameWaiting {
		return nil, ErrInvalidTransition
	}

	next := r.Clone()
	next.GuestConnection = connectionID
	next.GuestName = username
	next.Status = GameActive
	next.UpdatedAt = time.Now()
	return next, nil
}

// Accept 被邀請者接受邀請：invited → active
func (r *Record) Accept(connectionID string) (*Record, error) {
	if r.Kind != KindGame {
		return nil, ErrInvalidGame
	}
	if r.GuestConnection != connectionID {
		return nil, ErrProtocolViolation
	}
	if r.Status != GameInvited {
		return nil, ErrInvalidTransition
	}

	next := r.Clone()
	next.Status = GameActive
	next.UpdatedAt = time.Now()
	return next, nil
}

// Decline 被邀請者拒絕邀請：invited → 兩筆大廳記錄（房主、拒絕者）
func (r *Record) Decline(connectionID string) (inviter, decliner *Record, err error) {
	if r.Kind != KindGame {
		return nil, nil, ErrInvalidGame
	}
	if r.GuestConnection != connectionID {
		return nil, nil, ErrProtocolViolation
	}
	if r.Status != GameInvited {
		return nil, nil, ErrInvalidTransition
	}

	inviter, err = NewLobbyRecord(r.HostConnection, r.HostName)
	if err != nil {
		return nil, nil, err
	}
	decliner, err = NewLobbyRecord(r.GuestConnection, r.GuestName)
	if err != nil {
		return nil, nil, err
	}
	return inviter, decliner, nil
}

// Peer 回傳另一方的連線；發送者不屬於此遊戲時回傳 ErrProtocolViolation
func (r *Record) Peer(connectionID string) (string, error) {
	if r.Kind != KindGame {
		return "", ErrInvalidGame
	}
	switch connectionID {
	case r.HostConnection:
		if r.GuestConnection == "" {
			return "", ErrGameNotReady
		}
		return r.GuestConnection, nil
	case r.GuestConnection:
		if connectionID == "" {
			return "", errMissingConnection
		}
		return r.HostConnection, nil
	default:
		return "", ErrProtocolViolation
	}
}

// HostPlayer 房主的對外資料
func (r *Record) HostPlayer() PlayerData {
	return PlayerData{
		PK:             r.ID,
		HostConnection: r.HostConnection,
		Username:       r.HostName,
	}
}

// GuestPlayer 客人的對外資料
func (r *Record) GuestPlayer() PlayerData {
	return PlayerData{
		PK:             r.ID,
		HostConnection: r.GuestConnection,
		Username:       r.GuestName,
	}
}
