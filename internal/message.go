package internal

import (
	"encoding/json"
	"fmt"
)

// 訊息類型（欄位名稱與前端約定一致，不可更改）
const (
	TypeJoinLobby           = "join-lobby"
	TypeStart               = "start"
	TypeLobbyInvite         = "lobby-invite"
	TypeLobbyInviteAccepted = "lobby-invite-accepted"
	TypeLobbyInviteDeclined = "lobby-invite-declined"

	TypeUpdatePlayers = "update-players"
	TypeInvalidGame   = "invalid-game"
	TypeBackToLobby   = "back-to-lobby"
	TypeDisconnect    = "disconnect"
	TypeRejected      = "rejected"
	TypeError         = "error"
)

// Envelope 所有訊息的外層結構
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PlayerData 玩家的對外資料（大廳列表、邀請雙方）
type PlayerData struct {
	PK             string `json:"PK,omitempty"`
	HostConnection string `json:"hostConnection"`
	Username       string `json:"username"`
}

// GameData 遊戲範圍訊息的 data
type GameData struct {
	GameID    string      `json:"gameId"`
	Username  string      `json:"username,omitempty"`
	HostData  *PlayerData `json:"hostData,omitempty"`
	GuestData *PlayerData `json:"guestData,omitempty"`
}

// LobbyData join-lobby 的 data
type LobbyData struct {
	Username string `json:"username"`
}

// PlayersData update-players 的 data
type PlayersData struct {
	Players []PlayerData `json:"players"`
}

// ReasonData rejected / error 的 data
type ReasonData struct {
	Reason string `json:"reason"`
}

// ParseEnvelope 解析客戶端訊息
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ErrInvalidInput.WithDetails(fmt.Sprintf("malformed message: %v", err))
	}
	if env.Type == "" {
		return nil, ErrInvalidInput.WithDetails("type is required")
	}
	return &env, nil
}

// GameData 解析遊戲範圍訊息的 data，要求 gameId 存在
func (e *Envelope) GameData() (*GameData, error) {
	var data GameData
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return nil, ErrInvalidInput.WithDetails(fmt.Sprintf("malformed data: %v", err))
		}
	}
	if data.GameID == "" {
		return nil, errMissingGameID
	}
	return &data, nil
}

// EncodeMessage 編碼伺服器送出的訊息
func EncodeMessage(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}
