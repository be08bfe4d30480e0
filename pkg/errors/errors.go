// Package errors 提供配對服務的錯誤分類
//
// 每個錯誤帶有錯誤碼，事件來源依錯誤碼決定回報 rejected 或 error。
package errors

import (
	"errors"
	"fmt"
)

// 錯誤碼
const (
	// ErrCodeNotFound 記錄不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeConflict 記錄已被其他處理器修改（版本不符或鍵已存在）
	ErrCodeConflict = "CONFLICT"
	// ErrCodeConnectionBusy 連線已擁有一筆記錄
	ErrCodeConnectionBusy = "CONNECTION_BUSY"
	// ErrCodeInvalidInput 缺少必要欄位或格式錯誤
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInvalidGame 遊戲 ID 無法解析
	ErrCodeInvalidGame = "INVALID_GAME"
	// ErrCodeGameFull 遊戲已有兩名玩家
	ErrCodeGameFull = "GAME_FULL"
	// ErrCodeGameNotReady 遊戲尚未配對完成
	ErrCodeGameNotReady = "GAME_NOT_READY"
	// ErrCodeNotInLobby 發送者不在大廳
	ErrCodeNotInLobby = "NOT_IN_LOBBY"
	// ErrCodePlayerUnavailable 邀請對象不在大廳
	ErrCodePlayerUnavailable = "PLAYER_UNAVAILABLE"
	// ErrCodeProtocolViolation 連線不屬於該遊戲
	ErrCodeProtocolViolation = "PROTOCOL_VIOLATION"
	// ErrCodeUnavailable 後端服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", e.Message, e.Details)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrXxx) 對同類錯誤成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本，預定義錯誤不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// CodeOf 取出錯誤鏈上的錯誤碼，非 AppError 回傳 ErrCodeInternal
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode 檢查錯誤鏈上是否有指定錯誤碼
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsConflict 檢查是否為並發衝突
func IsConflict(err error) bool {
	return HasCode(err, ErrCodeConflict)
}

// IsUnavailable 檢查是否為後端不可用
func IsUnavailable(err error) bool {
	return HasCode(err, ErrCodeUnavailable)
}
