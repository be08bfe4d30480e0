package internal

import (
	"context"
	"errors"

	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

// Status 事件處理結果
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// Outcome 回報給事件來源的結果
type Outcome struct {
	Status Status
	Reason string
	Err    error
}

// Accepted 事件已處理
func Accepted() Outcome {
	return Outcome{Status: StatusAccepted}
}

// rejectedCodes 屬於呼叫端問題的錯誤碼，回報 rejected 而非 error
var rejectedCodes = map[string]bool{
	apperrors.ErrCodeInvalidInput:      true,
	apperrors.ErrCodeInvalidGame:       true,
	apperrors.ErrCodeGameFull:          true,
	apperrors.ErrCodeGameNotReady:      true,
	apperrors.ErrCodeNotInLobby:        true,
	apperrors.ErrCodePlayerUnavailable: true,
	apperrors.ErrCodeProtocolViolation: true,
	apperrors.ErrCodeConnectionBusy:    true,
	apperrors.ErrCodeConflict:          true,
	apperrors.ErrCodeNotFound:          true,
}

// OutcomeOf 依錯誤碼分類
//
//   - nil → accepted
//   - 驗證、容量、協議、重試用盡的衝突 → rejected
//   - 儲存或傳輸失敗、逾時 → error
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Accepted()
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && rejectedCodes[appErr.Code] {
		reason := appErr.Message
		if appErr.Details != "" && appErr.Code != apperrors.ErrCodeGameFull {
			reason = appErr.Message + ": " + appErr.Details
		}
		return Outcome{Status: StatusRejected, Reason: reason, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Status: StatusError, Reason: "timeout", Err: err}
	}
	return Outcome{Status: StatusError, Reason: "internal error", Err: err}
}

// OK 是否成功
func (o Outcome) OK() bool {
	return o.Status == StatusAccepted
}
