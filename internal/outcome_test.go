package internal_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/koopa0/system-design/14-checkers-matchmaking/internal"
	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

// TestOutcomeOf 錯誤分類
func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus internal.Status
		wantReason string
	}{
		{name: "success", err: nil, wantStatus: internal.StatusAccepted},
		{
			name:       "game full keeps the client-facing text",
			err:        internal.ErrGameFull.WithDetails("g1"),
			wantStatus: internal.StatusRejected,
			wantReason: "Game already has the maximum amount of players.",
		},
		{
			name:       "details are appended",
			err:        internal.ErrPlayerUnavailable.WithDetails("y"),
			wantStatus: internal.StatusRejected,
			wantReason: "player is not available: y",
		},
		{
			name:       "wrapped rejection",
			err:        fmt.Errorf("invite: %w", internal.ErrNotInLobby),
			wantStatus: internal.StatusRejected,
			wantReason: "connection is not waiting in the lobby",
		},
		{
			name:       "exhausted conflict",
			err:        internal.ErrVersionConflict,
			wantStatus: internal.StatusRejected,
			wantReason: "record changed concurrently",
		},
		{
			name:       "busy connection",
			err:        internal.ErrConnectionBusy,
			wantStatus: internal.StatusRejected,
			wantReason: "connection already owns a record",
		},
		{
			name:       "backend unavailable",
			err:        apperrors.Wrap(errors.New("dial tcp"), apperrors.ErrCodeUnavailable, "redis unavailable"),
			wantStatus: internal.StatusError,
			wantReason: "internal error",
		},
		{
			name:       "timeout",
			err:        fmt.Errorf("deliver: %w", context.DeadlineExceeded),
			wantStatus: internal.StatusError,
			wantReason: "timeout",
		},
		{
			name:       "unknown failure",
			err:        errors.New("boom"),
			wantStatus: internal.StatusError,
			wantReason: "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := internal.OutcomeOf(tt.err)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantReason, out.Reason)
			assert.Equal(t, tt.err, out.Err)
			assert.Equal(t, tt.err == nil, out.OK())
		})
	}
}
