package internal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-checkers-matchmaking/internal"
	"github.com/koopa0/system-design/14-checkers-matchmaking/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

func doRequest(t *testing.T, handler http.Handler, method, path string, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

// TestHandler_Lobby 測試大廳名單 API
func TestHandler_Lobby(t *testing.T) {
	h := newHarness(t)
	routes := internal.NewHandler(h.registry, nil, testutils.TestLogger()).Routes()

	rec, body := doRequest(t, routes, http.MethodGet, "/api/v1/lobby", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, float64(0), body["total"])
	assert.Empty(t, body["players"])

	h.joinLobby(t, "b", "a")
	require.True(t, h.connect(t, "h", url.Values{"gameId": {"g"}}).OK())

	rec, body = doRequest(t, routes, http.MethodGet, "/api/v1/lobby", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["total"])

	players, ok := body["players"].([]any)
	require.True(t, ok)
	require.Len(t, players, 2)
	first := players[0].(map[string]any)
	assert.Equal(t, "lobby#a", first["PK"])
	assert.Equal(t, "a", first["hostConnection"])
	assert.Equal(t, "user-a", first["username"])
}

// TestHandler_GetGame 測試遊戲查詢 API
func TestHandler_GetGame(t *testing.T) {
	tests := []struct {
		name           string
		setup          func(t *testing.T, h *harness)
		gameID         string
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name: "waiting game",
			setup: func(t *testing.T, h *harness) {
				require.True(t, h.connect(t, "a", url.Values{"gameId": {"g1"}, "username": {"alice"}}).OK())
			},
			gameID:         "g1",
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "g1", resp["gameId"])
				assert.Equal(t, "waiting", resp["status"])
				assert.Equal(t, float64(1), resp["version"])
				host := resp["hostData"].(map[string]any)
				assert.Equal(t, "a", host["hostConnection"])
				assert.Equal(t, "alice", host["username"])
				assert.NotContains(t, resp, "guestData")
			},
		},
		{
			name: "active game",
			setup: func(t *testing.T, h *harness) {
				require.True(t, h.connect(t, "a", url.Values{"gameId": {"g1"}}).OK())
				require.True(t, h.connect(t, "b", url.Values{"gameId": {"g1"}, "username": {"bob"}}).OK())
			},
			gameID:         "g1",
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "active", resp["status"])
				assert.Equal(t, float64(2), resp["version"])
				guest := resp["guestData"].(map[string]any)
				assert.Equal(t, "b", guest["hostConnection"])
				assert.Equal(t, "bob", guest["username"])
			},
		},
		{
			name:           "game not found",
			setup:          func(t *testing.T, h *harness) {},
			gameID:         "missing",
			expectedStatus: http.StatusNotFound,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Contains(t, resp["error"], "record not found")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)
			routes := internal.NewHandler(h.registry, nil, testutils.TestLogger()).Routes()

			rec, body := doRequest(t, routes, http.MethodGet, "/api/v1/games/"+tt.gameID, nil)
			assert.Equal(t, tt.expectedStatus, rec.Code)
			tt.validate(t, body)
		})
	}
}

// TestHandler_HealthAndStats 測試健康檢查與統計
func TestHandler_HealthAndStats(t *testing.T) {
	h := newHarness(t)
	hub := internal.NewHub(internal.DefaultConfig().HubConfig(), testutils.TestLogger())
	routes := internal.NewHandler(h.registry, hub, testutils.TestLogger()).Routes()

	rec, body := doRequest(t, routes, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotZero(t, body["time"])

	h.joinLobby(t, "x", "y", "z")
	require.True(t, h.invite(t, "x", "y", "g1").OK())
	require.True(t, h.connect(t, "a", url.Values{"gameId": {"g2"}}).OK())

	rec, body = doRequest(t, routes, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["lobby_players"])
	assert.Equal(t, float64(2), body["total_games"])
	assert.Equal(t, float64(0), body["local_connections"])

	games := body["games"].(map[string]any)
	assert.Equal(t, float64(1), games["invited"])
	assert.Equal(t, float64(1), games["waiting"])
}

// TestHandler_RequestID 沿用或產生 X-Request-ID
func TestHandler_RequestID(t *testing.T) {
	routes := internal.NewHandler(internal.NewMemoryRegistry(testutils.TestLogger()), nil, testutils.TestLogger()).Routes()

	rec, _ := doRequest(t, routes, http.MethodGet, "/health", http.Header{"X-Request-Id": {"req-123"}})
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec, _ = doRequest(t, routes, http.MethodGet, "/health", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

// TestHandler_MethodNotAllowed 只接受 GET
func TestHandler_MethodNotAllowed(t *testing.T) {
	routes := internal.NewHandler(internal.NewMemoryRegistry(testutils.TestLogger()), nil, testutils.TestLogger()).Routes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lobby", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// 沒有 Hub 時不註冊 /ws
	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// brokenRegistry 模擬後端故障
type brokenRegistry struct {
	internal.Registry
	panics bool
}

func (r *brokenRegistry) ListByKind(ctx context.Context, kind internal.Kind) ([]*internal.Record, error) {
	if r.panics {
		panic("registry exploded")
	}
	return nil, apperrors.New(apperrors.ErrCodeUnavailable, "redis unavailable")
}

// TestHandler_BackendFailures 後端錯誤對應到 HTTP 狀態
func TestHandler_BackendFailures(t *testing.T) {
	tests := []struct {
		name           string
		registry       *brokenRegistry
		expectedStatus int
	}{
		{
			name:           "unavailable backend",
			registry:       &brokenRegistry{Registry: internal.NewMemoryRegistry(testutils.TestLogger())},
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "panic is recovered",
			registry:       &brokenRegistry{Registry: internal.NewMemoryRegistry(testutils.TestLogger()), panics: true},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			routes := internal.NewHandler(tt.registry, nil, testutils.TestLogger()).Routes()

			for _, path := range []string{"/api/v1/lobby", "/stats"} {
				rec, body := doRequest(t, routes, http.MethodGet, path, nil)
				assert.Equal(t, tt.expectedStatus, rec.Code, path)
				assert.Equal(t, "內部伺服器錯誤", body["error"], "backend details must not leak")
			}
		})
	}
}
