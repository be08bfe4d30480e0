package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
	"github.com/koopa0/system-design/14-checkers-matchmaking/pkg/logger"
)

// Handler HTTP 請求處理器（唯讀查詢）
//
// 配對狀態只能透過 WebSocket 事件改變，HTTP 只提供查詢。
type Handler struct {
	registry Registry
	hub      *Hub
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器，hub 為 nil 時 /stats 不回報連線數
func NewHandler(registry Registry, hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		hub:      hub,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}

	// 查詢 API
	mux.HandleFunc("GET /api/v1/lobby", wrap(h.listLobby))
	mux.HandleFunc("GET /api/v1/games/{game_id}", wrap(h.getGame))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	// WebSocket
	if h.hub != nil {
		mux.HandleFunc("GET /ws", h.recoverer(h.hub.ServeWS))
	}

	return mux
}

// listLobby 大廳名單
func (h *Handler) listLobby(w http.ResponseWriter, r *http.Request) {
	members, err := h.registry.ListByKind(r.Context(), KindLobby)
	if err != nil {
		h.appErrorResponse(w, r, err)
		return
	}

	players := LobbyPlayers(members)
	h.jsonResponse(w, map[string]any{
		"players": players,
		"total":   len(players),
	}, http.StatusOK)
}

// getGame 遊戲詳情
func (h *Handler) getGame(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("game_id")

	rec, err := h.registry.Get(r.Context(), GameKey(gameID))
	if err != nil {
		h.appErrorResponse(w, r, err)
		return
	}

	resp := map[string]any{
		"gameId":   gameID,
		"status":   rec.Status,
		"hostData": rec.HostPlayer(),
		"version":  rec.Version,
	}
	if rec.GuestConnection != "" {
		resp["guestData"] = rec.GuestPlayer()
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	lobby, err := h.registry.ListByKind(r.Context(), KindLobby)
	if err != nil {
		h.appErrorResponse(w, r, err)
		return
	}
	games, err := h.registry.ListByKind(r.Context(), KindGame)
	if err != nil {
		h.appErrorResponse(w, r, err)
		return
	}

	byStatus := make(map[GameStatus]int)
	for _, g := range games {
		byStatus[g.Status]++
	}

	stats := map[string]any{
		"lobby_players": len(lobby),
		"total_games":   len(games),
		"games":         byStatus,
	}
	if h.hub != nil {
		stats["local_connections"] = h.hub.ConnectionCount()
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// appErrorResponse 依錯誤碼決定 HTTP 狀態
func (h *Handler) appErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "查詢失敗", "error", err)
		h.errorResponse(w, "內部伺服器錯誤", status)
		return
	}
	h.errorResponse(w, err.Error(), status)
}

// requestID 為每個請求附上 request id（沿用客戶端的 X-Request-ID）
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
