package handler

import (
	"net/http"
	"time"
)

// HealthHandler はプロセスの死活確認を返すハンドラー。DBには接続しない。
type HealthHandler struct {
	startedAt time.Time
	now       func() time.Time
}

// NewHealthHandler はHealthHandlerを生成する。startedAtは稼働時間の起点。
func NewHealthHandler(startedAt time.Time) *HealthHandler {
	return &HealthHandler{
		startedAt: startedAt,
		now:       time.Now,
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"` // 秒
}

// ServeHTTP は GET /_health を処理する。
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: now.UTC(),
		Uptime:    now.Sub(h.startedAt).Seconds(),
	})
}
