package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はDB接続の死活を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status string `json:"status"`
}

// NewHealthHandler は/healthのハンドラーを返す。
// DBに到達できなければ503を返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, "application/json", healthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, "application/json", healthResponse{Status: "ok"})
	}
}
