package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Health はプロセスの稼働確認用エンドポイント。IdPやバックエンドには問い合わせない。
// GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	slog.Info("Healthcheck: frontend - ok")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]string{"msg": "ok"})
}
