package server

import (
	"encoding/json"
	"net/http"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/cache"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("response encoding aborted", logger.Err(err))
	}
}

type cacheStatsResponse struct {
	Enabled bool         `json:"enabled"`
	Stats   *cache.Stats `json:"stats,omitempty"`
	Loads   []int        `json:"session_loads"`
}

// serveCacheStats handles GET /api/cache/stats.
func (h *streamHandler) serveCacheStats(w http.ResponseWriter, r *http.Request) {
	resp := cacheStatsResponse{Loads: h.pool.Loads()}

	if h.cache != nil {
		stats, err := h.cache.Stats(r.Context())
		if err != nil {
			http.Error(w, "cache stats unavailable", http.StatusInternalServerError)
			return
		}
		resp.Enabled = true
		resp.Stats = &stats
	}

	writeJSON(w, resp)
}

// serveHealth handles GET /health.
func serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
