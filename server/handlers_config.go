package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/wavecast-live/wavecast/backend/telemetry"
)

// HandleConfig handles GET and PUT requests for safe configuration keys.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	// Only allow GET/PUT for known keys; secrets must not be exposed here.
	safeKeys := map[string]bool{
		"LOG_LEVEL":                  true,
		"LOG_FORMAT":                 true,
		"HLS_BASE_URL":               true,
		"UPSTREAM_TIMEOUT":           true,
		"THUMBNAIL_MAX_ATTEMPTS":     true,
		"THUMBNAIL_BACKOFF_BASE":     true,
		"RATE_LIMIT_REQUESTS_PER_IP": true,
		"RATE_LIMIT_WINDOW_SECONDS":  true,
	}
	switch r.Method {
	case http.MethodGet:
		// Return safe keys with values from kv override if present, else env
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		for k, v := range body {
			if !safeKeys[k] {
				continue
			}
			if _, err := h.db.ExecContext(
				r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k,
				strings.TrimSpace(v),
			); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a lightweight status summary with stream lifecycle counts.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	var total, live, processing, ready int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams`).Scan(&total)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams WHERE is_live=TRUE AND ended_at IS NULL`).Scan(&live)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams WHERE ended_at IS NOT NULL AND (COALESCE(asset_playback_id,'')='' OR COALESCE(vod_url,'')='')`).Scan(&processing)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams WHERE ended_at IS NOT NULL AND COALESCE(asset_playback_id,'')!='' AND COALESCE(vod_url,'')!=''`).Scan(&ready)
	resp["streams_total"] = total
	resp["streams_live"] = live
	resp["streams_ended_processing"] = processing
	resp["streams_ended_ready"] = ready
	telemetry.SetLiveStreams(live)

	// Thumbnail retry configuration
	retryConfig := map[string]any{
		"thumbnail_max_attempts": getEnvInt("THUMBNAIL_MAX_ATTEMPTS", 4),
		"thumbnail_backoff_base": os.Getenv("THUMBNAIL_BACKOFF_BASE"),
	}
	if retryConfig["thumbnail_backoff_base"] == "" {
		retryConfig["thumbnail_backoff_base"] = "500ms"
	}
	resp["retry_config"] = retryConfig

	// Last admin reconcile timestamp, if recorded
	var last string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='job_reconcile_last'`).Scan(&last)
	if last != "" {
		resp["last_reconcile_run"] = last
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
