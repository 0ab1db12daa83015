package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wavecast-live/wavecast/backend/db"
)

// HandleAdminReconcile forces a reconciliation pass. With an id query parameter
// it reconciles one stream; without, it sweeps every stream that is not yet in
// a terminal ready state. Protected by admin auth.
func (h *Handlers) HandleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	if s := r.URL.Query().Get("id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		rec, err := db.GetStream(ctx, h.db, id)
		if err != nil {
			if errors.Is(err, db.ErrStreamNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rec, err = h.rec.Reconcile(ctx, rec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stream": toStreamResponse(rec, nil, false)})
		return
	}

	recs, err := db.ListUnresolvedStreams(ctx, h.db, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reconciled := 0
	for _, rec := range recs {
		if _, err := h.rec.Reconcile(ctx, rec); err != nil {
			slog.Warn("sweep reconcile failed", slog.Int64("stream_id", rec.ID), slog.Any("err", err), slog.String("component", "admin"))
			continue
		}
		reconciled++
	}
	_, _ = h.db.ExecContext(ctx,
		`INSERT INTO kv (key,value,updated_at) VALUES ('job_reconcile_last',$1,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		time.Now().UTC().Format(time.RFC3339))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scanned": len(recs), "reconciled": reconciled})
}
