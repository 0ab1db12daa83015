package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wavecast-live/wavecast/backend/db"
	"github.com/wavecast-live/wavecast/backend/stream"
	"github.com/wavecast-live/wavecast/backend/videoapi"
)

// streamResponse is the wire shape of a reconciled stream record. The ingest
// stream key is included only for the stream's creator.
type streamResponse struct {
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	TotalViews      *int64     `json:"total_views"`
	ID              int64      `json:"id"`
	UpstreamID      string     `json:"upstream_id"`
	PlaybackID      string     `json:"playback_id"`
	StreamKey       string     `json:"stream_key,omitempty"`
	Title           string     `json:"title"`
	Category        string     `json:"category"`
	CreatorAddress  string     `json:"creator_address"`
	State           string     `json:"state"`
	AssetPlaybackID string     `json:"asset_playback_id,omitempty"`
	VODURL          string     `json:"vod_url,omitempty"`
	PreviewURL      string     `json:"preview_url,omitempty"`
	ViewerCount     int        `json:"viewer_count"`
	PeakViewers     int        `json:"peak_viewers"`
	IsLive          bool       `json:"is_live"`
}

func toStreamResponse(rec *db.StreamRecord, totalViews *int64, includeKey bool) streamResponse {
	resp := streamResponse{
		ID:              rec.ID,
		UpstreamID:      rec.UpstreamID,
		PlaybackID:      rec.PlaybackID,
		Title:           rec.Title,
		Category:        rec.Category,
		CreatorAddress:  rec.CreatorAddress,
		State:           stream.StateOf(rec).String(),
		IsLive:          rec.IsLive,
		CreatedAt:       rec.CreatedAt,
		StartedAt:       rec.StartedAt,
		EndedAt:         rec.EndedAt,
		AssetPlaybackID: rec.AssetPlaybackID,
		VODURL:          rec.VODURL,
		PreviewURL:      rec.PreviewURL,
		ViewerCount:     rec.ViewerCount,
		PeakViewers:     rec.PeakViewers,
		TotalViews:      totalViews,
	}
	if includeKey {
		resp.StreamKey = rec.StreamKey
	}
	return resp
}

// HandleStreams serves GET /streams (paginated list) and POST /streams (create).
func (h *Handlers) HandleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleStreamList(w, r)
	case http.MethodPost:
		h.handleStreamCreate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleStreamList(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	recs, err := db.ListStreams(r.Context(), h.db, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	wallet := walletFromRequest(r)
	list := make([]streamResponse, 0, len(recs))
	for _, rec := range recs {
		list = append(list, toStreamResponse(rec, nil, wallet != "" && wallet == rec.CreatorAddress))
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) handleStreamCreate(w http.ResponseWriter, r *http.Request) {
	wallet := walletFromRequest(r)
	if wallet == "" {
		http.Error(w, "wallet identity required", http.StatusUnauthorized)
		return
	}
	var body struct {
		Title    string `json:"title"`
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		http.Error(w, "invalid json: title required", http.StatusBadRequest)
		return
	}
	created, err := h.video.CreateStream(r.Context(), strings.TrimSpace(body.Title))
	if err != nil {
		slog.Error("upstream stream create failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "upstream stream creation failed", http.StatusBadGateway)
		return
	}
	rec := &db.StreamRecord{
		UpstreamID:     created.ID,
		PlaybackID:     created.PlaybackID,
		StreamKey:      created.StreamKey,
		Title:          strings.TrimSpace(body.Title),
		Category:       strings.TrimSpace(body.Category),
		CreatorAddress: wallet,
	}
	id, err := db.InsertStream(r.Context(), h.db, rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	saved, err := db.GetStream(r.Context(), h.db, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toStreamResponse(saved, nil, true))
}

// HandleStreamsDispatcher routes requests under /streams/{id}/* to sub-handlers.
func (h *Handlers) HandleStreamsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/streams/")
	parts := strings.Split(path, "/")
	idStr := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		http.NotFound(w, r)
		return
	}
	switch tail {
	case "":
		h.handleStreamDetail(w, r, id)
	case "recording":
		h.handleStreamRecording(w, r, id)
	case "viewers":
		h.handleStreamViewers(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleStreamDetail(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		h.handleStreamGet(w, r, id)
	case http.MethodPatch:
		h.handleStreamPatch(w, r, id)
	case http.MethodDelete:
		h.handleStreamDelete(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStreamGet returns the reconciled record. Side-effecting: the
// reconciliation pass may persist liveness and recording updates.
func (h *Handlers) handleStreamGet(w http.ResponseWriter, r *http.Request, id int64) {
	rec, err := db.GetStream(r.Context(), h.db, id)
	if err != nil {
		if errors.Is(err, db.ErrStreamNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rec, err = h.rec.Reconcile(r.Context(), rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	totalViews, err := h.views.TotalViews(r.Context(), rec)
	if err != nil {
		slog.Debug("total views lookup failed", slog.Int64("stream_id", id), slog.Any("err", err), slog.String("component", "http"))
	}
	wallet := walletFromRequest(r)
	writeJSON(w, http.StatusOK, toStreamResponse(rec, totalViews, wallet != "" && wallet == rec.CreatorAddress))
}

// handleStreamPatch applies a raw field update without reconciliation.
func (h *Handlers) handleStreamPatch(w http.ResponseWriter, r *http.Request, id int64) {
	rec, err := db.GetStream(r.Context(), h.db, id)
	if err != nil {
		if errors.Is(err, db.ErrStreamNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !h.authorizeOwner(w, r, rec) {
		return
	}
	var body struct {
		Title      *string `json:"title"`
		Category   *string `json:"category"`
		PreviewURL *string `json:"preview_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	updated, err := db.UpdateStreamFields(r.Context(), h.db, id, db.StreamPatch{
		Title:      body.Title,
		Category:   body.Category,
		PreviewURL: body.PreviewURL,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toStreamResponse(updated, nil, true))
}

// handleStreamDelete ends the stream, or with {"permanent": true} deletes the
// record and all dependent chat/like rows transactionally.
func (h *Handlers) handleStreamDelete(w http.ResponseWriter, r *http.Request, id int64) {
	rec, err := db.GetStream(r.Context(), h.db, id)
	if err != nil {
		if errors.Is(err, db.ErrStreamNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !h.authorizeOwner(w, r, rec) {
		return
	}
	// An empty or malformed body means a plain end-stream request.
	var body struct {
		Permanent bool `json:"permanent"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.Permanent {
		if err := db.DeleteStreamPermanent(r.Context(), h.db, id); err != nil {
			if errors.Is(err, db.ErrStreamNotFound) {
				http.NotFound(w, r)
				return
			}
			slog.Error("permanent delete failed", slog.Int64("stream_id", id), slog.Any("err", err), slog.String("component", "http"))
			http.Error(w, "permanent delete failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ended, err := h.rec.End(r.Context(), rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toStreamResponse(ended, nil, true))
}

// handleStreamRecording is the standalone recording lookup: 200 with a
// recording object when ready, 202 with a status message when the asset exists
// but is still processing, 404 when nothing is found yet. An explicit assetId
// query parameter bypasses stream-based resolution.
func (h *Handlers) handleStreamRecording(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := db.GetStream(r.Context(), h.db, id)
	if err != nil {
		if errors.Is(err, db.ErrStreamNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if assetID := r.URL.Query().Get("assetId"); assetID != "" {
		asset, err := h.video.GetAsset(r.Context(), assetID)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if !videoapi.IsAssetReady(asset) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":  asset.Phase.String(),
				"message": (&stream.AssetNotReadyError{AssetID: asset.ID, Phase: asset.Phase}).Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recording": recordingPayload(asset, h.video.HLSBase)})
		return
	}

	// Reconciliation persists the resolved asset so subsequent polls are cache hits.
	rec, _ = h.rec.Reconcile(r.Context(), rec)
	if rec.AssetPlaybackID != "" && rec.VODURL != "" {
		writeJSON(w, http.StatusOK, map[string]any{"recording": map[string]any{
			"asset_id":    rec.AssetID,
			"playback_id": rec.AssetPlaybackID,
			"url":         rec.VODURL,
			"source":      "asset",
		}})
		return
	}

	// No ready asset. Distinguish "exists but processing" from "nothing yet".
	assets, err := h.video.ListAssets(r.Context(), rec.UpstreamID)
	if err == nil {
		for _, a := range assets {
			if a.SourceStreamID == rec.UpstreamID {
				writeJSON(w, http.StatusAccepted, map[string]any{
					"status":  a.Phase.String(),
					"message": (&stream.AssetNotReadyError{AssetID: a.ID, Phase: a.Phase}).Error(),
				})
				return
			}
		}
	}

	// Session recordings appear within seconds of stream end, long before the
	// asset exists; use them to improve time-to-first-recording-URL.
	if recRef, err := h.video.GetStreamRecording(r.Context(), rec.UpstreamID); err == nil && recRef != nil {
		writeJSON(w, http.StatusOK, map[string]any{"recording": map[string]any{
			"url":    recRef.URL,
			"source": recRef.Source,
		}})
		return
	}

	writeJSON(w, http.StatusNotFound, map[string]any{"message": "no recording found yet"})
}

func recordingPayload(asset *videoapi.Asset, hlsBase string) map[string]any {
	url := asset.PlaybackURL
	if url == "" {
		url = hlsBase + "/hls/" + asset.PlaybackID + "/index.m3u8"
	}
	return map[string]any{
		"asset_id":         asset.ID,
		"playback_id":      asset.PlaybackID,
		"url":              url,
		"duration_seconds": asset.DurationSeconds,
		"source":           "asset",
	}
}

// handleStreamViewers returns the realtime viewer count plus best-effort total
// views and peak viewers; each field is independently nullable.
func (h *Handlers) handleStreamViewers(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := db.GetStream(r.Context(), h.db, id)
	if err != nil {
		if errors.Is(err, db.ErrStreamNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	viewers := h.video.GetViewerCount(r.Context(), rec.PlaybackID)
	totalViews, err := h.views.TotalViews(r.Context(), rec)
	if err != nil {
		slog.Debug("total views lookup failed", slog.Int64("stream_id", id), slog.Any("err", err), slog.String("component", "http"))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"viewer_count": viewers,
		"total_views":  totalViews,
		"peak_viewers": rec.PeakViewers,
	})
}

// authorizeOwner checks that the request's wallet identity matches the stream
// creator. Records without a creator (legacy rows) are open to mutation.
func (h *Handlers) authorizeOwner(w http.ResponseWriter, r *http.Request, rec *db.StreamRecord) bool {
	if rec.CreatorAddress == "" {
		return true
	}
	wallet := walletFromRequest(r)
	if wallet == "" {
		http.Error(w, "wallet identity required", http.StatusUnauthorized)
		return false
	}
	if wallet != rec.CreatorAddress {
		http.Error(w, "not the stream creator", http.StatusForbidden)
		return false
	}
	return true
}
