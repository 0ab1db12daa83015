package videoapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
)

type viewsEnvelope struct {
	ViewCount int64 `json:"viewCount"`
}

// decodeViews accepts both the bare-object and array response shapes for the
// analytics endpoints and sums view counts.
func decodeViews(raw json.RawMessage) (int64, bool) {
	var one viewsEnvelope
	if err := json.Unmarshal(raw, &one); err == nil {
		return one.ViewCount, true
	}
	var many []viewsEnvelope
	if err := json.Unmarshal(raw, &many); err == nil {
		var total int64
		for _, v := range many {
			total += v.ViewCount
		}
		return total, true
	}
	return 0, false
}

// GetViewerCount returns the current concurrent viewer count for a playback id.
// It returns 0 on any upstream failure: a missing viewer count must never break
// page rendering.
func (c *Client) GetViewerCount(ctx context.Context, playbackID string) int {
	if playbackID == "" {
		return 0
	}
	q := url.Values{}
	q.Set("playbackId", playbackID)
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/data/views/now", q, nil, timeoutViews, &raw); err != nil {
		slog.Debug("viewer count unavailable", slog.String("playback_id", playbackID), slog.Any("err", err), slog.String("component", "videoapi"))
		return 0
	}
	n, ok := decodeViews(raw)
	if !ok || n < 0 {
		return 0
	}
	return int(n)
}

// GetTotalViews returns lifetime views for a playback id, or nil when the
// upstream has no data yet. nil is distinct from 0: callers can tell "zero
// views" apart from "not yet available".
func (c *Client) GetTotalViews(ctx context.Context, playbackID string) (*int64, error) {
	if playbackID == "" {
		return nil, nil
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/data/views/total/"+playbackID, nil, nil, timeoutViews, &raw); err != nil {
		if IsUpstreamStatus(err, http.StatusNotFound) || isTimeout(err) {
			return nil, nil
		}
		var ue *UpstreamError
		if errors.As(err, &ue) {
			// Other upstream statuses are also "no data yet" for callers;
			// they can tolerate staleness but not a broken page.
			slog.Debug("total views unavailable", slog.String("playback_id", playbackID), slog.Any("err", err), slog.String("component", "videoapi"))
			return nil, nil
		}
		return nil, err
	}
	n, ok := decodeViews(raw)
	if !ok {
		return nil, nil
	}
	return &n, nil
}
