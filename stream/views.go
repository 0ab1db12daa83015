package stream

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/wavecast-live/wavecast/backend/db"
	"github.com/wavecast-live/wavecast/backend/videoapi"
)

// ViewCountResolver decides which playback identifier is authoritative for
// total-view queries at each point of the stream lifecycle. Ended-stream views
// queried under the stream's own playback id do not match the platform's
// reported totals, so the resolver never silently substitutes it.
type ViewCountResolver struct {
	DB    *sql.DB
	Video *videoapi.Client
}

// PlaybackIDFor returns the playback id to use for view-count queries, or ""
// when none is available yet. A freshly resolved asset playback id is cached
// on the record so future calls skip the upstream round trip.
func (v *ViewCountResolver) PlaybackIDFor(ctx context.Context, rec *db.StreamRecord) string {
	if !rec.Ended() {
		// Live: prefer an asset playback id when a mid-stream recording has
		// already been cached, otherwise the stream's own id is correct.
		if rec.AssetPlaybackID != "" {
			return rec.AssetPlaybackID
		}
		return rec.PlaybackID
	}

	if rec.AssetPlaybackID != "" {
		return rec.AssetPlaybackID
	}

	if rec.AssetID != "" {
		asset, err := v.Video.GetAsset(ctx, rec.AssetID)
		if err != nil {
			slog.Debug("cached asset fetch failed", slog.String("asset_id", rec.AssetID), slog.Any("err", err), slog.String("component", "views"))
			return ""
		}
		if asset.PlaybackID != "" {
			v.cache(ctx, rec, asset)
			return asset.PlaybackID
		}
		return ""
	}

	asset, err := v.Video.GetStreamAsset(ctx, rec.UpstreamID)
	if err != nil || asset == nil {
		return ""
	}
	v.cache(ctx, rec, asset)
	return asset.PlaybackID
}

func (v *ViewCountResolver) cache(ctx context.Context, rec *db.StreamRecord, asset *videoapi.Asset) {
	if err := db.CacheAssetPlayback(ctx, v.DB, rec.ID, asset.ID, asset.PlaybackID); err != nil {
		slog.Warn("asset playback cache persist failed", slog.Int64("stream_id", rec.ID), slog.Any("err", err), slog.String("component", "views"))
		return
	}
	rec.AssetID = asset.ID
	rec.AssetPlaybackID = asset.PlaybackID
}

// TotalViews returns lifetime views for the record, or nil when unavailable.
// nil is distinct from a genuine zero count.
func (v *ViewCountResolver) TotalViews(ctx context.Context, rec *db.StreamRecord) (*int64, error) {
	playbackID := v.PlaybackIDFor(ctx, rec)
	if playbackID == "" {
		return nil, nil
	}
	return v.Video.GetTotalViews(ctx, playbackID)
}
