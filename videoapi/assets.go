package videoapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// AssetPhase is the readiness phase of a recording asset.
type AssetPhase int

const (
	PhaseUnknown AssetPhase = iota
	PhasePending
	PhaseProcessing
	PhaseReady
	PhaseFailed
)

func (p AssetPhase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseProcessing:
		return "processing"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseAssetPhase maps the upstream phase strings (several spellings observed)
// onto the enum. Unrecognized values become PhaseUnknown rather than an error.
func ParseAssetPhase(s string) AssetPhase {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "waiting":
		return PhasePending
	case "processing", "uploading", "transcoding":
		return PhaseProcessing
	case "ready", "completed":
		return PhaseReady
	case "failed", "error":
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}

// Asset is the normalized shape of an upstream recording asset. Assets are
// created asynchronously by the platform sometime after a stream ends and are
// never mutated by this service, only polled.
type Asset struct {
	ID              string
	Phase           AssetPhase
	PlaybackID      string
	PlaybackURL     string
	SourceStreamID  string
	DurationSeconds float64
	CreatedAt       time.Time
}

// IsAssetReady reports whether the asset's phase is ready. Pure function, no I/O.
func IsAssetReady(a *Asset) bool {
	return a != nil && a.Phase == PhaseReady
}

// assetEnvelope covers the field-name variants upstream uses for an asset.
// Status may arrive as a bare string or as {"phase": "..."}.
type assetEnvelope struct {
	ID             string          `json:"id"`
	Status         json.RawMessage `json:"status"`
	PlaybackID     string          `json:"playbackId"`
	PlaybackIDAlt  string          `json:"playback_id"`
	PlaybackURL    string          `json:"playbackUrl"`
	DownloadURL    string          `json:"downloadUrl"`
	SourceStreamID string          `json:"sourceStreamId"`
	SourceStream   string          `json:"source_stream_id"`
	StreamID       string          `json:"streamId"`
	Source         *struct {
		ID string `json:"id"`
	} `json:"source"`
	VideoSpec *struct {
		Duration float64 `json:"duration"`
	} `json:"videoSpec"`
	Duration  float64 `json:"duration"`
	CreatedAt int64   `json:"createdAt"`
}

func parsePhaseRaw(raw json.RawMessage) AssetPhase {
	if len(raw) == 0 {
		return PhaseUnknown
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseAssetPhase(s)
	}
	var obj struct {
		Phase string `json:"phase"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return ParseAssetPhase(obj.Phase)
	}
	return PhaseUnknown
}

func (e *assetEnvelope) normalize() Asset {
	a := Asset{
		ID:             e.ID,
		Phase:          parsePhaseRaw(e.Status),
		PlaybackID:     e.PlaybackID,
		PlaybackURL:    e.PlaybackURL,
		SourceStreamID: e.SourceStreamID,
		CreatedAt:      msTime(e.CreatedAt),
	}
	if a.PlaybackID == "" {
		a.PlaybackID = e.PlaybackIDAlt
	}
	if a.PlaybackURL == "" {
		a.PlaybackURL = e.DownloadURL
	}
	if a.SourceStreamID == "" {
		a.SourceStreamID = e.SourceStream
	}
	if a.SourceStreamID == "" {
		a.SourceStreamID = e.StreamID
	}
	if a.SourceStreamID == "" && e.Source != nil {
		a.SourceStreamID = e.Source.ID
	}
	a.DurationSeconds = e.Duration
	if a.DurationSeconds == 0 && e.VideoSpec != nil {
		a.DurationSeconds = e.VideoSpec.Duration
	}
	return a
}

// decodeAssetEnvelopes flattens the four list envelope shapes the upstream has
// been observed to return: a bare array, {data:[]}, {assets:[]}, or {items:[]}.
func decodeAssetEnvelopes(raw json.RawMessage) ([]assetEnvelope, error) {
	var list []assetEnvelope
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Data   []assetEnvelope `json:"data"`
		Assets []assetEnvelope `json:"assets"`
		Items  []assetEnvelope `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("unrecognized asset list shape: %w", err)
	}
	switch {
	case wrapped.Data != nil:
		return wrapped.Data, nil
	case wrapped.Assets != nil:
		return wrapped.Assets, nil
	case wrapped.Items != nil:
		return wrapped.Items, nil
	}
	return []assetEnvelope{}, nil
}

// ListAssets lists recording assets, optionally filtered upstream by source
// stream id. A network timeout returns an empty list rather than propagating,
// since listing is always advisory for callers.
func (c *Client) ListAssets(ctx context.Context, sourceStreamID string) ([]Asset, error) {
	var q url.Values
	if sourceStreamID != "" {
		q = url.Values{}
		q.Set("sourceStreamId", sourceStreamID)
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/asset", q, nil, timeoutList, &raw); err != nil {
		if isTimeout(err) {
			slog.Warn("asset list timed out, returning empty", slog.String("component", "videoapi"))
			return []Asset{}, nil
		}
		return nil, err
	}
	envs, err := decodeAssetEnvelopes(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Asset, 0, len(envs))
	for i := range envs {
		out = append(out, envs[i].normalize())
	}
	return out, nil
}

// GetAsset fetches full asset detail by id.
func (c *Client) GetAsset(ctx context.Context, assetID string) (*Asset, error) {
	if assetID == "" {
		return nil, fmt.Errorf("assetID empty")
	}
	var env assetEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/asset/"+assetID, nil, nil, timeoutDefault, &env); err != nil {
		return nil, err
	}
	a := env.normalize()
	return &a, nil
}

// GetStreamAsset resolves the recording asset belonging to a source stream,
// verified and ready. It returns nil (not an error) when no ready asset exists
// yet; callers must never construct a VOD URL from anything else.
//
// Resolution order: direct per-stream lookup, then the filtered asset list,
// then the full list filtered client-side. Every candidate's source-stream
// back-reference is re-verified because the upstream listing may return assets
// belonging to other streams.
func (c *Client) GetStreamAsset(ctx context.Context, streamID string) (*Asset, error) {
	if streamID == "" {
		return nil, fmt.Errorf("streamID empty")
	}

	// The stream's own playback id is needed to detect assets the upstream
	// hasn't finished differentiating yet. Best effort: if the stream lookup
	// fails the check is simply skipped.
	streamPlaybackID := ""
	if info, err := c.GetStream(ctx, streamID); err == nil {
		streamPlaybackID = info.PlaybackID
	}

	candidates := c.streamAssetCandidates(ctx, streamID)
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })

	var lastResort *Asset // ready but shares the stream's playback id
	var best *Asset
	for i := range candidates {
		// List responses may omit fields; fetch full detail per candidate.
		detail, err := c.GetAsset(ctx, candidates[i].ID)
		if err != nil {
			slog.Warn("asset detail fetch failed", slog.String("asset_id", candidates[i].ID), slog.Any("err", err), slog.String("component", "videoapi"))
			continue
		}
		if streamPlaybackID != "" && detail.PlaybackID == streamPlaybackID {
			// Advisory check only: the upstream is inconsistent here, so a
			// ready asset with the colliding id is kept as a last resort.
			slog.Warn("asset playback id equals stream playback id",
				slog.String("stream_id", streamID),
				slog.String("asset_id", detail.ID),
				slog.String("playback_id", detail.PlaybackID),
				slog.String("component", "videoapi"))
			if IsAssetReady(detail) && lastResort == nil {
				lastResort = detail
			}
			continue
		}
		if !IsAssetReady(detail) {
			continue
		}
		// Prefer a candidate exposing a direct playback URL.
		if detail.PlaybackURL != "" {
			return detail, nil
		}
		if detail.PlaybackID == "" {
			// No playback URL and no playback id: nothing a VOD URL could be
			// built from.
			continue
		}
		if best == nil {
			best = detail
		}
	}
	if best != nil {
		return best, nil
	}
	if lastResort != nil {
		return lastResort, nil
	}
	return nil, nil
}

// streamAssetCandidates gathers verified candidate assets for a stream via the
// direct endpoint, the filtered list, or the full list, in that order.
func (c *Client) streamAssetCandidates(ctx context.Context, streamID string) []Asset {
	// Direct per-stream lookup, where exposed. 404/405 mean the platform
	// doesn't support it and the listing paths take over.
	var env assetEnvelope
	err := c.doJSON(ctx, http.MethodGet, "/stream/"+streamID+"/asset", nil, nil, timeoutDefault, &env)
	if err == nil && env.ID != "" {
		return []Asset{env.normalize()}
	}
	if err != nil && !IsUpstreamStatus(err, http.StatusNotFound) && !IsUpstreamStatus(err, http.StatusMethodNotAllowed) {
		slog.Debug("direct stream asset lookup failed", slog.Any("err", err), slog.String("component", "videoapi"))
	}

	assets, err := c.ListAssets(ctx, streamID)
	if err != nil {
		slog.Warn("filtered asset list failed, falling back to full list", slog.Any("err", err), slog.String("component", "videoapi"))
		assets, err = c.ListAssets(ctx, "")
		if err != nil {
			slog.Warn("full asset list failed", slog.Any("err", err), slog.String("component", "videoapi"))
			return nil
		}
	}
	out := assets[:0]
	for _, a := range assets {
		if a.SourceStreamID == streamID {
			out = append(out, a)
		}
	}
	return out
}

// Recording is a best-effort recording reference resolved before the asset
// exists. Never authoritative for view counts.
type Recording struct {
	URL    string
	Source string // "session" or "stream"
}

// GetStreamRecording is a looser, faster fallback than GetStreamAsset, used
// only for improving time-to-first-recording-URL: a session recording URL may
// appear within seconds of stream end, long before the asset exists. Falls
// back to the raw stream metadata's recordings list.
func (c *Client) GetStreamRecording(ctx context.Context, streamID string) (*Recording, error) {
	sessions, err := c.GetStreamSessions(ctx, streamID, SessionOptions{Limit: 10, RecordOnly: true})
	if err == nil {
		for _, s := range sessions {
			if s.RecordingURL != "" {
				return &Recording{URL: s.RecordingURL, Source: "session"}, nil
			}
		}
	} else {
		slog.Debug("session lookup failed", slog.Any("err", err), slog.String("component", "videoapi"))
	}

	info, err := c.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if len(info.RecordingURLs) > 0 {
		return &Recording{URL: info.RecordingURLs[0], Source: "stream"}, nil
	}
	return nil, nil
}
