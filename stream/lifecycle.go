// Package stream holds the stream lifecycle reconciler and the view-count
// resolver. Reconciliation is pull-based: every run is triggered by an inbound
// HTTP request and completes within it. Runs are re-entrant and idempotent
// rather than mutually exclusive: two overlapping runs for the same stream may
// both persist, and the later write wins, because every persisted field is
// monotonic or idempotent once set to a valid value.
package stream

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/wavecast-live/wavecast/backend/db"
	"github.com/wavecast-live/wavecast/backend/telemetry"
	"github.com/wavecast-live/wavecast/backend/videoapi"
)

// State is the derived lifecycle state of a stream record.
type State int

const (
	// StateScheduled: created, no upstream activity observed yet.
	StateScheduled State = iota
	// StateLive: upstream reports the stream active, ended_at unset.
	StateLive
	// StateOfflineUnconfirmed: inactive but not explicitly ended; the
	// broadcast may resume on a later check.
	StateOfflineUnconfirmed
	// StateEndedProcessing: explicitly ended, recording asset not ready yet.
	StateEndedProcessing
	// StateEndedReady: ended with a resolved ready asset and VOD URL.
	StateEndedReady
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateLive:
		return "live"
	case StateOfflineUnconfirmed:
		return "offline_unconfirmed"
	case StateEndedProcessing:
		return "ended_processing"
	case StateEndedReady:
		return "ended_ready"
	default:
		return "unknown"
	}
}

// StateOf derives the lifecycle state from persisted fields alone.
func StateOf(rec *db.StreamRecord) State {
	switch {
	case rec.EndedAt != nil && rec.AssetPlaybackID != "" && rec.VODURL != "":
		return StateEndedReady
	case rec.EndedAt != nil:
		return StateEndedProcessing
	case rec.IsLive:
		return StateLive
	case rec.StartedAt != nil:
		return StateOfflineUnconfirmed
	default:
		return StateScheduled
	}
}

// recentActivityWindow is how far back an upstream lastSeen timestamp still
// counts as evidence of liveness. The upstream's own active flag lags reality.
const recentActivityWindow = 5 * time.Minute

// LivenessSignals are the weak signals OR-ed together to decide liveness.
type LivenessSignals struct {
	Active           bool
	RecordingSession bool
	AnySession       bool
	IngestedSeconds  float64
	LastSeen         time.Time
}

// Live reports whether any signal indicates the stream is broadcasting.
func (s LivenessSignals) Live(now time.Time) bool {
	if s.Active || s.RecordingSession || s.AnySession {
		return true
	}
	if s.IngestedSeconds > 0 {
		return true
	}
	return !s.LastSeen.IsZero() && now.Sub(s.LastSeen) <= recentActivityWindow
}

// Reconciler converges a persisted stream record with upstream reality.
type Reconciler struct {
	DB    *sql.DB
	Video *videoapi.Client
}

// Reconcile runs one status pass for the record and returns the freshest known
// state. Upstream and persistence failures are contained: the caller always
// gets the best-known record back, and the next poll retries.
//
// Routine inactivity alone never sets ended_at; that transition requires the
// explicit End call. A live stream observed inactive simply flips is_live off
// and may flip back on a later check.
func (r *Reconciler) Reconcile(ctx context.Context, rec *db.StreamRecord) (*db.StreamRecord, error) {
	var (
		out *db.StreamRecord
		err error
	)
	telemetry.TimeFunc(telemetry.ReconcileDuration, func() {
		out, err = r.reconcile(ctx, rec)
	})
	return out, err
}

func (r *Reconciler) reconcile(ctx context.Context, rec *db.StreamRecord) (*db.StreamRecord, error) {
	telemetry.ReconcileRuns.Inc()

	if rec.Ended() {
		return r.resolveRecording(ctx, rec)
	}

	info, err := r.Video.GetStream(ctx, rec.UpstreamID)
	if err != nil {
		telemetry.ReconcileFailures.Inc()
		slog.Warn("upstream stream fetch failed, keeping persisted state",
			slog.Int64("stream_id", rec.ID), slog.Any("err", err), slog.String("component", "reconcile"))
		return rec, nil
	}

	signals := LivenessSignals{
		Active:          info.Active,
		IngestedSeconds: info.IngestedSeconds,
		LastSeen:        info.LastSeen,
	}
	sessions, err := r.Video.GetStreamSessions(ctx, rec.UpstreamID, videoapi.SessionOptions{Limit: 5})
	if err != nil {
		slog.Debug("session list failed during liveness check", slog.Any("err", err), slog.String("component", "reconcile"))
	} else {
		signals.AnySession = len(sessions) > 0
		for _, s := range sessions {
			if s.Active && s.HasRecording() {
				signals.RecordingSession = true
				break
			}
		}
	}

	live := signals.Live(time.Now())
	if live != rec.IsLive {
		updated, err := db.SetLive(ctx, r.DB, rec.ID, live)
		if err != nil {
			// Next reconciliation retries; hand back the in-memory view.
			telemetry.ReconcileFailures.Inc()
			slog.Warn("liveness persist failed", slog.Int64("stream_id", rec.ID), slog.Any("err", err), slog.String("component", "reconcile"))
			rec.IsLive = live
			if live && rec.StartedAt == nil {
				now := time.Now().UTC()
				rec.StartedAt = &now
			}
		} else {
			rec = updated
		}
		slog.Info("stream liveness transition",
			slog.Int64("stream_id", rec.ID),
			slog.Bool("live", live),
			slog.String("state", StateOf(rec).String()),
			slog.String("component", "reconcile"))
	}

	if rec.IsLive && rec.PlaybackID != "" {
		viewers := r.Video.GetViewerCount(ctx, rec.PlaybackID)
		if err := db.UpdateViewerStats(ctx, r.DB, rec.ID, viewers); err != nil {
			telemetry.ReconcileFailures.Inc()
			slog.Warn("viewer stats persist failed", slog.Int64("stream_id", rec.ID), slog.Any("err", err), slog.String("component", "reconcile"))
		}
		rec.ViewerCount = viewers
		if viewers > rec.PeakViewers {
			rec.PeakViewers = viewers
		}
	}

	return rec, nil
}

// End performs the explicit user-initiated end transition: ended_at is set
// exactly once, is_live forced false, then a best-effort asset resolve runs so
// a fast-transcoding recording is available immediately.
func (r *Reconciler) End(ctx context.Context, rec *db.StreamRecord) (*db.StreamRecord, error) {
	ended, err := db.MarkEnded(ctx, r.DB, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("mark ended: %w", err)
	}
	slog.Info("stream ended", slog.Int64("stream_id", ended.ID), slog.String("component", "reconcile"))
	return r.resolveRecording(ctx, ended)
}

// resolveRecording drives the ended_processing → ended_ready transition.
// Idempotent: cached recording fields short-circuit without touching the
// upstream, and repeated runs never regress persisted fields.
func (r *Reconciler) resolveRecording(ctx context.Context, rec *db.StreamRecord) (*db.StreamRecord, error) {
	if !rec.Ended() {
		return rec, nil
	}
	if rec.AssetPlaybackID != "" && rec.VODURL != "" {
		// Cache hit: trust it, skip the upstream entirely.
		return rec, nil
	}

	telemetry.AssetResolveAttempts.Inc()
	asset, err := r.Video.GetStreamAsset(ctx, rec.UpstreamID)
	if err != nil {
		telemetry.ReconcileFailures.Inc()
		slog.Warn("asset resolve failed", slog.Int64("stream_id", rec.ID), slog.Any("err", err), slog.String("component", "reconcile"))
		return rec, nil
	}
	if asset == nil {
		// Recording still processing upstream; the client keeps polling.
		return rec, nil
	}
	if !videoapi.IsAssetReady(asset) {
		// GetStreamAsset only returns ready assets; a not-ready asset here
		// must never produce a published VOD URL.
		return rec, nil
	}
	if asset.PlaybackID == rec.PlaybackID {
		telemetry.InvariantViolations.Inc()
		slog.Error("resolved asset playback id equals stream playback id",
			slog.Int64("stream_id", rec.ID),
			slog.String("asset_id", asset.ID),
			slog.String("playback_id", asset.PlaybackID),
			slog.String("component", "reconcile"))
	}

	vodURL := asset.PlaybackURL
	if vodURL == "" {
		vodURL = fmt.Sprintf("%s/hls/%s/index.m3u8", r.Video.HLSBase, asset.PlaybackID)
	}
	updated, err := db.SaveRecording(ctx, r.DB, rec.ID, asset.ID, asset.PlaybackID, vodURL)
	if err != nil {
		// Persist failure is a warning, not a hard error: return the
		// best-known in-memory state and let the next poll retry the write.
		telemetry.ReconcileFailures.Inc()
		slog.Warn("recording persist failed", slog.Int64("stream_id", rec.ID), slog.Any("err", err), slog.String("component", "reconcile"))
		rec.AssetID = asset.ID
		rec.AssetPlaybackID = asset.PlaybackID
		rec.VODURL = vodURL
		return rec, nil
	}
	rec = updated
	telemetry.AssetResolveReady.Inc()
	slog.Info("recording resolved",
		slog.Int64("stream_id", rec.ID),
		slog.String("asset_id", rec.AssetID),
		slog.String("asset_playback_id", rec.AssetPlaybackID),
		slog.String("component", "reconcile"))

	// A user-uploaded preview is never overwritten; generate one only when
	// nothing is set yet.
	if rec.PreviewURL == "" && !rec.PreviewUserSet {
		if thumb, err := r.Video.GenerateAndVerifyThumbnail(ctx, rec.AssetPlaybackID, thumbnailOptions()); err == nil && thumb != "" {
			if err := db.SetGeneratedPreview(ctx, r.DB, rec.ID, thumb); err == nil {
				rec.PreviewURL = thumb
			}
		}
	}

	return rec, nil
}

// thumbnailOptions reads the thumbnail verification knobs from the environment.
// Zero values defer to the client's built-in defaults. THUMBNAIL_MAX_ATTEMPTS
// and THUMBNAIL_BACKOFF_BASE are the same keys /config and /status expose.
func thumbnailOptions() videoapi.ThumbnailOptions {
	var opts videoapi.ThumbnailOptions
	if v := os.Getenv("THUMBNAIL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.MaxAttempts = n
		}
	}
	if v := os.Getenv("THUMBNAIL_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			opts.BackoffBase = d
		}
	}
	return opts
}
