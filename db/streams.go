package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wavecast-live/wavecast/backend/crypto"
)

// ErrStreamNotFound is returned when the requested stream id is absent in the store.
var ErrStreamNotFound = errors.New("stream not found")

// StreamRecord is the durable entity for a live stream and its recording linkage.
// Once EndedAt is set it is never cleared and IsLive reads false; AssetPlaybackID,
// once set, identifies the recording asset and never equals PlaybackID.
type StreamRecord struct {
	ID             int64
	UpstreamID     string
	PlaybackID     string
	StreamKey      string
	Title          string
	Category       string
	CreatorAddress string
	IsLive         bool
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	UpdatedAt      *time.Time

	// Recording linkage, populated only after EndedAt is set.
	AssetID         string
	AssetPlaybackID string
	VODURL          string

	PreviewURL     string
	PreviewUserSet bool
	ViewerCount    int
	PeakViewers    int
}

// Ended reports whether the stream has reached its terminal lifecycle side.
func (s *StreamRecord) Ended() bool { return s.EndedAt != nil }

const streamColumns = `id, upstream_id, COALESCE(playback_id,''), COALESCE(stream_key,''), COALESCE(stream_key_enc,0),
	COALESCE(title,''), COALESCE(category,''), COALESCE(creator_address,''), COALESCE(is_live,FALSE),
	created_at, started_at, ended_at, updated_at,
	COALESCE(asset_id,''), COALESCE(asset_playback_id,''), COALESCE(vod_url,''),
	COALESCE(preview_url,''), COALESCE(preview_user_set,FALSE),
	COALESCE(viewer_count,0), COALESCE(peak_viewers,0)`

func scanStream(row interface{ Scan(...any) error }) (*StreamRecord, error) {
	var rec StreamRecord
	var keyEnc int
	if err := row.Scan(&rec.ID, &rec.UpstreamID, &rec.PlaybackID, &rec.StreamKey, &keyEnc,
		&rec.Title, &rec.Category, &rec.CreatorAddress, &rec.IsLive,
		&rec.CreatedAt, &rec.StartedAt, &rec.EndedAt, &rec.UpdatedAt,
		&rec.AssetID, &rec.AssetPlaybackID, &rec.VODURL,
		&rec.PreviewURL, &rec.PreviewUserSet,
		&rec.ViewerCount, &rec.PeakViewers); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrStreamNotFound
		}
		return nil, err
	}
	if keyEnc == 1 && rec.StreamKey != "" {
		enc, err := getEncryptor()
		if err != nil {
			return nil, fmt.Errorf("get encryptor for decryption: %w", err)
		}
		if enc == nil {
			return nil, fmt.Errorf("stream key is encrypted but ENCRYPTION_KEY not configured")
		}
		key, err := crypto.DecryptString(enc, rec.StreamKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt stream key: %w", err)
		}
		rec.StreamKey = key
	}
	return &rec, nil
}

// InsertStream persists a newly created stream. The ingest stream key is encrypted
// at rest when ENCRYPTION_KEY is configured.
func InsertStream(ctx context.Context, dbx *sql.DB, rec *StreamRecord) (int64, error) {
	enc, err := getEncryptor()
	if err != nil {
		return 0, fmt.Errorf("get encryptor: %w", err)
	}
	keyEnc := 0
	keyToStore := rec.StreamKey
	if enc != nil && rec.StreamKey != "" {
		keyEnc = 1
		keyToStore, err = crypto.EncryptString(enc, rec.StreamKey)
		if err != nil {
			return 0, fmt.Errorf("encrypt stream key: %w", err)
		}
	}
	var id int64
	err = dbx.QueryRowContext(ctx, `
		INSERT INTO streams (upstream_id, playback_id, stream_key, stream_key_enc, title, category, creator_address, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
		RETURNING id`,
		rec.UpstreamID, rec.PlaybackID, keyToStore, keyEnc, rec.Title, rec.Category, rec.CreatorAddress).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert stream: %w", err)
	}
	return id, nil
}

// GetStream fetches a stream row by internal id.
func GetStream(ctx context.Context, dbx *sql.DB, id int64) (*StreamRecord, error) {
	row := dbx.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id=$1`, id)
	return scanStream(row)
}

// GetStreamByUpstreamID fetches a stream row by its upstream stream id.
func GetStreamByUpstreamID(ctx context.Context, dbx *sql.DB, upstreamID string) (*StreamRecord, error) {
	row := dbx.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE upstream_id=$1`, upstreamID)
	return scanStream(row)
}

// ListStreams returns streams ordered live-first then newest-first.
func ListStreams(ctx context.Context, dbx *sql.DB, limit, offset int) ([]*StreamRecord, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT `+streamColumns+` FROM streams
		ORDER BY is_live DESC, created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*StreamRecord, 0)
	for rows.Next() {
		rec, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListUnresolvedStreams returns streams not yet in a terminal ready state:
// anything live, offline-unconfirmed, or ended without a resolved recording.
func ListUnresolvedStreams(ctx context.Context, dbx *sql.DB, limit int) ([]*StreamRecord, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT `+streamColumns+` FROM streams
		WHERE ended_at IS NULL OR COALESCE(asset_playback_id,'')='' OR COALESCE(vod_url,'')=''
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*StreamRecord, 0)
	for rows.Next() {
		rec, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetLive updates the liveness flag and returns the new row. The update is
// guarded so it never touches a stream whose ended_at is already set, and
// started_at is set exactly once on the first live transition.
func SetLive(ctx context.Context, dbx *sql.DB, id int64, live bool) (*StreamRecord, error) {
	row := dbx.QueryRowContext(ctx, `
		UPDATE streams
		SET is_live = CASE WHEN ended_at IS NULL THEN $2 ELSE FALSE END,
		    started_at = CASE WHEN $2 AND ended_at IS NULL THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    updated_at = NOW()
		WHERE id=$1
		RETURNING `+streamColumns, id, live)
	return scanStream(row)
}

// MarkEnded sets ended_at exactly once (COALESCE keeps the first value) and
// forces is_live false. Safe to call repeatedly.
func MarkEnded(ctx context.Context, dbx *sql.DB, id int64) (*StreamRecord, error) {
	row := dbx.QueryRowContext(ctx, `
		UPDATE streams
		SET ended_at = COALESCE(ended_at, NOW()),
		    is_live = FALSE,
		    updated_at = NOW()
		WHERE id=$1
		RETURNING `+streamColumns, id)
	return scanStream(row)
}

// SaveRecording caches the resolved recording asset on an ended stream and
// returns the new row. NULLIF/COALESCE guards keep already-set fields from
// regressing to empty on repeated reconciliation passes.
func SaveRecording(ctx context.Context, dbx *sql.DB, id int64, assetID, assetPlaybackID, vodURL string) (*StreamRecord, error) {
	row := dbx.QueryRowContext(ctx, `
		UPDATE streams
		SET asset_id = COALESCE(NULLIF(asset_id,''), $2),
		    asset_playback_id = COALESCE(NULLIF(asset_playback_id,''), $3),
		    vod_url = COALESCE(NULLIF(vod_url,''), $4),
		    updated_at = NOW()
		WHERE id=$1 AND ended_at IS NOT NULL
		RETURNING `+streamColumns, id, assetID, assetPlaybackID, vodURL)
	rec, err := scanStream(row)
	if errors.Is(err, ErrStreamNotFound) {
		// Row exists but ended_at is unset: recording fields must not be
		// published for a stream that has not ended.
		return nil, fmt.Errorf("save recording: stream %d not ended", id)
	}
	return rec, err
}

// CacheAssetPlayback stores a resolved asset playback id so later view-count
// lookups skip the upstream round trip.
func CacheAssetPlayback(ctx context.Context, dbx *sql.DB, id int64, assetID, assetPlaybackID string) error {
	_, err := dbx.ExecContext(ctx, `
		UPDATE streams
		SET asset_id = COALESCE(NULLIF(asset_id,''), $2),
		    asset_playback_id = COALESCE(NULLIF(asset_playback_id,''), $3),
		    updated_at = NOW()
		WHERE id=$1 AND ended_at IS NOT NULL`, id, assetID, assetPlaybackID)
	return err
}

// UpdateViewerStats records the current concurrent viewer count and ratchets peak_viewers.
func UpdateViewerStats(ctx context.Context, dbx *sql.DB, id int64, viewers int) error {
	_, err := dbx.ExecContext(ctx, `
		UPDATE streams
		SET viewer_count=$2,
		    peak_viewers=GREATEST(COALESCE(peak_viewers,0), $2),
		    updated_at=NOW()
		WHERE id=$1`, id, viewers)
	return err
}

// SetGeneratedPreview stores a generated thumbnail URL unless the creator
// uploaded their own preview image, which is never overwritten.
func SetGeneratedPreview(ctx context.Context, dbx *sql.DB, id int64, url string) error {
	_, err := dbx.ExecContext(ctx, `
		UPDATE streams
		SET preview_url=$2, updated_at=NOW()
		WHERE id=$1 AND COALESCE(preview_user_set,FALSE)=FALSE AND COALESCE(preview_url,'')=''`, id, url)
	return err
}

// StreamPatch carries the raw field updates allowed through PATCH /streams/{id}.
// Nil fields are left untouched.
type StreamPatch struct {
	Title      *string
	Category   *string
	PreviewURL *string
}

// UpdateStreamFields applies a raw patch without reconciliation and returns the new row.
// Setting PreviewURL marks the preview as user-provided.
func UpdateStreamFields(ctx context.Context, dbx *sql.DB, id int64, patch StreamPatch) (*StreamRecord, error) {
	row := dbx.QueryRowContext(ctx, `
		UPDATE streams
		SET title = COALESCE($2, title),
		    category = COALESCE($3, category),
		    preview_url = COALESCE($4, preview_url),
		    preview_user_set = CASE WHEN $4 IS NOT NULL THEN TRUE ELSE preview_user_set END,
		    updated_at = NOW()
		WHERE id=$1
		RETURNING `+streamColumns, id, patch.Title, patch.Category, patch.PreviewURL)
	return scanStream(row)
}

// DeleteStreamPermanent removes the stream row and all dependent chat and like
// rows in a single transaction. Any failure aborts the whole operation and the
// stream row survives.
func DeleteStreamPermanent(ctx context.Context, dbx *sql.DB, id int64) error {
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE stream_id=$1`, id); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stream_likes WHERE stream_id=$1`, id); err != nil {
		return fmt.Errorf("delete likes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStreamNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}
