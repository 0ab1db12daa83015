package videoapi

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// GetLiveThumbnailURL resolves a thumbnail candidate from playback-info
// metadata. Returns "" when no candidate URL exists at all; callers must treat
// that as "show placeholder", never as an error.
func (c *Client) GetLiveThumbnailURL(ctx context.Context, playbackID string) (string, error) {
	info, err := c.GetPlaybackInfo(ctx, playbackID)
	if err != nil {
		return "", err
	}
	for _, s := range info.Sources {
		if strings.HasPrefix(s.Type, "image/") {
			return s.URL, nil
		}
	}
	for _, s := range info.Sources {
		lower := strings.ToLower(s.URL)
		if strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") || strings.HasSuffix(lower, ".png") {
			return s.URL, nil
		}
	}
	return "", nil
}

// ThumbnailOptions controls verification retry behavior.
type ThumbnailOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// GenerateAndVerifyThumbnail resolves a thumbnail candidate and verifies it is
// reachable with bounded retries and exponential backoff. Upstream thumbnails
// generate asynchronously, so the best-effort URL is returned even when
// verification ultimately fails; "" is returned only when no candidate exists.
func (c *Client) GenerateAndVerifyThumbnail(ctx context.Context, playbackID string, opts ThumbnailOptions) (string, error) {
	candidate, err := c.GetLiveThumbnailURL(ctx, playbackID)
	if err != nil {
		return "", err
	}
	if candidate == "" {
		return "", nil
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	baseBackoff := opts.BackoffBase
	if baseBackoff <= 0 {
		baseBackoff = 500 * time.Millisecond
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<attempt)
			backoff += time.Duration(rand.Int63n(int64(baseBackoff))) // jitter up to baseBackoff extra
			select {
			case <-ctx.Done():
				return candidate, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if c.probeURL(ctx, candidate) {
			return candidate, nil
		}
	}
	slog.Debug("thumbnail verification exhausted, returning unverified candidate",
		slog.String("playback_id", playbackID), slog.String("url", candidate), slog.String("component", "videoapi"))
	return candidate, nil
}

// probeURL checks reachability of a URL with a HEAD request.
func (c *Client) probeURL(ctx context.Context, rawURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, timeoutProbe)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return false
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
