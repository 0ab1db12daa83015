// Package videoapi is a typed façade over the upstream live-video platform's HTTP API:
// stream CRUD, session listing, asset listing/lookup, playback info, viewer analytics,
// and thumbnail resolution. The upstream is inconsistent about response shapes and
// field names; all normalization happens here so the rest of the service only ever
// sees the types in this package.
package videoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/wavecast-live/wavecast/backend/telemetry"
)

// Per-call timeout classes. Important calls get more headroom; analytics and
// thumbnail probes fail fast because their callers fall back to neutral values.
const (
	timeoutDefault = 10 * time.Second
	timeoutList    = 8 * time.Second
	timeoutViews   = 5 * time.Second
	timeoutProbe   = 3 * time.Second
)

// Client talks to the upstream video platform. Construct one and pass it
// explicitly; there is no ambient singleton, which keeps tests deterministic
// with a fake upstream.
type Client struct {
	BaseURL    string // e.g. https://livepeer.studio/api
	APIKey     string
	HLSBase    string // base for constructed VOD URLs: {HLSBase}/hls/{playbackId}/index.m3u8
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// UpstreamError is a non-2xx response from the video platform.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// IsUpstreamStatus reports whether err is an UpstreamError with the given status.
func IsUpstreamStatus(err error, status int) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Status == status
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// doJSON performs a request against the upstream API and decodes the JSON body
// into out (when out is non-nil). Non-2xx responses become *UpstreamError.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	start := time.Now()
	resp, err := c.http().Do(req)
	if telemetry.UpstreamRequestDuration != nil {
		telemetry.UpstreamRequestDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if telemetry.UpstreamErrors != nil {
			telemetry.UpstreamErrors.Inc()
		}
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if telemetry.UpstreamErrors != nil {
			telemetry.UpstreamErrors.Inc()
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// msTime converts an upstream epoch-milliseconds value to time.Time (zero when unset).
func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// StreamInfo is the normalized shape of an upstream stream object.
type StreamInfo struct {
	ID              string
	Name            string
	PlaybackID      string
	StreamKey       string
	Active          bool
	LastSeen        time.Time
	IngestedSeconds float64  // duration of source segments ingested so far
	RecordingURLs   []string // raw recording URLs exposed on stream metadata, if any
}

// streamEnvelope covers the field-name and nesting variants the upstream has
// been observed to return for a stream object.
type streamEnvelope struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PlaybackID    string `json:"playbackId"`
	PlaybackIDAlt string `json:"playback_id"`
	Playback      *struct {
		ID string `json:"id"`
	} `json:"playback"`
	StreamKey              string  `json:"streamKey"`
	StreamKeyAlt           string  `json:"stream_key"`
	IsActive               *bool   `json:"isActive"`
	Active                 *bool   `json:"active"`
	LastSeen               int64   `json:"lastSeen"`
	SourceSegmentsDuration float64 `json:"sourceSegmentsDuration"`
	Recordings             []struct {
		URL          string `json:"url"`
		RecordingURL string `json:"recordingUrl"`
	} `json:"recordings"`
}

func (e *streamEnvelope) normalize() StreamInfo {
	info := StreamInfo{
		ID:              e.ID,
		Name:            e.Name,
		PlaybackID:      e.PlaybackID,
		StreamKey:       e.StreamKey,
		LastSeen:        msTime(e.LastSeen),
		IngestedSeconds: e.SourceSegmentsDuration,
	}
	if info.PlaybackID == "" {
		info.PlaybackID = e.PlaybackIDAlt
	}
	if info.PlaybackID == "" && e.Playback != nil {
		info.PlaybackID = e.Playback.ID
	}
	if info.StreamKey == "" {
		info.StreamKey = e.StreamKeyAlt
	}
	if e.IsActive != nil {
		info.Active = *e.IsActive
	} else if e.Active != nil {
		info.Active = *e.Active
	}
	for _, r := range e.Recordings {
		u := r.URL
		if u == "" {
			u = r.RecordingURL
		}
		if u != "" {
			info.RecordingURLs = append(info.RecordingURLs, u)
		}
	}
	return info
}

// CreatedStream is the result of provisioning a new upstream stream.
type CreatedStream struct {
	ID         string
	PlaybackID string
	StreamKey  string
}

// CreateStream provisions a stream on the upstream platform with recording enabled.
func (c *Client) CreateStream(ctx context.Context, name string) (*CreatedStream, error) {
	if name == "" {
		return nil, fmt.Errorf("name empty")
	}
	var env streamEnvelope
	body := map[string]any{"name": name, "record": true}
	if err := c.doJSON(ctx, http.MethodPost, "/stream", nil, body, timeoutDefault, &env); err != nil {
		return nil, err
	}
	info := env.normalize()
	return &CreatedStream{ID: info.ID, PlaybackID: info.PlaybackID, StreamKey: info.StreamKey}, nil
}

// GetStream fetches and normalizes a stream object by upstream id.
func (c *Client) GetStream(ctx context.Context, streamID string) (*StreamInfo, error) {
	if streamID == "" {
		return nil, fmt.Errorf("streamID empty")
	}
	var env streamEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/stream/"+streamID, nil, nil, timeoutDefault, &env); err != nil {
		return nil, err
	}
	info := env.normalize()
	return &info, nil
}

// Session is a normalized per-broadcast record. Sessions appear faster than
// recording assets but are less authoritative; they are used only as a fallback
// source of a playback URL before the asset exists.
type Session struct {
	ID              string
	Record          bool
	RecordingStatus string
	RecordingURL    string
	Active          bool
	CreatedAt       time.Time
	LastSeen        time.Time
}

// HasRecording reports whether the session carries any recording signal.
func (s Session) HasRecording() bool {
	return s.Record || s.RecordingURL != "" || s.RecordingStatus == "ready"
}

type sessionEnvelope struct {
	ID              string `json:"id"`
	Record          bool   `json:"record"`
	RecordingStatus string `json:"recordingStatus"`
	RecordingURL    string `json:"recordingUrl"`
	Mp4URL          string `json:"mp4Url"`
	IsActive        *bool  `json:"isActive"`
	CreatedAt       int64  `json:"createdAt"`
	LastSeen        int64  `json:"lastSeen"`
}

func (e *sessionEnvelope) normalize() Session {
	s := Session{
		ID:              e.ID,
		Record:          e.Record,
		RecordingStatus: e.RecordingStatus,
		RecordingURL:    e.RecordingURL,
		CreatedAt:       msTime(e.CreatedAt),
		LastSeen:        msTime(e.LastSeen),
	}
	if s.RecordingURL == "" {
		s.RecordingURL = e.Mp4URL
	}
	if e.IsActive != nil {
		s.Active = *e.IsActive
	}
	return s
}

// SessionOptions controls GetStreamSessions filtering.
type SessionOptions struct {
	Limit      int
	RecordOnly bool
}

// GetStreamSessions lists broadcast sessions for a stream, newest first.
// A 404 means the stream simply has no sessions yet and returns an empty
// slice, not an error.
func (c *Client) GetStreamSessions(ctx context.Context, streamID string, opts SessionOptions) ([]Session, error) {
	if streamID == "" {
		return nil, fmt.Errorf("streamID empty")
	}
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	var envs []sessionEnvelope
	err := c.doJSON(ctx, http.MethodGet, "/stream/"+streamID+"/sessions", q, nil, timeoutList, &envs)
	if err != nil {
		if IsUpstreamStatus(err, http.StatusNotFound) {
			return []Session{}, nil
		}
		return nil, err
	}
	out := make([]Session, 0, len(envs))
	for i := range envs {
		s := envs[i].normalize()
		if opts.RecordOnly && !s.HasRecording() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PlaybackSource is one playable rendition in playback info.
type PlaybackSource struct {
	Type string // e.g. html5/application/vnd.apple.mpegurl, image/png
	URL  string
}

// PlaybackInfo exposes the playback type ("live" or "vod") and source URLs for
// a playback id. Used for thumbnail extraction and for detecting the live→vod
// transition.
type PlaybackInfo struct {
	Type    string
	Sources []PlaybackSource
}

type playbackEnvelope struct {
	Type string `json:"type"`
	Meta struct {
		Source []struct {
			HRN  string `json:"hrn"`
			Type string `json:"type"`
			URL  string `json:"url"`
		} `json:"source"`
	} `json:"meta"`
}

// GetPlaybackInfo fetches playback metadata for a playback id.
func (c *Client) GetPlaybackInfo(ctx context.Context, playbackID string) (*PlaybackInfo, error) {
	if playbackID == "" {
		return nil, fmt.Errorf("playbackID empty")
	}
	var env playbackEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/playback/"+playbackID, nil, nil, timeoutDefault, &env); err != nil {
		return nil, err
	}
	info := &PlaybackInfo{Type: env.Type}
	for _, s := range env.Meta.Source {
		t := s.Type
		if t == "" {
			t = s.HRN
		}
		info.Sources = append(info.Sources, PlaybackSource{Type: t, URL: s.URL})
	}
	return info, nil
}
