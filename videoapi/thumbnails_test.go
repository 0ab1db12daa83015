package videoapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/wavecast-live/wavecast/backend/testutil"
)

func TestGetLiveThumbnailURL(t *testing.T) {
	tests := []struct {
		name    string
		sources []map[string]any
		want    string
	}{
		{
			name: "image source type preferred",
			sources: []map[string]any{
				{"type": "html5/application/vnd.apple.mpegurl", "url": "http://cdn/hls.m3u8"},
				{"type": "image/png", "url": "http://cdn/thumb.png"},
			},
			want: "http://cdn/thumb.png",
		},
		{
			name: "jpg suffix fallback",
			sources: []map[string]any{
				{"type": "html5/application/vnd.apple.mpegurl", "url": "http://cdn/hls.m3u8"},
				{"type": "unknown", "url": "http://cdn/frame.JPG"},
			},
			want: "http://cdn/frame.JPG",
		},
		{
			name: "no candidate means placeholder",
			sources: []map[string]any{
				{"type": "html5/application/vnd.apple.mpegurl", "url": "http://cdn/hls.m3u8"},
			},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockVideoServer(t)
			m.RespondJSON("/playback/pb1", map[string]any{
				"type": "live",
				"meta": map[string]any{"source": tt.sources},
			})
			c := testClient(m)

			got, err := c.GetLiveThumbnailURL(context.Background(), "pb1")
			if err != nil {
				t.Fatalf("GetLiveThumbnailURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GetLiveThumbnailURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateAndVerifyThumbnail_Verified(t *testing.T) {
	m := testutil.NewMockVideoServer(t)
	m.RespondJSON("/playback/pb1", map[string]any{
		"type": "live",
		"meta": map[string]any{"source": []map[string]any{
			{"type": "image/jpeg", "url": m.URL + "/thumb.jpg"},
		}},
	})
	m.Handlers["/thumb.jpg"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}
	c := testClient(m)

	url, err := c.GenerateAndVerifyThumbnail(context.Background(), "pb1", ThumbnailOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("GenerateAndVerifyThumbnail() error = %v", err)
	}
	if url != m.URL+"/thumb.jpg" {
		t.Errorf("url = %q", url)
	}
}

// The candidate is still returned when verification never succeeds, because
// upstream thumbnails generate asynchronously.
func TestGenerateAndVerifyThumbnail_UnverifiedCandidateReturned(t *testing.T) {
	m := testutil.NewMockVideoServer(t)
	m.RespondJSON("/playback/pb1", map[string]any{
		"type": "live",
		"meta": map[string]any{"source": []map[string]any{
			{"type": "image/jpeg", "url": m.URL + "/missing.jpg"},
		}},
	})
	c := testClient(m)

	url, err := c.GenerateAndVerifyThumbnail(context.Background(), "pb1", ThumbnailOptions{MaxAttempts: 2, BackoffBase: time.Millisecond})
	if err != nil {
		t.Fatalf("GenerateAndVerifyThumbnail() error = %v", err)
	}
	if url != m.URL+"/missing.jpg" {
		t.Errorf("url = %q, want unverified candidate", url)
	}
}

func TestGenerateAndVerifyThumbnail_NoCandidate(t *testing.T) {
	m := testutil.NewMockVideoServer(t)
	m.RespondJSON("/playback/pb1", map[string]any{"type": "live"})
	c := testClient(m)

	url, err := c.GenerateAndVerifyThumbnail(context.Background(), "pb1", ThumbnailOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("GenerateAndVerifyThumbnail() error = %v", err)
	}
	if url != "" {
		t.Errorf("url = %q, want empty", url)
	}
}
