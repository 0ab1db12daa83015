package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *authConfig
		token      string
		basicUser  string
		basicPass  string
		wantStatus int
	}{
		{
			name:       "auth disabled passes through",
			cfg:        &authConfig{enabled: false},
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid token",
			cfg:        &authConfig{adminToken: "secret", enabled: true},
			token:      "secret",
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid token",
			cfg:        &authConfig{adminToken: "secret", enabled: true},
			token:      "wrong",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "valid basic auth",
			cfg:        &authConfig{adminUsername: "admin", adminPassword: "pass", enabled: true},
			basicUser:  "admin",
			basicPass:  "pass",
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid basic auth",
			cfg:        &authConfig{adminUsername: "admin", adminPassword: "pass", enabled: true},
			basicUser:  "admin",
			basicPass:  "nope",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no credentials",
			cfg:        &authConfig{adminToken: "secret", enabled: true},
			wantStatus: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), tt.cfg)

			req := httptest.NewRequest(http.MethodGet, "/admin/streams/reconcile", nil)
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			if tt.basicUser != "" {
				req.SetBasicAuth(tt.basicUser, tt.basicPass)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header on 401")
			}
		})
	}
}

func TestIPRateLimiter(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 3, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Error("request over limit allowed")
	}
	// Other IPs are tracked independently.
	if !limiter.allow("10.0.0.2") {
		t.Error("different IP denied")
	}
}

func TestIPRateLimiter_Disabled(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)
	for i := 0; i < 10; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestRateLimitMiddleware_ForwardedFor(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)
	handler := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), limiter)

	req := httptest.NewRequest(http.MethodPost, "/streams", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header on 429")
	}
}

func TestWithCORSConfig(t *testing.T) {
	t.Run("permissive", func(t *testing.T) {
		handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}), &corsConfig{permissive: true})

		req := httptest.NewRequest(http.MethodGet, "/streams", nil)
		req.Header.Set("Origin", "http://anything.example")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Allow-Origin = %q, want *", got)
		}
	})

	t.Run("restricted allows configured origin", func(t *testing.T) {
		handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}), &corsConfig{allowedOrigins: []string{"https://app.wavecast.live"}})

		req := httptest.NewRequest(http.MethodGet, "/streams", nil)
		req.Header.Set("Origin", "https://app.wavecast.live")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.wavecast.live" {
			t.Errorf("Allow-Origin = %q", got)
		}

		req.Header.Set("Origin", "https://evil.example")
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q for unlisted origin, want empty", got)
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		called := false
		handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}), &corsConfig{permissive: true})

		req := httptest.NewRequest(http.MethodOptions, "/streams", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", w.Code)
		}
		if called {
			t.Error("preflight reached inner handler")
		}
	})
}

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.wavecast.live", "*.wavecast.live"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.wavecast.live", true},
		{"https://studio.wavecast.live", true},
		{"https://wavecast.live", true},
		{"https://evil.example", false},
		{"https://wavecast.live.evil.example", false},
	}
	for _, tt := range tests {
		if got := isOriginAllowed(tt.origin, allowed); got != tt.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestWalletFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid lowercase", "0xabcdef1234567890abcdef1234567890abcdef12", "0xabcdef1234567890abcdef1234567890abcdef12"},
		{"valid mixed case is lowercased", "0xABCDEF1234567890abcdef1234567890ABCDEF12", "0xabcdef1234567890abcdef1234567890abcdef12"},
		{"missing", "", ""},
		{"too short", "0xabc", ""},
		{"no prefix", "abcdef1234567890abcdef1234567890abcdef1212", ""},
		{"non-hex characters", "0xzzzdef1234567890abcdef1234567890abcdef12", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/streams", nil)
			if tt.header != "" {
				req.Header.Set("X-Wallet-Address", tt.header)
			}
			if got := walletFromRequest(req); got != tt.want {
				t.Errorf("walletFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseIntQuery(t *testing.T) {
	tests := []struct {
		url  string
		key  string
		def  int
		want int
	}{
		{"/streams?limit=5", "limit", 50, 5},
		{"/streams", "limit", 50, 50},
		{"/streams?limit=abc", "limit", 50, 50},
		{"/streams?offset=0", "offset", 10, 0},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.url, nil)
		if got := parseIntQuery(req, tt.key, tt.def); got != tt.want {
			t.Errorf("parseIntQuery(%q, %q) = %d, want %d", tt.url, tt.key, got, tt.want)
		}
	}
}
