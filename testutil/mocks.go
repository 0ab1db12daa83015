package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockVideoServer creates a test server that mocks upstream video platform
// API responses. Handlers are keyed by URL path; unregistered paths 404.
type MockVideoServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockVideoServer creates a new mock upstream video API server
func NewMockVideoServer(t *testing.T) *MockVideoServer {
	t.Helper()
	m := &MockVideoServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// RespondJSON registers a handler that writes the given value as JSON.
func (m *MockVideoServer) RespondJSON(path string, v any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
	}
}

// RespondStatus registers a handler that writes a bare status code.
func (m *MockVideoServer) RespondStatus(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockStream registers GET /stream/{id} with the given fields.
func (m *MockVideoServer) MockStream(id string, fields map[string]any) {
	body := map[string]any{"id": id}
	for k, v := range fields {
		body[k] = v
	}
	m.RespondJSON("/stream/"+id, body)
}

// MockSessions registers GET /stream/{id}/sessions with the given sessions.
func (m *MockVideoServer) MockSessions(id string, sessions []map[string]any) {
	m.RespondJSON("/stream/"+id+"/sessions", sessions)
}

// MockAssetList registers GET /asset with the given envelope. Pass a bare
// slice or a wrapped object to exercise the different list shapes.
func (m *MockVideoServer) MockAssetList(v any) {
	m.RespondJSON("/asset", v)
}

// MockAsset registers GET /asset/{id} with the given fields.
func (m *MockVideoServer) MockAsset(id string, fields map[string]any) {
	body := map[string]any{"id": id}
	for k, v := range fields {
		body[k] = v
	}
	m.RespondJSON("/asset/"+id, body)
}

// MockTotalViews registers GET /data/views/total/{playbackID}.
func (m *MockVideoServer) MockTotalViews(playbackID string, views int64) {
	m.RespondJSON("/data/views/total/"+playbackID, map[string]any{"viewCount": views})
}

// MockViewersNow registers GET /data/views/now (concurrent viewer count).
func (m *MockVideoServer) MockViewersNow(views int64) {
	m.RespondJSON("/data/views/now", map[string]any{"viewCount": views})
}
