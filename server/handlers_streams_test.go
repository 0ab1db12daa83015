package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wavecast-live/wavecast/backend/db"
	"github.com/wavecast-live/wavecast/backend/telemetry"
	"github.com/wavecast-live/wavecast/backend/testutil"
	"github.com/wavecast-live/wavecast/backend/videoapi"
)

const testWallet = "0x1111111111111111111111111111111111111111"

func TestMain(m *testing.M) {
	telemetry.Init()
	m.Run()
}

func setupServer(t *testing.T) (http.Handler, *sql.DB, *testutil.MockVideoServer) {
	t.Helper()
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	database := testutil.SetupTestDB(t)
	testutil.ResetStreams(t, database)
	m := testutil.NewMockVideoServer(t)
	video := &videoapi.Client{BaseURL: m.URL, APIKey: "test-key", HLSBase: "http://cdn.test"}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, database, video), database, m
}

func doJSON(t *testing.T, h http.Handler, method, path, wallet string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if wallet != "" {
		req.Header.Set("X-Wallet-Address", wallet)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreateStreamEndpoint(t *testing.T) {
	h, _, m := setupServer(t)
	m.RespondJSON("/stream", map[string]any{"id": "up1", "playbackId": "pb1", "streamKey": "key1"})

	w := doJSON(t, h, http.MethodPost, "/streams", testWallet, map[string]any{"title": "launch party", "category": "music"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["upstream_id"] != "up1" || got["title"] != "launch party" || got["state"] != "scheduled" {
		t.Errorf("create response = %v", got)
	}
	// The creator gets their ingest key back.
	if got["stream_key"] != "key1" {
		t.Errorf("stream_key = %v, want key1", got["stream_key"])
	}
	if got["creator_address"] != testWallet {
		t.Errorf("creator_address = %v", got["creator_address"])
	}
}

func TestCreateStream_RequiresWallet(t *testing.T) {
	h, _, _ := setupServer(t)
	w := doJSON(t, h, http.MethodPost, "/streams", "", map[string]any{"title": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestCreateStream_RequiresTitle(t *testing.T) {
	h, _, _ := setupServer(t)
	w := doJSON(t, h, http.MethodPost, "/streams", testWallet, map[string]any{"title": "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateStream_UpstreamFailure(t *testing.T) {
	h, _, m := setupServer(t)
	m.RespondStatus("/stream", http.StatusServiceUnavailable)
	w := doJSON(t, h, http.MethodPost, "/streams", testWallet, map[string]any{"title": "x"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func seedStream(t *testing.T, database *sql.DB, upstreamID, wallet string) *db.StreamRecord {
	t.Helper()
	id, err := db.InsertStream(context.Background(), database, &db.StreamRecord{
		UpstreamID: upstreamID, PlaybackID: "pb-" + upstreamID, StreamKey: "k", Title: "seeded",
		CreatorAddress: wallet,
	})
	if err != nil {
		t.Fatalf("InsertStream() error = %v", err)
	}
	rec, err := db.GetStream(context.Background(), database, id)
	if err != nil {
		t.Fatalf("GetStream() error = %v", err)
	}
	return rec
}

func TestStreamList(t *testing.T) {
	h, database, _ := setupServer(t)
	seedStream(t, database, "up-l1", testWallet)
	seedStream(t, database, "up-l2", "")

	w := doJSON(t, h, http.MethodGet, "/streams", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	// Anonymous callers never see ingest keys.
	for _, item := range list {
		if _, ok := item["stream_key"]; ok {
			t.Errorf("stream_key leaked to anonymous caller: %v", item)
		}
	}
}

func TestStreamDetail_ReconcilesLiveness(t *testing.T) {
	h, database, m := setupServer(t)
	rec := seedStream(t, database, "up-d1", testWallet)
	m.MockStream("up-d1", map[string]any{"playbackId": "pb-up-d1", "isActive": true})
	m.MockSessions("up-d1", []map[string]any{})
	m.MockViewersNow(7)

	w := doJSON(t, h, http.MethodGet, fmt.Sprintf("/streams/%d", rec.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["state"] != "live" || got["is_live"] != true {
		t.Errorf("detail = %v, want live", got)
	}
	if got["viewer_count"] != float64(7) {
		t.Errorf("viewer_count = %v, want 7", got["viewer_count"])
	}
}

func TestStreamDetail_NotFound(t *testing.T) {
	h, _, _ := setupServer(t)
	w := doJSON(t, h, http.MethodGet, "/streams/999999", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestStreamPatch_OwnerOnly(t *testing.T) {
	h, database, _ := setupServer(t)
	rec := seedStream(t, database, "up-p1", testWallet)

	// Stranger
	w := doJSON(t, h, http.MethodPatch, fmt.Sprintf("/streams/%d", rec.ID),
		"0x2222222222222222222222222222222222222222", map[string]any{"title": "hijack"})
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger patch status = %d, want 403", w.Code)
	}

	// No identity
	w = doJSON(t, h, http.MethodPatch, fmt.Sprintf("/streams/%d", rec.ID), "", map[string]any{"title": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous patch status = %d, want 401", w.Code)
	}

	// Owner
	w = doJSON(t, h, http.MethodPatch, fmt.Sprintf("/streams/%d", rec.ID), testWallet, map[string]any{"title": "renamed"})
	if w.Code != http.StatusOK {
		t.Fatalf("owner patch status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["title"] != "renamed" {
		t.Errorf("title = %v", got["title"])
	}
}

func TestStreamDelete_EndTransition(t *testing.T) {
	h, database, m := setupServer(t)
	rec := seedStream(t, database, "up-e1", testWallet)
	m.MockStream("up-e1", map[string]any{"playbackId": "pb-up-e1"})
	m.MockAssetList([]map[string]any{})

	w := doJSON(t, h, http.MethodDelete, fmt.Sprintf("/streams/%d", rec.ID), testWallet, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["state"] != "ended_processing" {
		t.Errorf("state = %v, want ended_processing", got["state"])
	}
	if got["ended_at"] == nil {
		t.Error("ended_at missing")
	}
}

func TestStreamDelete_Permanent(t *testing.T) {
	h, database, _ := setupServer(t)
	rec := seedStream(t, database, "up-pd1", testWallet)

	w := doJSON(t, h, http.MethodDelete, fmt.Sprintf("/streams/%d", rec.ID), testWallet, map[string]any{"permanent": true})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if _, err := db.GetStream(context.Background(), database, rec.ID); err != db.ErrStreamNotFound {
		t.Errorf("stream still present after permanent delete: %v", err)
	}
}

func TestStreamRecording_States(t *testing.T) {
	h, database, m := setupServer(t)
	rec := seedStream(t, database, "up-r1", testWallet)
	if _, err := db.MarkEnded(context.Background(), database, rec.ID); err != nil {
		t.Fatalf("MarkEnded() error = %v", err)
	}
	m.MockStream("up-r1", map[string]any{"playbackId": "pb-up-r1"})

	// Nothing exists yet: 404 body with a message, not an error page.
	m.MockAssetList([]map[string]any{})
	m.MockSessions("up-r1", []map[string]any{})
	w := doJSON(t, h, http.MethodGet, fmt.Sprintf("/streams/%d/recording", rec.ID), "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("empty status = %d, want 404 (body %s)", w.Code, w.Body.String())
	}

	// Asset exists but processing: 202 with a retry hint.
	m.MockAssetList([]map[string]any{{"id": "a1", "status": "processing", "sourceStreamId": "up-r1"}})
	m.MockAsset("a1", map[string]any{"status": "processing", "sourceStreamId": "up-r1"})
	w = doJSON(t, h, http.MethodGet, fmt.Sprintf("/streams/%d/recording", rec.ID), "", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("processing status = %d, want 202 (body %s)", w.Code, w.Body.String())
	}

	// Asset ready: 200 with the recording object, persisted for later polls.
	m.MockAssetList([]map[string]any{{"id": "a1", "status": "ready", "sourceStreamId": "up-r1"}})
	m.MockAsset("a1", map[string]any{"status": "ready", "sourceStreamId": "up-r1", "playbackId": "pb-asset"})
	w = doJSON(t, h, http.MethodGet, fmt.Sprintf("/streams/%d/recording", rec.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ready status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	recObj, ok := got["recording"].(map[string]any)
	if !ok {
		t.Fatalf("recording missing: %v", got)
	}
	if recObj["playback_id"] != "pb-asset" || recObj["url"] != "http://cdn.test/hls/pb-asset/index.m3u8" {
		t.Errorf("recording = %v", recObj)
	}

	saved, _ := db.GetStream(context.Background(), database, rec.ID)
	if saved.AssetPlaybackID != "pb-asset" {
		t.Errorf("recording not persisted: %+v", saved)
	}
}

func TestStreamRecording_SessionFallback(t *testing.T) {
	h, database, m := setupServer(t)
	rec := seedStream(t, database, "up-r2", testWallet)
	if _, err := db.MarkEnded(context.Background(), database, rec.ID); err != nil {
		t.Fatalf("MarkEnded() error = %v", err)
	}
	m.MockStream("up-r2", map[string]any{"playbackId": "pb-up-r2"})
	m.MockAssetList([]map[string]any{})
	m.MockSessions("up-r2", []map[string]any{
		{"id": "sess", "record": true, "recordingUrl": "http://rec/early.m3u8"},
	})

	w := doJSON(t, h, http.MethodGet, fmt.Sprintf("/streams/%d/recording", rec.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	recObj := got["recording"].(map[string]any)
	if recObj["url"] != "http://rec/early.m3u8" || recObj["source"] != "session" {
		t.Errorf("recording = %v, want early session url", recObj)
	}
}

func TestStreamRecording_ExplicitAssetID(t *testing.T) {
	h, database, m := setupServer(t)
	rec := seedStream(t, database, "up-r3", testWallet)
	m.MockAsset("forced", map[string]any{"status": "ready", "playbackId": "pb-forced"})

	w := doJSON(t, h, http.MethodGet, fmt.Sprintf("/streams/%d/recording?assetId=forced", rec.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	recObj := got["recording"].(map[string]any)
	if recObj["asset_id"] != "forced" || recObj["playback_id"] != "pb-forced" {
		t.Errorf("recording = %v", recObj)
	}
}

func TestStreamViewers(t *testing.T) {
	h, database, m := setupServer(t)
	rec := seedStream(t, database, "up-v1", testWallet)
	m.MockViewersNow(11)
	m.MockTotalViews("pb-up-v1", 300)

	w := doJSON(t, h, http.MethodGet, fmt.Sprintf("/streams/%d/viewers", rec.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["viewer_count"] != float64(11) {
		t.Errorf("viewer_count = %v, want 11", got["viewer_count"])
	}
	if got["total_views"] != float64(300) {
		t.Errorf("total_views = %v, want 300", got["total_views"])
	}
}

func TestAdminReconcileSingle(t *testing.T) {
	h, database, m := setupServer(t)
	rec := seedStream(t, database, "up-adm", testWallet)
	m.MockStream("up-adm", map[string]any{"playbackId": "pb-up-adm", "isActive": true})
	m.MockSessions("up-adm", []map[string]any{})
	m.MockViewersNow(1)

	w := doJSON(t, h, http.MethodPost, fmt.Sprintf("/admin/streams/reconcile?id=%d", rec.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	stream, ok := got["stream"].(map[string]any)
	if !ok || stream["state"] != "live" {
		t.Errorf("admin reconcile = %v", got)
	}
}

func TestHealthz(t *testing.T) {
	h, _, _ := setupServer(t)
	w := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
}

func TestStatusCounts(t *testing.T) {
	h, database, _ := setupServer(t)
	seedStream(t, database, "up-s1", "")
	ended := seedStream(t, database, "up-s2", "")
	if _, err := db.MarkEnded(context.Background(), database, ended.ID); err != nil {
		t.Fatalf("MarkEnded() error = %v", err)
	}

	w := doJSON(t, h, http.MethodGet, "/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["streams_total"] != float64(2) {
		t.Errorf("streams_total = %v, want 2", got["streams_total"])
	}
	if got["streams_ended_processing"] != float64(1) {
		t.Errorf("streams_ended_processing = %v, want 1", got["streams_ended_processing"])
	}
}
