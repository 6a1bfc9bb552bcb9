package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/localtuner/multiviewer/internal/catalog"
	"github.com/localtuner/multiviewer/internal/session"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c := catalog.New()
	ctx := context.Background()
	if err := c.Replace(ctx, []catalog.Channel{
		{ID: "ch1", Name: "One", StreamURL: "https://example.com/one.m3u8"},
		{ID: "ch2", Name: "Two", StreamURL: "https://example.com/two.m3u8"},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	return c
}

func testServer(t *testing.T) (*Server, *catalog.Catalog) {
	t.Helper()
	cat := testCatalog(t)
	sess := session.New(session.Deps{Catalog: cat})
	return &Server{Session: sess, Catalog: cat}, cat
}

func TestHandleStatus_idleByDefault(t *testing.T) {
	s, _ := testServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rr.Code)
	}
	var got statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Mode != "idle" {
		t.Errorf("mode = %q, want idle", got.Mode)
	}
}

func TestHandleChannels_listsCatalog(t *testing.T) {
	s, _ := testServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ch1") {
		t.Errorf("body missing channel: %s", rr.Body.String())
	}
}

func TestHandleLayout_invalidKindIsBadRequest(t *testing.T) {
	s, _ := testServer(t)
	body, _ := json.Marshal(layoutRequest{Layout: "nonsense"})
	req := httptest.NewRequest(http.MethodPost, "/layout", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400, body=%s", rr.Code, rr.Body.String())
	}
}

// TestHandleLayout_pipAppliesAndEchoesStreams exercises spec scenario 1:
// applying a pip layout with named slots goes live and echoes the streams
// and audio_source back using the same vocabulary.
func TestHandleLayout_pipAppliesAndEchoesStreams(t *testing.T) {
	s, _ := testServer(t)
	body, _ := json.Marshal(layoutRequest{
		Layout:      "pip",
		Streams:     map[string]string{"main": "ch1", "inset": "ch2"},
		AudioSource: "main",
	})
	req := httptest.NewRequest(http.MethodPost, "/layout", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	var got layoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Streams["main"] != "ch1" || got.Streams["inset"] != "ch2" {
		t.Errorf("streams = %+v, want main=ch1 inset=ch2", got.Streams)
	}
	if got.AudioVolumes["main"] != 1.0 {
		t.Errorf("AudioVolumes[main] = %v, want 1.0", got.AudioVolumes["main"])
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/status", nil)
	statusRR := httptest.NewRecorder()
	s.Mux().ServeHTTP(statusRR, statusReq)
	var st statusResponse
	if err := json.Unmarshal(statusRR.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Mode != "live" {
		t.Errorf("status.mode = %q, want live", st.Mode)
	}
	if st.ConnectedClients != 0 {
		t.Errorf("status.connected_clients = %d, want 0", st.ConnectedClients)
	}
	if st.CurrentLayout == nil || st.CurrentLayout.Streams["main"] != "ch1" {
		t.Errorf("status.current_layout = %+v, want streams.main=ch1", st.CurrentLayout)
	}
}

// TestHandleLayout_unknownSlotNameIsBadRequest exercises the wire contract's
// named-slot vocabulary: a streams key not in the kind's scheme is rejected
// rather than silently ignored.
func TestHandleLayout_unknownSlotNameIsBadRequest(t *testing.T) {
	s, _ := testServer(t)
	body, _ := json.Marshal(layoutRequest{
		Layout:  "pip",
		Streams: map[string]string{"main": "ch1", "bogus": "ch2"},
	})
	req := httptest.NewRequest(http.MethodPost, "/layout", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400, body=%s", rr.Code, rr.Body.String())
	}
}

// TestHandleSetVolume_bySlotName exercises spec scenario 3: setting a named
// slot's volume re-applies the layout and the new volume is reflected back.
func TestHandleSetVolume_bySlotName(t *testing.T) {
	s, _ := testServer(t)
	applyBody, _ := json.Marshal(layoutRequest{
		Layout:      "pip",
		Streams:     map[string]string{"main": "ch1", "inset": "ch2"},
		AudioSource: "main",
	})
	applyReq := httptest.NewRequest(http.MethodPost, "/layout", bytes.NewReader(applyBody))
	applyRR := httptest.NewRecorder()
	s.Mux().ServeHTTP(applyRR, applyReq)
	if applyRR.Code != http.StatusOK {
		t.Fatalf("apply layout: status = %d, body=%s", applyRR.Code, applyRR.Body.String())
	}

	volBody, _ := json.Marshal(volumeRequest{SlotID: "inset", Volume: 0.5})
	volReq := httptest.NewRequest(http.MethodPost, "/audio/volume", bytes.NewReader(volBody))
	volRR := httptest.NewRecorder()
	s.Mux().ServeHTTP(volRR, volReq)
	if volRR.Code != http.StatusOK {
		t.Fatalf("set volume: status = %d, body=%s", volRR.Code, volRR.Body.String())
	}
	var got volumeResponse
	if err := json.Unmarshal(volRR.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SlotID != "inset" || got.Volume != 0.5 {
		t.Errorf("volume response = %+v, want slot_id=inset volume=0.5", got)
	}

	volumesReq := httptest.NewRequest(http.MethodGet, "/audio/volumes", nil)
	volumesRR := httptest.NewRecorder()
	s.Mux().ServeHTTP(volumesRR, volumesReq)
	var vols volumesResponse
	if err := json.Unmarshal(volumesRR.Body.Bytes(), &vols); err != nil {
		t.Fatalf("decode volumes: %v", err)
	}
	if vols.Volumes["inset"] != 0.5 {
		t.Errorf("volumes[inset] = %v, want 0.5", vols.Volumes["inset"])
	}
}

// TestHandleSetVolume_outOfRangeIsBadRequest exercises the documented
// volume boundary behavior.
func TestHandleSetVolume_outOfRangeIsBadRequest(t *testing.T) {
	s, _ := testServer(t)
	body, _ := json.Marshal(volumeRequest{SlotID: "main", Volume: 1.01})
	req := httptest.NewRequest(http.MethodPost, "/audio/volume", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400, body=%s", rr.Code, rr.Body.String())
	}
}

// TestHandleSetVolume_unknownSlotIsNotFound exercises the documented 404
// for a slot name outside the active layout's scheme.
func TestHandleSetVolume_unknownSlotIsNotFound(t *testing.T) {
	s, _ := testServer(t)
	applyBody, _ := json.Marshal(layoutRequest{
		Layout:  "pip",
		Streams: map[string]string{"main": "ch1", "inset": "ch2"},
	})
	applyReq := httptest.NewRequest(http.MethodPost, "/layout", bytes.NewReader(applyBody))
	s.Mux().ServeHTTP(httptest.NewRecorder(), applyReq)

	body, _ := json.Marshal(volumeRequest{SlotID: "nonexistent", Volume: 0.5})
	req := httptest.NewRequest(http.MethodPost, "/audio/volume", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want 404, body=%s", rr.Code, rr.Body.String())
	}
}

// TestHandleLayout_customUsesCallerSlotIDs exercises spec scenario 6: custom
// layout slots keep their caller-given string ids across the wire, in
// pixel coordinates over the 1920x1080 canvas.
func TestHandleLayout_customUsesCallerSlotIDs(t *testing.T) {
	s, _ := testServer(t)
	body, _ := json.Marshal(layoutRequest{
		Layout: "custom",
		CustomSlots: []wireCustomSlot{
			{ID: "a", X: 0, Y: 0, Width: 1920, Height: 1080},
			{ID: "b", X: 100, Y: 100, Width: 400, Height: 300},
		},
		Streams:     map[string]string{"a": "ch1", "b": "ch2"},
		AudioSource: "a",
	})
	req := httptest.NewRequest(http.MethodPost, "/layout", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	var got layoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Streams["a"] != "ch1" || got.Streams["b"] != "ch2" {
		t.Errorf("streams = %+v, want a=ch1 b=ch2", got.Streams)
	}
}

func TestHandleLayout_wrongMethodRejected(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/layout", nil)
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want 405", rr.Code)
	}
}

func TestHandleStop_noActiveLayoutIsConflict(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status code = %d, want 409, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandleChannelsRefresh_unavailableWithoutHook(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/channels/refresh", nil)
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status code = %d, want 501", rr.Code)
	}
}

func TestHandleChannelsRefresh_callsHook(t *testing.T) {
	s, _ := testServer(t)
	called := false
	s.Refresh = func(ctx context.Context) error {
		called = true
		return nil
	}
	req := httptest.NewRequest(http.MethodPost, "/channels/refresh", nil)
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rr.Code)
	}
	if !called {
		t.Error("refresh hook was not called")
	}
}

func TestHandleHealth_reflectsReadyHook(t *testing.T) {
	s, _ := testServer(t)
	ready := false
	s.Ready = func() bool { return ready }

	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503 while not ready", rr.Code)
	}

	ready = true
	rr = httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200 once ready", rr.Code)
	}
}

func TestHandleStatus_brotliWhenRequested(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Accept-Encoding", "br")
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rr.Code)
	}
	if rr.Header().Get("Content-Encoding") != "br" {
		t.Errorf("Content-Encoding = %q, want br", rr.Header().Get("Content-Encoding"))
	}
}

func TestHandleProxyImage_missingURLIsBadRequest(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/proxy-image", nil)
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400", rr.Code)
	}
}

func TestHandleProxyImage_proxiesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-image-bytes"))
	}))
	defer upstream.Close()

	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/proxy-image?url="+upstream.URL, nil)
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "fake-image-bytes" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
}

func TestHandleStream_noActiveLayoutIsConflict(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status code = %d, want 409, body=%s", rr.Code, rr.Body.String())
	}
}

// waitUntil polls cond every 5ms and fails the test if it does not hold
// within timeout; no test in this file calls it.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}
