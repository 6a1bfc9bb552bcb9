// Package httpapi serves the tuner's JSON control API and the MPEG-TS
// stream endpoint, wired the way the teacher wires its HDHomeRun-style
// handlers: a plain net/http.ServeMux, a logging middleware, and
// encoding/json for every response body.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localtuner/multiviewer/internal/broadcaster"
	"github.com/localtuner/multiviewer/internal/catalog"
	"github.com/localtuner/multiviewer/internal/httpclient"
	"github.com/localtuner/multiviewer/internal/layout"
	"github.com/localtuner/multiviewer/internal/session"
)

// Server wires the control API and stream endpoint to a Session and Catalog.
type Server struct {
	Session   *session.Session
	Catalog   *catalog.Catalog
	Refresh   func(ctx context.Context) error // reloads the catalog from its source
	Ready     func() bool                     // reports whether the catalog has loaded at least once
	HTTPClient *http.Client
}

// Mux builds the HTTP handler, wrapped with request logging.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/layout", s.handleLayout)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/audio/volume", s.handleSetVolume)
	mux.HandleFunc("/audio/volumes", s.handleVolumes)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.HandleFunc("/channels/refresh", s.handleChannelsRefresh)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/proxy-image", s.handleProxyImage)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return logRequests(mux)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(lw, r)
		log.Printf("%s %s %d %dB %s", r.Method, r.URL.Path, lw.status, lw.bytes, time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// writeJSON encodes v as JSON, transparently brotli-compressing the body
// when the client advertises Accept-Encoding: br.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
		w.Header().Set("Content-Encoding", "br")
		w.WriteHeader(status)
		bw := brotli.NewWriter(w)
		defer bw.Close()
		json.NewEncoder(bw).Encode(v)
		return
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	writeJSON(w, r, status, map[string]string{"error": code, "message": err.Error()})
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req layoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		statusForLayoutError(w, r, err)
		return
	}
	if err := s.Session.ApplyLayout(r.Context(), cfg); err != nil {
		statusForLayoutError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toLayoutResponse("ok", cfg))
}

func statusForLayoutError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, layout.ErrInvalidLayout):
		writeError(w, r, http.StatusBadRequest, "invalid_layout", err)
	case errors.Is(err, session.ErrSpawnFailed):
		writeError(w, r, http.StatusInternalServerError, "spawn_failed", err)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.Session.Stop(r.Context()); err != nil {
		if errors.Is(err, session.ErrNoActiveLayout) {
			writeError(w, r, http.StatusConflict, "no_active_layout", err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "idle"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, toStatusResponse(s.Session.Status()))
}

func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Volume < 0 || req.Volume > 1 {
		writeError(w, r, http.StatusBadRequest, "invalid_volume", fmt.Errorf("volume %v out of range [0,1]", req.Volume))
		return
	}
	cfg := currentOrLastLayout(s.Session.Status())
	if cfg == nil {
		writeError(w, r, http.StatusBadRequest, "no_active_layout", session.ErrNoActiveLayout)
		return
	}
	sc := schemeFromConfig(*cfg)
	idx, ok := sc.index(req.SlotID)
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown_slot", fmt.Errorf("no slot named %q", req.SlotID))
		return
	}
	if err := s.Session.SetVolume(r.Context(), idx, req.Volume); err != nil {
		if errors.Is(err, session.ErrNoActiveLayout) {
			writeError(w, r, http.StatusBadRequest, "no_active_layout", err)
			return
		}
		statusForLayoutError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, volumeResponse{Status: "ok", SlotID: req.SlotID, Volume: req.Volume})
}

// currentOrLastLayout returns the live layout if one is running, or the
// last-applied one otherwise (nil if neither exists yet).
func currentOrLastLayout(st session.Status) *layout.Config {
	if st.Layout != nil {
		return st.Layout
	}
	return st.LastLayout
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	cfg := currentOrLastLayout(s.Session.Status())
	if cfg == nil {
		writeJSON(w, r, http.StatusOK, volumesResponse{Volumes: map[string]float64{}, Streams: map[string]string{}})
		return
	}
	sc := schemeFromConfig(*cfg)
	resp := volumesResponse{
		Volumes: make(map[string]float64, len(cfg.Slots)),
		Layout:  string(cfg.Kind),
		Streams: make(map[string]string, len(cfg.Slots)),
	}
	for idx, channelID := range cfg.Slots {
		name := sc.name(idx)
		resp.Volumes[name] = cfg.VolumeFor(idx)
		resp.Streams[name] = channelID
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"channels": s.Catalog.Snapshot(r.Context())})
}

func (s *Server) handleChannelsRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Refresh == nil {
		writeError(w, r, http.StatusNotImplemented, "refresh_unavailable", fmt.Errorf("no refresh source configured"))
		return
	}
	if err := s.Refresh(r.Context()); err != nil {
		writeError(w, r, http.StatusBadGateway, "refresh_failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"count": s.Catalog.Count(r.Context())})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sink, err := s.Session.AttachClient(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNoActiveLayout):
			writeError(w, r, http.StatusConflict, "no_active_layout", err)
		case errors.Is(err, session.ErrColdStartFailed):
			writeError(w, r, http.StatusInternalServerError, "cold_start_failed", err)
		default:
			writeError(w, r, http.StatusInternalServerError, "internal_error", err)
		}
		return
	}
	defer s.Session.DetachClient(sink)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	ctx := r.Context()
	for {
		chunk, err := sink.Read(ctx)
		if err != nil {
			if !errors.Is(err, broadcaster.ErrSinkEvicted) && !errors.Is(err, context.Canceled) {
				log.Printf("httpapi: stream read: %v", err)
			}
			return
		}
		if chunk == nil {
			continue
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleProxyImage(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	client := s.HTTPClient
	if client == nil {
		client = httpclient.Default()
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		http.Error(w, "bad url", http.StatusBadRequest)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil && !s.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
